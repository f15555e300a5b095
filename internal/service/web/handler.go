package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"v2tester_nexus/internal/core/events"
	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/runstatus"
	"v2tester_nexus/internal/shared/settings"
	"v2tester_nexus/internal/store"
)

// Controller defines the interface that the web handler uses to interact with
// the application. This decouples the web package from the app package.
type Controller interface {
	Status() runstatus.Status
	Progress() events.ProgressInfo
	Results() []model.TestResult
	LastSummary() (model.RunSummary, bool)
	Blacklist() []store.BlacklistRecord
	TriggerRescan() bool
}

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      Controller
}

func NewHandler(settingsManager *settings.SettingsManager, controller Controller) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type StatusResponse struct {
		Status   runstatus.Status    `json:"status"`
		Progress events.ProgressInfo `json:"progress"`
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:   h.controller.Status(),
		Progress: h.controller.Progress(),
	})
}

// HandleResults 处理 GET /api/results 请求，支持 ?protocol= 与 ?limit= 过滤。
func (h *Handler) HandleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	protocol := model.Protocol(strings.ToLower(q.Get("protocol")))

	results := make([]model.TestResult, 0)
	for _, res := range h.controller.Results() {
		if protocol != "" && res.Protocol != protocol {
			continue
		}
		results = append(results, res)
		if limit > 0 && len(results) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// HandleSummary 处理 GET /api/summary 请求
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summary, ok := h.controller.LastSummary()
	if !ok {
		http.Error(w, "No run has finished yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleBlacklist 处理 GET /api/blacklist 请求
func (h *Handler) HandleBlacklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Blacklist())
}

// HandleRescan 处理 POST /api/rescan 请求
func (h *Handler) HandleRescan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.controller.TriggerRescan() {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "A scan is already running or queued."})
		return
	}
	logger.Info().Msg("[Handler] Rescan requested via API.")
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Rescan scheduled."})
}

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.settingsManager.Get())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 从 URL 路径中提取模块名
	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	// 将更新请求委托给 SettingsManager
	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		// 根据错误类型返回不同的状态码
		if strings.Contains(err.Error(), "unknown settings module") {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else if strings.Contains(err.Error(), "failed to parse JSON") {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "Settings updated successfully"}`))
}
