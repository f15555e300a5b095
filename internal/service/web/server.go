package web

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/settings"
	"v2tester_nexus/internal/shared/types"
)

// loggingListener logs accepted connections at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux wires every route. /api/status and /ws are public, the rest sits
// behind basic auth when credentials are configured.
func NewMux(conf types.WebConf, settingsManager *settings.SettingsManager, controller Controller, hub *Hub) *http.ServeMux {
	handler := NewHandler(settingsManager, controller)
	mux := http.NewServeMux()
	auth := func(f http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(f, conf.User, conf.Password)
	}

	mux.Handle("/api/results", auth(handler.HandleResults))
	mux.Handle("/api/summary", auth(handler.HandleSummary))
	mux.Handle("/api/blacklist", auth(handler.HandleBlacklist))
	mux.Handle("/api/rescan", auth(handler.HandleRescan))
	mux.Handle("/api/settings", auth(handler.HandleGetSettings))
	mux.Handle("/api/settings/", auth(handler.HandleUpdateSettings)) // 捕获 /api/settings/{module}

	// 公开的状态 API 与事件流
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return mux
}

// StartServer listens on the configured port and serves mux in the
// background. It returns nil when the web API is disabled.
func StartServer(wg *sync.WaitGroup, conf types.WebConf, mux http.Handler) (*http.Server, error) {
	l := logger.WithComponent("Web")
	if conf.Port <= 0 {
		l.Info().Msg("Web API is disabled (port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", conf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}
	l.Info().Msgf("SUCCESS: Web API is listening on http://%s", addr)

	srv := &http.Server{Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
