package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/types"
)

// SettingsManager 是运行时配置的核心管理器。
// 它线程安全，并使用原子操作和发布/订阅模式来处理配置的读取和热重载。
type SettingsManager struct {
	filePath    string
	defaults    *RuntimeSettings
	settings    atomic.Value // 存储一个 *RuntimeSettings 指针，用于无锁读取
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 用于保护 subscribers map 和文件写入操作
	log         zerolog.Logger
}

// DefaultsFromConfig derives the initial runtime settings from tester.ini.
func DefaultsFromConfig(cfg *types.Config) *RuntimeSettings {
	return &RuntimeSettings{
		Adaptive: &AdaptiveSettings{
			Floor:     cfg.AdaptiveConf.Floor,
			Ceiling:   cfg.AdaptiveConf.Ceiling,
			HighWater: cfg.AdaptiveConf.HighWater,
			LowWater:  cfg.AdaptiveConf.LowWater,
		},
		Probe: &ProbeSettings{
			Throughput:     cfg.ProbeConf.Throughput,
			LatencySamples: cfg.ProbeConf.LatencySamples,
		},
	}
}

// NewSettingsManager 创建并初始化一个新的配置管理器。
// 它会立即从指定的路径加载配置，如果文件不存在，则会用 defaults 创建一个。
// filePath 为空时只在内存中保存。
func NewSettingsManager(filePath string, defaults *RuntimeSettings) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		defaults:    defaults,
		subscribers: make(map[string][]ConfigurableModule),
		log:         logger.WithComponent("Settings"),
	}

	if filePath == "" {
		sm.settings.Store(deepCopy(defaults))
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

// load 从磁盘加载 settings.json 文件。
func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		sm.log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = deepCopy(sm.defaults)
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		// 确保即使JSON中缺少某些模块，指针也不是nil
		sm.ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的一个快照。此操作是无锁的。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update 接收一个模块的原始JSON数据，原子性地更新内存中的配置、
// 持久化到磁盘，并同步通知所有相关订阅者。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// 1. 深拷贝当前的配置，以避免竞态条件
	newSettings := deepCopy(sm.Get())

	// 2. 将新的JSON数据反序列化到新配置的对应模块上
	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}

	// 3. 持久化到文件
	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	// 4. 原子地替换内存中的配置指针
	sm.settings.Store(newSettings)

	// 5. 通知订阅者；订阅者拿到的是只读快照
	for _, sub := range sm.subscribers[moduleKey] {
		if err := sub.OnSettingsUpdate(moduleKey, targetModule); err != nil {
			sm.log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
		}
	}
	return nil
}

// persist 将完整的配置结构体写入到 settings.json 文件。
func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

func (sm *SettingsManager) ensureDefaultModules(s *RuntimeSettings) {
	if s.Adaptive == nil {
		a := *sm.defaults.Adaptive
		s.Adaptive = &a
	}
	if s.Probe == nil {
		p := *sm.defaults.Probe
		s.Probe = &p
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Adaptive != nil {
		adaptiveCopy := *s.Adaptive
		newS.Adaptive = &adaptiveCopy
	}
	if s.Probe != nil {
		probeCopy := *s.Probe
		newS.Probe = &probeCopy
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case "adaptive":
		return s.Adaptive
	case "probe":
		return s.Probe
	default:
		return nil
	}
}
