package settings

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager 会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: 告知是哪个模块的配置发生了变化 (e.g., "adaptive", "probe")。
	// newSettings: 是对应模块的、已经解析好的新配置结构体指针 (e.g., *AdaptiveSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型确保了当JSON文件中缺少某个模块时，对应的字段为nil，而不是一个空的结构体。
type RuntimeSettings struct {
	Adaptive *AdaptiveSettings `json:"adaptive"`
	Probe    *ProbeSettings    `json:"probe"`
}

// AdaptiveSettings 对应 settings.json 中的 "adaptive" 模块。
type AdaptiveSettings struct {
	Floor     int     `json:"floor"`
	Ceiling   int     `json:"ceiling"`
	HighWater float64 `json:"high_water"`
	LowWater  float64 `json:"low_water"`
}

// ProbeSettings 对应 settings.json 中的 "probe" 模块。
type ProbeSettings struct {
	Throughput     bool `json:"throughput"`
	LatencySamples int  `json:"latency_samples"`
}
