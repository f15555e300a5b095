package types

import "time"

// CommonConf 描述外部代理引擎的启动方式。
type CommonConf struct {
	EnginePath string `ini:"engine_path"`
	EngineArgs string `ini:"engine_args"` // {config} 会被替换为临时配置文件路径
	Inbound    string `ini:"inbound"`     // "socks" 或 "http"
	WorkDir    string `ini:"work_dir"`
}

// TesterConf 包含单个描述符测试以及整轮运行的行为配置
type TesterConf struct {
	Timeout          time.Duration `ini:"timeout"`
	StartupGrace     time.Duration `ini:"startup_grace"`
	StartupMode      string        `ini:"startup_mode"` // "grace" or "ready"
	RunDeadline      time.Duration `ini:"run_deadline"`
	MaxSuccess       int           `ini:"max_success"`
	RetryTransient   bool          `ini:"retry_transient"`
	Prioritize       bool          `ini:"prioritize"`
	FragmentFallback bool          `ini:"fragment_fallback"`
	SNIFallback      bool          `ini:"sni_fallback"`
	SNIPool          []string      `ini:"sni_pool" delim:","`
}

// PortsConf 本地入站端口池
type PortsConf struct {
	Base      int  `ini:"base"`
	Size      int  `ini:"size"`
	CheckBind bool `ini:"check_bind"`
}

// AdaptiveConf 自适应并发控制器参数
type AdaptiveConf struct {
	Initial       int           `ini:"initial"`
	Floor         int           `ini:"floor"`
	Ceiling       int           `ini:"ceiling"`
	Window        int           `ini:"window"`
	HighWater     float64       `ini:"high_water"`
	LowWater      float64       `ini:"low_water"`
	CooldownAfter int           `ini:"cooldown_after"`
	Cooldown      time.Duration `ini:"cooldown"`
}

// BlacklistConf 失败追踪与黑名单持久化
type BlacklistConf struct {
	Threshold int    `ini:"threshold"`
	File      string `ini:"file"`
	Preload   bool   `ini:"preload"`
}

// ProbeConf contains the probe targets used through the engine's local inbound.
type ProbeConf struct {
	LatencyURL         string        `ini:"latency_url"`
	LatencyFallbackURL string        `ini:"latency_fallback_url"`
	LatencySamples     int           `ini:"latency_samples"`
	Throughput         bool          `ini:"throughput"`
	DownloadURL        string        `ini:"download_url"`
	DownloadBytes      int64         `ini:"download_bytes"`
	UploadURL          string        `ini:"upload_url"`
	UploadBytes        int64         `ini:"upload_bytes"`
	BypassURL          string        `ini:"bypass_url"`
	BypassMarker       string        `ini:"bypass_marker"`
	RequestTimeout     time.Duration `ini:"request_timeout"`
	// 直连检查目标，全部不可达时认为本机断网
	NetworkCheckURLs []string `ini:"network_check_urls" delim:","`
}

// SecurityConf 描述符安全校验策略
type SecurityConf struct {
	MaxURILength    int      `ini:"max_uri_length"`
	MaxPayloadBytes int      `ini:"max_payload_bytes"`
	IPBlacklist     []string `ini:"ip_blacklist" delim:","`
	DomainBlacklist []string `ini:"domain_blacklist" delim:","`
	BannedPayloads  []string `ini:"banned_payloads" delim:","`
}

type SourcesConf struct {
	File        string `ini:"file"`
	Concurrency int    `ini:"concurrency"`
}

type OutputConf struct {
	Dir string `ini:"dir"`
}

type GeoIPConf struct {
	Enabled  bool   `ini:"enabled"`
	Endpoint string `ini:"endpoint"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	File  string `ini:"file"`
}

// WebConf 包含 Web API 的配置，port 为 0 表示禁用
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是测试器的统一配置结构体 (tester.ini)
type Config struct {
	CommonConf    `ini:"common"`
	TesterConf    `ini:"tester"`
	PortsConf     `ini:"ports"`
	AdaptiveConf  `ini:"adaptive"`
	BlacklistConf `ini:"blacklist"`
	ProbeConf     `ini:"probe"`
	SecurityConf  `ini:"security"`
	SourcesConf   `ini:"sources"`
	OutputConf    `ini:"output"`
	GeoIPConf     `ini:"geoip"`
	LogConf       `ini:"log"`
	WebConf       `ini:"web"`
}

// SourceProfile 定义了一个描述符来源 (sources.json 中的一项)。
type SourceProfile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind string `json:"kind"` // "subscription", "channel" or "file"
}
