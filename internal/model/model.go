package model

import "time"

// Protocol 是由描述符 scheme 推断出的协议标签。
type Protocol string

const (
	ProtoVMess       Protocol = "vmess"
	ProtoVLESS       Protocol = "vless"
	ProtoTrojan      Protocol = "trojan"
	ProtoShadowsocks Protocol = "shadowsocks"
	ProtoTUIC        Protocol = "tuic"
	ProtoHysteria2   Protocol = "hysteria2"
	ProtoUnknown     Protocol = ""
)

// Protocols lists every protocol the tester knows how to translate.
var Protocols = []Protocol{ProtoVMess, ProtoVLESS, ProtoTrojan, ProtoShadowsocks, ProtoTUIC, ProtoHysteria2}

// Descriptor 是一条来自不可信来源的原始代理 URI。创建后不可修改。
type Descriptor struct {
	Raw         string   `json:"raw"`
	Scheme      string   `json:"scheme"`
	Protocol    Protocol `json:"protocol"`
	Fingerprint string   `json:"fingerprint"`
	Source      string   `json:"source,omitempty"`
}

// Auth holds the credential material of a translated config.
type Auth struct {
	ID       string `json:"id,omitempty"`       // vmess/vless/tuic uuid
	Password string `json:"password,omitempty"` // trojan/ss/tuic/hysteria2
	Method   string `json:"method,omitempty"`   // shadowsocks cipher or vmess security
	AlterID  int    `json:"alter_id,omitempty"`
	Flow     string `json:"flow,omitempty"`
}

// Transport holds the stream transport options.
type Transport struct {
	Network     string `json:"network"` // tcp, ws, grpc, http, httpupgrade, quic, udp
	Path        string `json:"path,omitempty"`
	Host        string `json:"host,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	HeaderType  string `json:"header_type,omitempty"`
}

// TLSOptions holds the security layer options.
type TLSOptions struct {
	Security      string   `json:"security"` // none, tls, reality, xtls
	SNI           string   `json:"sni,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	PublicKey     string   `json:"public_key,omitempty"`
	ShortID       string   `json:"short_id,omitempty"`
	SpiderX       string   `json:"spider_x,omitempty"`
}

// TranslatedConfig 是描述符翻译后的结构化引擎配置。
// LocalPort 由执行器在获取端口后填写，任何时刻只属于一个在途测试。
type TranslatedConfig struct {
	Fingerprint string            `json:"fingerprint"`
	Protocol    Protocol          `json:"protocol"`
	Remark      string            `json:"remark,omitempty"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Auth        Auth              `json:"auth"`
	Transport   Transport         `json:"transport"`
	TLS         TLSOptions        `json:"tls"`
	Options     map[string]string `json:"options,omitempty"`
	LocalPort   int               `json:"local_port,omitempty"`
}

// UsesTLS reports whether the remote handshake carries a TLS ClientHello.
func (c *TranslatedConfig) UsesTLS() bool {
	switch c.TLS.Security {
	case "tls", "reality", "xtls":
		return true
	}
	return false
}

// WithLocalPort returns a copy bound to the given inbound port. The copy never
// shares the Options map with the receiver.
func (c *TranslatedConfig) WithLocalPort(port int) *TranslatedConfig {
	cp := *c
	cp.LocalPort = port
	if c.Options != nil {
		cp.Options = make(map[string]string, len(c.Options))
		for k, v := range c.Options {
			cp.Options[k] = v
		}
	}
	if c.TLS.ALPN != nil {
		cp.TLS.ALPN = append([]string(nil), c.TLS.ALPN...)
	}
	return &cp
}

// WithSNI returns a copy whose TLS server name is replaced by sni.
func (c *TranslatedConfig) WithSNI(sni string) *TranslatedConfig {
	cp := c.WithLocalPort(c.LocalPort)
	cp.TLS.SNI = sni
	return cp
}

// TestResult 是一次测试尝试的结果，每次尝试只产生一次。
type TestResult struct {
	Fingerprint  string        `json:"fingerprint"`
	URI          string        `json:"uri"`
	Protocol     Protocol      `json:"protocol"`
	Address      string        `json:"address,omitempty"`
	Success      bool          `json:"success"`
	LatencyMS    float64       `json:"latency_ms"`
	JitterMS     float64       `json:"jitter_ms"`
	DownloadMbps *float64      `json:"download_mbps,omitempty"`
	UploadMbps   *float64      `json:"upload_mbps,omitempty"`
	Bypass       bool          `json:"bypass"`
	Fragmented   bool          `json:"fragmented,omitempty"`
	CustomSNI    string        `json:"custom_sni,omitempty"`
	Country      string        `json:"country,omitempty"`
	Kind         FailureKind   `json:"failure_kind,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	Attempt      int           `json:"attempt"`
	Duration     time.Duration `json:"duration_ns"`
	TestedAt     time.Time     `json:"tested_at"`

	// Err carries the classified failure for in-process consumers.
	Err error `json:"-"`
}

// RunSummary 在队列排空时生成一次。
type RunSummary struct {
	RunID       string              `json:"run_id"`
	Queued      int                 `json:"queued"`
	Attempted   int                 `json:"attempted"`
	Succeeded   int                 `json:"succeeded"`
	Failed      int                 `json:"failed"`
	Retried     int                 `json:"retried"`
	Blacklisted int                 `json:"blacklisted"`
	Skipped     int                 `json:"skipped"`
	Errored     map[FailureKind]int `json:"errored"`
	Aborted     bool                `json:"aborted"`
	AbortReason string              `json:"abort_reason,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	Duration    time.Duration       `json:"duration_ns"`
}

// NewRunSummary returns a summary with an initialized error map.
func NewRunSummary(runID string) RunSummary {
	return RunSummary{RunID: runID, Errored: make(map[FailureKind]int), StartedAt: time.Now()}
}
