package translator

import (
	"strconv"
	"strings"

	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
)

// translateVMess maps the base64 JSON share format (v2rayN "v":"2").
func translateVMess(v *descriptor.Validated) (*model.TranslatedConfig, error) {
	cfg := &model.TranslatedConfig{
		Auth: model.Auth{ID: v.User(), Method: strings.ToLower(firstNonEmpty(v.Field("scy"), "auto"))},
	}
	if aid := strings.TrimSpace(v.Field("aid")); aid != "" {
		n, err := strconv.Atoi(aid)
		if err != nil || n < 0 {
			return nil, model.Errorf(model.KindFieldMapping, "vmess alterId %q is not a non-negative integer", aid)
		}
		cfg.Auth.AlterID = n
	}
	switch cfg.Auth.Method {
	case "auto", "none", "zero", "aes-128-gcm", "chacha20-poly1305":
	default:
		return nil, model.Errorf(model.KindFieldMapping, "vmess security %q", cfg.Auth.Method)
	}

	cfg.Transport = model.Transport{
		Network:    strings.ToLower(v.Field("net")),
		Path:       v.Field("path"),
		Host:       v.Field("host"),
		HeaderType: strings.ToLower(v.Field("type")),
	}
	if cfg.Transport.HeaderType == "none" {
		cfg.Transport.HeaderType = ""
	}
	normalizeTransport(&cfg.Transport)

	cfg.TLS = model.TLSOptions{Security: "none"}
	if strings.EqualFold(v.Field("tls"), "tls") {
		cfg.TLS = model.TLSOptions{
			Security:      "tls",
			SNI:           firstNonEmpty(v.Field("sni"), defaultSNI(cfg.Transport.Host, v.Host())),
			ALPN:          splitList(v.Field("alpn")),
			Fingerprint:   v.Field("fp"),
			AllowInsecure: true,
		}
	}
	return cfg, nil
}
