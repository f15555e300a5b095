package translator

import (
	"strings"

	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
)

var ssCiphers = map[string]struct{}{
	"aes-128-gcm":                   {},
	"aes-256-gcm":                   {},
	"chacha20-poly1305":             {},
	"chacha20-ietf-poly1305":        {},
	"xchacha20-poly1305":            {},
	"xchacha20-ietf-poly1305":       {},
	"2022-blake3-aes-128-gcm":       {},
	"2022-blake3-aes-256-gcm":       {},
	"2022-blake3-chacha20-poly1305": {},
	"none":                          {},
	"plain":                         {},
}

func translateShadowsocks(v *descriptor.Validated) (*model.TranslatedConfig, error) {
	method := v.User()
	if _, ok := ssCiphers[method]; !ok {
		return nil, model.Errorf(model.KindFieldMapping, "shadowsocks cipher %q is not supported by the engine", method)
	}
	cfg := &model.TranslatedConfig{
		Auth:      model.Auth{Method: method, Password: v.Secret()},
		Transport: model.Transport{Network: "tcp"},
		TLS:       model.TLSOptions{Security: "none"},
	}
	if plugin := v.Query("plugin"); plugin != "" {
		if err := applyPlugin(cfg, plugin, v.Host()); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyPlugin understands the v2ray-plugin option string
// ("v2ray-plugin;mode=websocket;tls;host=...;path=...").
func applyPlugin(cfg *model.TranslatedConfig, plugin, address string) error {
	segs := strings.Split(plugin, ";")
	name := strings.TrimSpace(segs[0])
	switch name {
	case "v2ray-plugin", "xray-plugin":
	default:
		return model.Errorf(model.KindFieldMapping, "shadowsocks plugin %q", name)
	}
	cfg.Options = map[string]string{"plugin": name}
	for _, seg := range segs[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if seg == "tls" {
			cfg.TLS.Security = "tls"
			continue
		}
		k, val, _ := strings.Cut(seg, "=")
		switch strings.ToLower(k) {
		case "mode":
			if strings.EqualFold(val, "websocket") {
				cfg.Transport.Network = "ws"
			}
		case "host":
			cfg.Transport.Host = val
		case "path":
			cfg.Transport.Path = val
		}
	}
	normalizeTransport(&cfg.Transport)
	if cfg.TLS.Security == "tls" {
		cfg.TLS.SNI = defaultSNI(cfg.Transport.Host, address)
	}
	return nil
}
