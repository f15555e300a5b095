package translator

import (
	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
)

func translateHysteria2(v *descriptor.Validated) (*model.TranslatedConfig, error) {
	cfg := &model.TranslatedConfig{
		Auth:      model.Auth{Password: v.User()},
		Transport: model.Transport{Network: "quic"},
		TLS: model.TLSOptions{
			Security:      "tls",
			SNI:           firstNonEmpty(v.Query("sni"), defaultSNI("", v.Host())),
			ALPN:          []string{"h3"},
			AllowInsecure: truthy(v.Query("insecure")),
		},
	}
	if obfs := v.Query("obfs"); obfs != "" {
		if obfs != "salamander" {
			return nil, model.Errorf(model.KindFieldMapping, "hysteria2 obfs %q", obfs)
		}
		pw := v.Query("obfs-password")
		if pw == "" {
			return nil, model.Errorf(model.KindFieldMapping, "hysteria2 obfs without obfs-password")
		}
		cfg.Options = map[string]string{"obfs": obfs, "obfs_password": pw}
	}
	if pin := v.Query("pinSHA256"); pin != "" {
		if cfg.Options == nil {
			cfg.Options = map[string]string{}
		}
		cfg.Options["pin_sha256"] = pin
	}
	return cfg, nil
}
