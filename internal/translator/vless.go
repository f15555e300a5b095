package translator

import (
	"strings"

	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
)

func translateVLESS(v *descriptor.Validated) (*model.TranslatedConfig, error) {
	if enc := strings.ToLower(v.Query("encryption")); enc != "" && enc != "none" {
		return nil, model.Errorf(model.KindFieldMapping, "vless encryption %q", enc)
	}
	tls, err := tlsFromQuery(v, "none")
	if err != nil {
		return nil, err
	}
	cfg := &model.TranslatedConfig{
		Auth:      model.Auth{ID: v.User(), Flow: strings.ToLower(v.Query("flow"))},
		Transport: transportFromQuery(v),
		TLS:       tls,
	}
	if tls.Security == "reality" {
		// REALITY 只支持 tcp 和 grpc
		if cfg.Transport.Network != "grpc" {
			cfg.Transport.Network = "tcp"
		}
	}
	if cfg.Auth.Flow != "" && cfg.Transport.Network != "tcp" {
		return nil, model.Errorf(model.KindFieldMapping, "flow %q requires tcp transport, got %s", cfg.Auth.Flow, cfg.Transport.Network)
	}
	return cfg, nil
}
