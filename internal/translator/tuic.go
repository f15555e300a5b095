package translator

import (
	"strings"

	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
)

func translateTUIC(v *descriptor.Validated) (*model.TranslatedConfig, error) {
	cc := strings.ToLower(firstNonEmpty(v.Query("congestion_control"), "bbr"))
	switch cc {
	case "bbr", "cubic", "new_reno":
	default:
		return nil, model.Errorf(model.KindFieldMapping, "tuic congestion control %q", cc)
	}
	relay := strings.ToLower(firstNonEmpty(v.Query("udp_relay_mode"), "native"))
	if relay != "native" && relay != "quic" {
		return nil, model.Errorf(model.KindFieldMapping, "tuic udp relay mode %q", relay)
	}
	alpn := splitList(v.Query("alpn"))
	if alpn == nil {
		alpn = []string{"h3"}
	}
	return &model.TranslatedConfig{
		Auth:      model.Auth{ID: v.User(), Password: v.Secret()},
		Transport: model.Transport{Network: "quic"},
		TLS: model.TLSOptions{
			Security:      "tls",
			SNI:           firstNonEmpty(v.Query("sni"), defaultSNI("", v.Host())),
			ALPN:          alpn,
			AllowInsecure: truthy(v.Query("allow_insecure")) || truthy(v.Query("insecure")),
		},
		Options: map[string]string{
			"congestion_control": cc,
			"udp_relay_mode":     relay,
		},
	}, nil
}
