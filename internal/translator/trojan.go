package translator

import (
	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
)

// trojan links default to TLS when security is omitted.
func translateTrojan(v *descriptor.Validated) (*model.TranslatedConfig, error) {
	tls, err := tlsFromQuery(v, "tls")
	if err != nil {
		return nil, err
	}
	return &model.TranslatedConfig{
		Auth:      model.Auth{Password: v.User(), Flow: v.Query("flow")},
		Transport: transportFromQuery(v),
		TLS:       tls,
	}, nil
}
