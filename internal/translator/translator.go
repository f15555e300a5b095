// Package translator converts validated descriptors into structured engine
// configurations. Each protocol owns one entry in the strategy table.
package translator

import (
	"net"
	"strings"

	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
)

// Func translates one validated descriptor of a single protocol.
type Func func(v *descriptor.Validated) (*model.TranslatedConfig, error)

// table 按协议分发；新增协议只需新增一项。
var table = map[model.Protocol]Func{
	model.ProtoVMess:       translateVMess,
	model.ProtoVLESS:       translateVLESS,
	model.ProtoTrojan:      translateTrojan,
	model.ProtoShadowsocks: translateShadowsocks,
	model.ProtoTUIC:        translateTUIC,
	model.ProtoHysteria2:   translateHysteria2,
}

// Supports reports whether a translation rule exists for p.
func Supports(p model.Protocol) bool {
	_, ok := table[p]
	return ok
}

// Translate maps v to a TranslatedConfig. The result is deterministic for a
// given input and never carries a local port.
func Translate(v *descriptor.Validated) (*model.TranslatedConfig, error) {
	fn, ok := table[v.Protocol()]
	if !ok {
		return nil, model.Errorf(model.KindUnsupportedProtocol, "no translation rule for %q", v.Protocol())
	}
	cfg, err := fn(v)
	if err != nil {
		return nil, err
	}
	d := v.Descriptor()
	cfg.Fingerprint = d.Fingerprint
	cfg.Protocol = d.Protocol
	cfg.Address = v.Host()
	cfg.Port = v.Port()
	cfg.Remark = v.Remark()
	return cfg, nil
}

// transportFromQuery reads the share-link transport parameters used by
// vless and trojan links.
func transportFromQuery(v *descriptor.Validated) model.Transport {
	t := model.Transport{
		Network:     strings.ToLower(v.Query("type")),
		Path:        v.Query("path"),
		Host:        v.Query("host"),
		ServiceName: v.Query("serviceName"),
		HeaderType:  strings.ToLower(v.Query("headerType")),
	}
	normalizeTransport(&t)
	return t
}

func normalizeTransport(t *model.Transport) {
	switch t.Network {
	case "":
		t.Network = "tcp"
	case "h2":
		t.Network = "http"
	case "websocket":
		t.Network = "ws"
	}
	if t.Network == "grpc" && t.ServiceName == "" {
		t.ServiceName = strings.TrimPrefix(t.Path, "/")
		t.Path = ""
	}
	if (t.Network == "ws" || t.Network == "httpupgrade") && t.Path == "" {
		t.Path = "/"
	}
}

func tlsFromQuery(v *descriptor.Validated, defaultSecurity string) (model.TLSOptions, error) {
	o := model.TLSOptions{
		Security:      strings.ToLower(v.Query("security")),
		SNI:           firstNonEmpty(v.Query("sni"), v.Query("peer")),
		ALPN:          splitList(v.Query("alpn")),
		Fingerprint:   v.Query("fp"),
		AllowInsecure: truthy(v.Query("allowInsecure")) || truthy(v.Query("insecure")),
		PublicKey:     v.Query("pbk"),
		ShortID:       v.Query("sid"),
		SpiderX:       v.Query("spx"),
	}
	if o.Security == "" {
		o.Security = defaultSecurity
	}
	switch o.Security {
	case "none", "tls", "xtls":
	case "reality":
		if o.PublicKey == "" {
			return o, model.Errorf(model.KindFieldMapping, "reality link without public key (pbk)")
		}
		if o.Fingerprint == "" {
			o.Fingerprint = "chrome"
		}
		if o.SpiderX == "" {
			o.SpiderX = "/"
		}
	default:
		return o, model.Errorf(model.KindFieldMapping, "unknown security %q", o.Security)
	}
	if o.Security != "none" && o.SNI == "" {
		o.SNI = defaultSNI(v.Query("host"), v.Host())
	}
	return o, nil
}

// defaultSNI 优先使用 Host 头，其次是非 IP 的服务器地址。
func defaultSNI(hostHeader, address string) string {
	if hostHeader != "" {
		return hostHeader
	}
	if net.ParseIP(address) == nil {
		return address
	}
	return ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
