package descriptor

import (
	"strings"

	"v2tester_nexus/internal/model"
)

// schemes 将 URI scheme 映射为协议标签，别名在此处统一。
var schemes = map[string]model.Protocol{
	"vmess":       model.ProtoVMess,
	"vless":       model.ProtoVLESS,
	"trojan":      model.ProtoTrojan,
	"ss":          model.ProtoShadowsocks,
	"shadowsocks": model.ProtoShadowsocks,
	"tuic":        model.ProtoTUIC,
	"hysteria2":   model.ProtoHysteria2,
	"hy2":         model.ProtoHysteria2,
}

// ProtocolForScheme returns the protocol tag for a scheme, or ProtoUnknown.
func ProtocolForScheme(scheme string) model.Protocol {
	return schemes[strings.ToLower(scheme)]
}

// Parse splits a raw line into a Descriptor. Only the outer shape is checked
// here: a non-empty line of the form "<scheme>://<rest>". A well-formed line
// with an unrecognized scheme yields ProtoUnknown and is rejected later by the
// validator as unsupported.
func Parse(raw string) (model.Descriptor, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return model.Descriptor{}, model.Errorf(model.KindMalformedDescriptor, "empty descriptor")
	}
	idx := strings.Index(line, "://")
	if idx <= 0 {
		return model.Descriptor{Raw: line}, model.Errorf(model.KindMalformedDescriptor, "missing scheme separator")
	}
	scheme := strings.ToLower(line[:idx])
	if !validScheme(scheme) {
		return model.Descriptor{Raw: line}, model.Errorf(model.KindMalformedDescriptor, "invalid scheme %q", truncate(scheme, 16))
	}
	if len(line) == idx+3 {
		return model.Descriptor{Raw: line, Scheme: scheme}, model.Errorf(model.KindMalformedDescriptor, "empty body")
	}
	return model.Descriptor{
		Raw:         line,
		Scheme:      scheme,
		Protocol:    ProtocolForScheme(scheme),
		Fingerprint: Fingerprint(line),
	}, nil
}

// RFC 3986: ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )
func validScheme(s string) bool {
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return s != ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FromLines turns raw lines into queueable descriptors. Lines that fail Parse
// are kept with only Raw and Fingerprint set so that the validator classifies
// them and the run summary accounts for them.
func FromLines(lines []string, source string) []model.Descriptor {
	out := make([]model.Descriptor, 0, len(lines))
	for _, line := range lines {
		d, err := Parse(line)
		if err != nil {
			d = model.Descriptor{Raw: strings.TrimSpace(line), Fingerprint: Fingerprint(line)}
		}
		d.Source = source
		out = append(out, d)
	}
	return out
}
