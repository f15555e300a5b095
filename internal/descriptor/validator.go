package descriptor

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"

	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/types"
)

// 默认禁止的可执行内容片段，与配置中的 banned_payloads 合并。
var defaultBannedPayloads = []string{
	"eval(", "exec(", "<script", "fromcharcode", "base64_decode", "$(", "rm -rf", "javascript:",
}

var defaultDomainBlacklist = []string{"localhost", "local", "internal", "invalid"}

// Validated is a descriptor that passed every safety check, together with
// the pieces the validator already parsed out of it. It can only be built by
// Policy.Validate.
type Validated struct {
	desc    model.Descriptor
	host    string
	port    int
	user    string
	secret  string
	query   url.Values
	path    string
	payload map[string]any
	remark  string
}

func (v *Validated) Descriptor() model.Descriptor { return v.desc }
func (v *Validated) Protocol() model.Protocol     { return v.desc.Protocol }
func (v *Validated) Host() string                 { return v.host }
func (v *Validated) Port() int                    { return v.port }
func (v *Validated) Remark() string               { return v.remark }
func (v *Validated) Path() string                 { return v.path }

// User returns the identity part of the credentials: the uuid for
// vmess/vless/tuic, the password for trojan/hysteria2, the cipher for
// shadowsocks.
func (v *Validated) User() string { return v.user }

// Secret returns the second credential field (tuic/shadowsocks password).
func (v *Validated) Secret() string { return v.secret }

// Query returns the first value of a query parameter.
func (v *Validated) Query(key string) string {
	if v.query == nil {
		return ""
	}
	return v.query.Get(key)
}

// Field returns a string field of the embedded vmess JSON payload. Numbers
// are formatted without exponent.
func (v *Validated) Field(key string) string {
	switch val := v.payload[key].(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return ""
}

// Policy 描述符安全策略。Validate 是纯函数，不做任何 I/O。
type Policy struct {
	maxURILength    int
	maxPayloadBytes int
	banned          []string
	blockedIPs      map[string]struct{}
	blockedNets     []*net.IPNet
	blockedDomains  []string
}

// NewPolicy builds a Policy from the [security] section. Entries of
// ip_blacklist may be single addresses or CIDR ranges.
func NewPolicy(conf types.SecurityConf) *Policy {
	p := &Policy{
		maxURILength:    conf.MaxURILength,
		maxPayloadBytes: conf.MaxPayloadBytes,
		blockedIPs:      make(map[string]struct{}),
	}
	if p.maxURILength <= 0 {
		p.maxURILength = 4096
	}
	if p.maxPayloadBytes <= 0 {
		p.maxPayloadBytes = 8192
	}
	p.banned = append(p.banned, defaultBannedPayloads...)
	for _, b := range conf.BannedPayloads {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			p.banned = append(p.banned, b)
		}
	}
	for _, entry := range conf.IPBlacklist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			p.blockedNets = append(p.blockedNets, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			p.blockedIPs[ip.String()] = struct{}{}
		}
	}
	p.blockedDomains = append(p.blockedDomains, defaultDomainBlacklist...)
	for _, d := range conf.DomainBlacklist {
		if d = strings.ToLower(strings.Trim(strings.TrimSpace(d), ".")); d != "" {
			p.blockedDomains = append(p.blockedDomains, d)
		}
	}
	return p
}

// Validate checks d and returns its validated form, or an error classified as
// MalformedDescriptor, UnsafePayload or UnsupportedProtocol.
func (p *Policy) Validate(d model.Descriptor) (*Validated, error) {
	if len(d.Raw) > p.maxURILength {
		return nil, model.Errorf(model.KindMalformedDescriptor, "descriptor too long (%d bytes)", len(d.Raw))
	}
	if d.Scheme == "" {
		parsed, err := Parse(d.Raw)
		if err != nil {
			return nil, err
		}
		parsed.Source = d.Source
		d = parsed
	}
	if d.Protocol == model.ProtoUnknown {
		return nil, model.Errorf(model.KindUnsupportedProtocol, "scheme %q is not supported", d.Scheme)
	}
	if err := p.checkContent(d.Raw); err != nil {
		return nil, err
	}

	var (
		v   *Validated
		err error
	)
	switch d.Protocol {
	case model.ProtoVMess:
		v, err = p.parseVMess(d)
	case model.ProtoShadowsocks:
		v, err = p.parseShadowsocks(d)
	default:
		v, err = parseURL(d)
	}
	if err != nil {
		return nil, err
	}
	if err := p.checkHost(v.host); err != nil {
		return nil, err
	}
	return v, nil
}

func (p *Policy) checkContent(s string) error {
	body := s
	if i := strings.IndexByte(body, '#'); i >= 0 {
		body = body[:i]
	}
	for i := 0; i < len(body); i++ {
		if c := body[i]; c < 0x20 || c == 0x7f {
			return model.Errorf(model.KindUnsafePayload, "control character at offset %d", i)
		}
	}
	lower := strings.ToLower(s)
	if unescaped, err := url.PathUnescape(lower); err == nil {
		lower = unescaped
	}
	for _, b := range p.banned {
		if strings.Contains(lower, b) {
			return model.Errorf(model.KindUnsafePayload, "banned content %q", b)
		}
	}
	return nil
}

func (p *Policy) checkHost(host string) error {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if ip := net.ParseIP(h); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			return model.Errorf(model.KindUnsafePayload, "host %s is not a public address", h)
		}
		if _, ok := p.blockedIPs[ip.String()]; ok {
			return model.Errorf(model.KindUnsafePayload, "host %s is blacklisted", h)
		}
		for _, n := range p.blockedNets {
			if n.Contains(ip) {
				return model.Errorf(model.KindUnsafePayload, "host %s is in blacklisted range %s", h, n)
			}
		}
		return nil
	}
	for _, d := range p.blockedDomains {
		if h == d || strings.HasSuffix(h, "."+d) {
			return model.Errorf(model.KindUnsafePayload, "domain %s is blacklisted", h)
		}
	}
	return nil
}

func (p *Policy) parseVMess(d model.Descriptor) (*Validated, error) {
	body := d.Raw[len(d.Scheme)+3:]
	if i := strings.IndexAny(body, "?#"); i >= 0 {
		body = body[:i]
	}
	raw, err := DecodeBase64(body)
	if err != nil {
		return nil, model.Wrap(model.KindMalformedDescriptor, err, "vmess payload is not base64")
	}
	if len(raw) > p.maxPayloadBytes {
		return nil, model.Errorf(model.KindUnsafePayload, "vmess payload too large (%d bytes)", len(raw))
	}
	if err := p.checkContent(string(raw)); err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, model.Wrap(model.KindMalformedDescriptor, err, "vmess payload is not JSON")
	}
	v := &Validated{desc: d, payload: payload}
	v.host = strings.Trim(v.Field("add"), "[]")
	v.user = v.Field("id")
	v.remark = v.Field("ps")
	if v.host == "" || v.user == "" {
		return nil, model.Errorf(model.KindMalformedDescriptor, "vmess payload missing add or id")
	}
	if v.port, err = parsePort(v.Field("port")); err != nil {
		return nil, err
	}
	return v, nil
}

// parseURL handles the URL-shaped protocols: vless, trojan, tuic, hysteria2.
func parseURL(d model.Descriptor) (*Validated, error) {
	u, err := url.Parse(d.Raw)
	if err != nil {
		return nil, model.Wrap(model.KindMalformedDescriptor, err, "invalid URI")
	}
	v := &Validated{desc: d, host: u.Hostname(), query: u.Query(), path: u.Path, remark: u.Fragment}
	if u.User != nil {
		v.user = u.User.Username()
		v.secret, _ = u.User.Password()
	}
	if d.Protocol == model.ProtoHysteria2 && v.secret != "" {
		// hysteria2 的 "user:pass" 形式整体作为认证字符串
		v.user = v.user + ":" + v.secret
		v.secret = ""
	}
	if v.user == "" {
		return nil, model.Errorf(model.KindMalformedDescriptor, "%s URI missing credentials", d.Protocol)
	}
	if v.host == "" {
		return nil, model.Errorf(model.KindMalformedDescriptor, "%s URI missing host", d.Protocol)
	}
	portStr := u.Port()
	if portStr == "" && d.Protocol == model.ProtoHysteria2 {
		portStr = "443"
	}
	if v.port, err = parsePort(portStr); err != nil {
		return nil, err
	}
	if d.Protocol == model.ProtoTUIC && v.secret == "" {
		return nil, model.Errorf(model.KindMalformedDescriptor, "tuic URI missing password")
	}
	return v, nil
}

// parseShadowsocks accepts SIP002 (ss://base64(method:pass)@host:port or
// plain method:pass) and the legacy ss://base64(method:pass@host:port).
func (p *Policy) parseShadowsocks(d model.Descriptor) (*Validated, error) {
	body := d.Raw[len(d.Scheme)+3:]
	v := &Validated{desc: d}
	if i := strings.IndexByte(body, '#'); i >= 0 {
		v.remark, _ = url.PathUnescape(body[i+1:])
		body = body[:i]
	}
	if i := strings.IndexByte(body, '?'); i >= 0 {
		v.query, _ = url.ParseQuery(body[i+1:])
		body = body[:i]
	}
	if strings.Contains(body, "@") {
		body = strings.TrimSuffix(body, "/")
	} else {
		raw, err := DecodeBase64(body)
		if err != nil {
			return nil, model.Wrap(model.KindMalformedDescriptor, err, "legacy ss payload is not base64")
		}
		if len(raw) > p.maxPayloadBytes {
			return nil, model.Errorf(model.KindUnsafePayload, "ss payload too large (%d bytes)", len(raw))
		}
		if err := p.checkContent(string(raw)); err != nil {
			return nil, err
		}
		body = string(raw)
	}
	at := strings.LastIndexByte(body, '@')
	if at <= 0 {
		return nil, model.Errorf(model.KindMalformedDescriptor, "ss URI missing userinfo")
	}
	userInfo, hostInfo := body[:at], body[at+1:]
	if unescaped, err := url.PathUnescape(userInfo); err == nil {
		userInfo = unescaped
	}
	if !strings.Contains(userInfo, ":") {
		raw, err := DecodeBase64(userInfo)
		if err != nil {
			return nil, model.Wrap(model.KindMalformedDescriptor, err, "ss userinfo is not base64")
		}
		userInfo = string(raw)
	}
	method, pass, ok := strings.Cut(userInfo, ":")
	if !ok || method == "" || pass == "" {
		return nil, model.Errorf(model.KindMalformedDescriptor, "ss userinfo must be method:password")
	}
	host, portStr, err := net.SplitHostPort(hostInfo)
	if err != nil {
		return nil, model.Wrap(model.KindMalformedDescriptor, err, "ss host:port")
	}
	if host == "" {
		return nil, model.Errorf(model.KindMalformedDescriptor, "ss URI missing host")
	}
	if v.port, err = parsePort(portStr); err != nil {
		return nil, err
	}
	v.host, v.user, v.secret = host, strings.ToLower(method), pass
	return v, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return 0, model.Errorf(model.KindMalformedDescriptor, "invalid port %q", truncate(s, 8))
	}
	return port, nil
}

// DecodeBase64 decodes standard or URL-safe base64, padded or not, ignoring
// embedded whitespace.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if unescaped, err := url.PathUnescape(s); err == nil {
		s = unescaped
	}
	trimmed := strings.TrimRight(s, "=")
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(trimmed)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
