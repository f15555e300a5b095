package descriptor

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/types"
)

func vmessURI(t *testing.T, fields map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return "vmess://" + base64.StdEncoding.EncodeToString(raw)
}

func defaultPolicy() *Policy {
	return NewPolicy(types.SecurityConf{MaxURILength: 4096, MaxPayloadBytes: 8192})
}

func mustParse(t *testing.T, raw string) model.Descriptor {
	t.Helper()
	d, err := Parse(raw)
	require.NoError(t, err)
	return d
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		protocol model.Protocol
		kind     model.FailureKind
	}{
		{"vless", "vless://id@203.0.113.10:443", model.ProtoVLESS, model.KindNone},
		{"ss alias", "ss://abc@203.0.113.10:8388", model.ProtoShadowsocks, model.KindNone},
		{"hy2 alias", "HY2://pw@203.0.113.10", model.ProtoHysteria2, model.KindNone},
		{"unknown scheme", "ftp://files.example.com/a", model.ProtoUnknown, model.KindNone},
		{"empty", "   ", model.ProtoUnknown, model.KindMalformedDescriptor},
		{"no separator", "this is not a uri", model.ProtoUnknown, model.KindMalformedDescriptor},
		{"bad scheme", "1abc://x", model.ProtoUnknown, model.KindMalformedDescriptor},
		{"empty body", "vless://", model.ProtoUnknown, model.KindMalformedDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(tt.raw)
			assert.Equal(t, tt.kind, model.KindOf(err))
			if err == nil {
				assert.Equal(t, tt.protocol, d.Protocol)
				assert.NotEmpty(t, d.Fingerprint)
			}
		})
	}
}

func TestFingerprintIgnoresRemarkAndSchemeCase(t *testing.T) {
	a := Fingerprint("vless://id@203.0.113.10:443?security=tls#node-a")
	b := Fingerprint("  VLESS://id@203.0.113.10:443?security=tls#node-b\n")
	c := Fingerprint("vless://id@203.0.113.11:443?security=tls")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestValidateAcceptsEachProtocol(t *testing.T) {
	vmess := vmessURI(t, map[string]any{"v": "2", "add": "203.0.113.10", "port": 443, "id": "b831381d-6324-4d53-ad4f-8cda48b30811", "net": "ws", "tls": "tls"})
	ssPlain := "ss://" + base64.RawURLEncoding.EncodeToString([]byte("aes-256-gcm:secret")) + "@203.0.113.10:8388#home"
	ssLegacy := "ss://" + base64.StdEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:pw@198.51.100.7:443"))

	tests := []struct {
		name string
		raw  string
		host string
		port int
		user string
	}{
		{"vmess", vmess, "203.0.113.10", 443, "b831381d-6324-4d53-ad4f-8cda48b30811"},
		{"vless", "vless://uuid-1@example.com:8443?security=reality&pbk=key#r", "example.com", 8443, "uuid-1"},
		{"trojan", "trojan://pass@203.0.113.20:443?sni=a.example.com", "203.0.113.20", 443, "pass"},
		{"ss sip002", ssPlain, "203.0.113.10", 8388, "aes-256-gcm"},
		{"ss legacy", ssLegacy, "198.51.100.7", 443, "chacha20-ietf-poly1305"},
		{"tuic", "tuic://uuid-2:pw@203.0.113.30:443?congestion_control=bbr", "203.0.113.30", 443, "uuid-2"},
		{"hysteria2 default port", "hysteria2://authkey@example.org/?sni=example.org", "example.org", 443, "authkey"},
		{"hy2 user:pass", "hy2://u:p@example.org:8443", "example.org", 8443, "u:p"},
	}
	p := defaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := p.Validate(mustParse(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.host, v.Host())
			assert.Equal(t, tt.port, v.Port())
			assert.Equal(t, tt.user, v.User())
		})
	}
}

func TestValidateRejects(t *testing.T) {
	longURI := "vless://id@203.0.113.10:443?x=" + strings.Repeat("a", 5000)
	tests := []struct {
		name string
		raw  string
		kind model.FailureKind
	}{
		{"unsupported scheme", "ftp://files.example.com/pub", model.KindUnsupportedProtocol},
		{"too long", longURI, model.KindMalformedDescriptor},
		{"vmess not base64", "vmess://%%%not-base64%%%", model.KindMalformedDescriptor},
		{"vmess missing id", vmessURI(t, map[string]any{"add": "203.0.113.10", "port": "443"}), model.KindMalformedDescriptor},
		{"vmess eval", vmessURI(t, map[string]any{"add": "203.0.113.10", "port": "443", "id": "x", "ps": "eval(atob(x))"}), model.KindUnsafePayload},
		{"vless missing port", "vless://id@example.com", model.KindMalformedDescriptor},
		{"vless bad port", "vless://id@example.com:70000", model.KindMalformedDescriptor},
		{"trojan missing password", "trojan://@example.com:443", model.KindMalformedDescriptor},
		{"tuic missing password", "tuic://uuid@example.com:443", model.KindMalformedDescriptor},
		{"ss no userinfo", "ss://@example.com:8388", model.KindMalformedDescriptor},
		{"loopback host", "trojan://pw@127.0.0.1:443", model.KindUnsafePayload},
		{"private host", "trojan://pw@192.168.1.1:443", model.KindUnsafePayload},
		{"localhost", "trojan://pw@localhost:443", model.KindUnsafePayload},
		{"shell payload", "vless://id@example.com:443?path=$(reboot)", model.KindUnsafePayload},
		{"encoded eval", "vless://id@example.com:443?path=eval%28x%29", model.KindUnsafePayload},
		{"control character", "vless://id@example.com:443?path=a\x01b", model.KindUnsafePayload},
	}
	p := defaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Validate(model.Descriptor{Raw: tt.raw})
			require.Error(t, err)
			assert.Equal(t, tt.kind, model.KindOf(err), err.Error())
		})
	}
}

func TestValidateConfiguredBlacklists(t *testing.T) {
	p := NewPolicy(types.SecurityConf{
		IPBlacklist:     []string{"203.0.113.0/24", "198.51.100.9"},
		DomainBlacklist: []string{"bad.example"},
		BannedPayloads:  []string{"SHUTDOWN"},
	})
	for _, raw := range []string{
		"trojan://pw@203.0.113.77:443",
		"trojan://pw@198.51.100.9:443",
		"trojan://pw@cdn.bad.example:443",
		"trojan://pw@ok.example.com:443?x=shutdown",
	} {
		_, err := p.Validate(model.Descriptor{Raw: raw})
		assert.Equal(t, model.KindUnsafePayload, model.KindOf(err), raw)
	}
	_, err := p.Validate(model.Descriptor{Raw: "trojan://pw@198.51.100.10:443"})
	assert.NoError(t, err)
}

func TestSortByPriority(t *testing.T) {
	ds := []model.Descriptor{
		mustParse(t, "ss://"+base64.StdEncoding.EncodeToString([]byte("aes-128-gcm:pw"))+"@203.0.113.1:8388"),
		mustParse(t, "trojan://pw@203.0.113.2:443"),
		mustParse(t, "vless://id@203.0.113.3:443?security=tls&flow=xtls-rprx-vision"),
		mustParse(t, "vless://id@203.0.113.4:443?security=none"),
		mustParse(t, "vless://id@203.0.113.5:443?security=reality&pbk=abc"),
		mustParse(t, vmessURI(t, map[string]any{"add": "203.0.113.6", "port": 443, "id": "x", "tls": "tls"})),
	}
	SortByPriority(ds)

	var hosts []string
	for _, d := range ds {
		hosts = append(hosts, d.Raw)
	}
	assert.Equal(t, RankReality, Rank(ds[0]))
	assert.Equal(t, RankXTLS, Rank(ds[1]))
	assert.Equal(t, RankTLS, Rank(ds[2]))
	assert.Equal(t, RankTLS, Rank(ds[3]))
	assert.Equal(t, RankOther, Rank(ds[4]))
	assert.Equal(t, RankOther, Rank(ds[5]))
	// 同一等级内保持原有顺序
	assert.Contains(t, hosts[2], "trojan://")
	assert.True(t, strings.HasPrefix(hosts[3], "vmess://"))
	assert.True(t, strings.HasPrefix(hosts[4], "ss://"))
	assert.Contains(t, hosts[5], "security=none")
}
