package translator

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/types"
)

var policy = descriptor.NewPolicy(types.SecurityConf{})

func vmessURI(t *testing.T, fields map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return "vmess://" + base64.StdEncoding.EncodeToString(raw)
}

func validate(t *testing.T, raw string) *descriptor.Validated {
	t.Helper()
	d, err := descriptor.Parse(raw)
	require.NoError(t, err)
	v, err := policy.Validate(d)
	require.NoError(t, err)
	return v
}

// 按协议给出一个格式良好的样例
func wellFormed(t *testing.T) map[model.Protocol]string {
	return map[model.Protocol]string{
		model.ProtoVMess: vmessURI(t, map[string]any{
			"v": "2", "ps": "hk-01", "add": "203.0.113.10", "port": "443", "id": "b831381d-6324-4d53-ad4f-8cda48b30811",
			"aid": "0", "net": "ws", "path": "/ray", "host": "cdn.example.com", "tls": "tls",
		}),
		model.ProtoVLESS:       "vless://8b1d1c0e-3c1f-4c0b-9d1a-7c8e6f5a4b3c@example.com:443?security=reality&pbk=PUBKEY&sid=ab12&sni=www.microsoft.com&flow=xtls-rprx-vision&type=tcp#reality",
		model.ProtoTrojan:      "trojan://s3cret@203.0.113.20:443?type=grpc&serviceName=tun&sni=t.example.com#tr",
		model.ProtoShadowsocks: "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:pw")) + "@203.0.113.30:8388#ss",
		model.ProtoTUIC:        "tuic://c1e7b1b4-1111-4222-8333-944455556666:pw@tuic.example.com:443?congestion_control=cubic&alpn=h3",
		model.ProtoHysteria2:   "hy2://auth@hy.example.com:8443?obfs=salamander&obfs-password=o&insecure=1",
	}
}

func TestTableCoversEveryProtocol(t *testing.T) {
	for _, p := range model.Protocols {
		assert.True(t, Supports(p), "no translation rule for %s", p)
	}
	samples := wellFormed(t)
	assert.Len(t, samples, len(model.Protocols))
}

func TestTranslateIsDeterministic(t *testing.T) {
	for proto, raw := range wellFormed(t) {
		t.Run(string(proto), func(t *testing.T) {
			first, err := Translate(validate(t, raw))
			require.NoError(t, err)
			second, err := Translate(validate(t, raw))
			require.NoError(t, err)
			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("translation not deterministic (-first +second):\n%s", diff)
			}
			assert.Equal(t, proto, first.Protocol)
			assert.Zero(t, first.LocalPort)
			assert.Equal(t, descriptor.Fingerprint(raw), first.Fingerprint)
		})
	}
}

func TestTranslateFieldMapping(t *testing.T) {
	samples := wellFormed(t)
	tests := []struct {
		proto model.Protocol
		want  *model.TranslatedConfig
	}{
		{model.ProtoVMess, &model.TranslatedConfig{
			Protocol: model.ProtoVMess, Remark: "hk-01", Address: "203.0.113.10", Port: 443,
			Auth:      model.Auth{ID: "b831381d-6324-4d53-ad4f-8cda48b30811", Method: "auto"},
			Transport: model.Transport{Network: "ws", Path: "/ray", Host: "cdn.example.com"},
			TLS:       model.TLSOptions{Security: "tls", SNI: "cdn.example.com", AllowInsecure: true},
		}},
		{model.ProtoVLESS, &model.TranslatedConfig{
			Protocol: model.ProtoVLESS, Remark: "reality", Address: "example.com", Port: 443,
			Auth:      model.Auth{ID: "8b1d1c0e-3c1f-4c0b-9d1a-7c8e6f5a4b3c", Flow: "xtls-rprx-vision"},
			Transport: model.Transport{Network: "tcp"},
			TLS: model.TLSOptions{Security: "reality", SNI: "www.microsoft.com", Fingerprint: "chrome",
				PublicKey: "PUBKEY", ShortID: "ab12", SpiderX: "/"},
		}},
		{model.ProtoTrojan, &model.TranslatedConfig{
			Protocol: model.ProtoTrojan, Remark: "tr", Address: "203.0.113.20", Port: 443,
			Auth:      model.Auth{Password: "s3cret"},
			Transport: model.Transport{Network: "grpc", ServiceName: "tun"},
			TLS:       model.TLSOptions{Security: "tls", SNI: "t.example.com"},
		}},
		{model.ProtoShadowsocks, &model.TranslatedConfig{
			Protocol: model.ProtoShadowsocks, Remark: "ss", Address: "203.0.113.30", Port: 8388,
			Auth:      model.Auth{Method: "aes-256-gcm", Password: "pw"},
			Transport: model.Transport{Network: "tcp"},
			TLS:       model.TLSOptions{Security: "none"},
		}},
		{model.ProtoTUIC, &model.TranslatedConfig{
			Protocol: model.ProtoTUIC, Address: "tuic.example.com", Port: 443,
			Auth:      model.Auth{ID: "c1e7b1b4-1111-4222-8333-944455556666", Password: "pw"},
			Transport: model.Transport{Network: "quic"},
			TLS:       model.TLSOptions{Security: "tls", SNI: "tuic.example.com", ALPN: []string{"h3"}},
			Options:   map[string]string{"congestion_control": "cubic", "udp_relay_mode": "native"},
		}},
		{model.ProtoHysteria2, &model.TranslatedConfig{
			Protocol: model.ProtoHysteria2, Address: "hy.example.com", Port: 8443,
			Auth:      model.Auth{Password: "auth"},
			Transport: model.Transport{Network: "quic"},
			TLS:       model.TLSOptions{Security: "tls", SNI: "hy.example.com", ALPN: []string{"h3"}, AllowInsecure: true},
			Options:   map[string]string{"obfs": "salamander", "obfs_password": "o"},
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.proto), func(t *testing.T) {
			got, err := Translate(validate(t, samples[tt.proto]))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(model.TranslatedConfig{}, "Fingerprint")); diff != "" {
				t.Errorf("Translate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTranslateFieldMappingErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"vmess non-integer aid", vmessURI(t, map[string]any{"add": "203.0.113.10", "port": 443, "id": "x", "aid": "abc"})},
		{"vmess unknown cipher", vmessURI(t, map[string]any{"add": "203.0.113.10", "port": 443, "id": "x", "scy": "rot13"})},
		{"vless reality without pbk", "vless://id@example.com:443?security=reality"},
		{"vless encryption", "vless://id@example.com:443?encryption=aes"},
		{"vless flow over ws", "vless://id@example.com:443?security=tls&type=ws&flow=xtls-rprx-vision"},
		{"trojan unknown security", "trojan://pw@example.com:443?security=quantum"},
		{"ss unknown cipher", "ss://" + base64.StdEncoding.EncodeToString([]byte("rc4-md5:pw")) + "@203.0.113.30:8388"},
		{"ss unknown plugin", "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-128-gcm:pw")) + "@203.0.113.30:8388/?plugin=obfs-local%3Bobfs%3Dhttp"},
		{"tuic congestion", "tuic://id:pw@example.com:443?congestion_control=vegas"},
		{"hysteria2 obfs without password", "hysteria2://pw@example.com:443?obfs=salamander"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(validate(t, tt.raw))
			require.Error(t, err)
			assert.Equal(t, model.KindFieldMapping, model.KindOf(err), err.Error())
		})
	}
}

func TestShadowsocksPlugin(t *testing.T) {
	raw := "ss://" + base64.StdEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:pw")) +
		"@203.0.113.30:443/?plugin=v2ray-plugin%3Bmode%3Dwebsocket%3Btls%3Bhost%3Dws.example.com%3Bpath%3D%2Fss"
	cfg, err := Translate(validate(t, raw))
	require.NoError(t, err)
	assert.Equal(t, "ws", cfg.Transport.Network)
	assert.Equal(t, "/ss", cfg.Transport.Path)
	assert.Equal(t, "tls", cfg.TLS.Security)
	assert.Equal(t, "ws.example.com", cfg.TLS.SNI)
	assert.True(t, cfg.UsesTLS())
}
