package engine

import (
	"encoding/json"
	"fmt"

	"v2tester_nexus/internal/model"
)

type obj = map[string]any

const (
	proxyTag    = "proxy"
	fragmentTag = "fragment"
)

// CanFragment reports whether a TLS-hello fragmenting dialer can be placed in
// front of cfg. QUIC based protocols never carry a TCP ClientHello.
func CanFragment(cfg *model.TranslatedConfig) bool {
	return cfg.UsesTLS() && cfg.Transport.Network != "quic"
}

// CanOverrideSNI reports whether cfg is a vless or vmess config whose TLS
// server name can be swapped for a different one.
func CanOverrideSNI(cfg *model.TranslatedConfig) bool {
	switch cfg.Protocol {
	case model.ProtoVLESS, model.ProtoVMess:
		return cfg.UsesTLS()
	}
	return false
}

// BuildConfig 生成引擎可读取的 JSON 配置：一个本地入站 (socks 或 http)、
// 被测出站，以及 direct/block 出站。fragment 为 true 时，出站通过
// TLS hello 分片的 freedom 出站拨号。相同输入总是得到相同字节。
func BuildConfig(cfg *model.TranslatedConfig, inbound string, fragment bool) ([]byte, error) {
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return nil, fmt.Errorf("config has no local port bound")
	}
	out, err := buildOutbound(cfg)
	if err != nil {
		return nil, err
	}
	outbounds := []any{out}
	if fragment {
		if !CanFragment(cfg) {
			return nil, fmt.Errorf("fragment requested for non-TLS or QUIC config")
		}
		stream, _ := out["streamSettings"].(obj)
		stream["sockopt"] = obj{"dialerProxy": fragmentTag, "tcpKeepAliveIdle": 100}
		outbounds = append(outbounds, obj{
			"tag":      fragmentTag,
			"protocol": "freedom",
			"settings": obj{
				"fragment": obj{"packets": "tlshello", "length": "100-200", "interval": "10-20"},
			},
			"streamSettings": obj{"sockopt": obj{"tcpKeepAliveIdle": 100}},
		})
	}
	outbounds = append(outbounds,
		obj{"tag": "direct", "protocol": "freedom"},
		obj{"tag": "block", "protocol": "blackhole"},
	)

	doc := obj{
		"log":       obj{"loglevel": "warning"},
		"inbounds":  []any{buildInbound(inbound, cfg.LocalPort)},
		"outbounds": outbounds,
	}
	return json.MarshalIndent(doc, "", "  ")
}

func buildInbound(kind string, port int) obj {
	if kind == "http" {
		return obj{
			"tag":      "http-in",
			"listen":   "127.0.0.1",
			"port":     port,
			"protocol": "http",
			"settings": obj{"timeout": 0, "allowTransparent": false},
		}
	}
	return obj{
		"tag":      "socks-in",
		"listen":   "127.0.0.1",
		"port":     port,
		"protocol": "socks",
		"settings": obj{"auth": "noauth", "udp": false},
	}
}

func buildOutbound(cfg *model.TranslatedConfig) (obj, error) {
	out := obj{"tag": proxyTag, "protocol": string(cfg.Protocol)}
	switch cfg.Protocol {
	case model.ProtoVMess:
		out["settings"] = obj{"vnext": []any{obj{
			"address": cfg.Address,
			"port":    cfg.Port,
			"users":   []any{obj{"id": cfg.Auth.ID, "alterId": cfg.Auth.AlterID, "security": cfg.Auth.Method}},
		}}}
	case model.ProtoVLESS:
		user := obj{"id": cfg.Auth.ID, "encryption": "none"}
		if cfg.Auth.Flow != "" {
			user["flow"] = cfg.Auth.Flow
		}
		out["settings"] = obj{"vnext": []any{obj{"address": cfg.Address, "port": cfg.Port, "users": []any{user}}}}
	case model.ProtoTrojan:
		server := obj{"address": cfg.Address, "port": cfg.Port, "password": cfg.Auth.Password}
		if cfg.Auth.Flow != "" {
			server["flow"] = cfg.Auth.Flow
		}
		out["settings"] = obj{"servers": []any{server}}
	case model.ProtoShadowsocks:
		out["settings"] = obj{"servers": []any{obj{
			"address":  cfg.Address,
			"port":     cfg.Port,
			"method":   cfg.Auth.Method,
			"password": cfg.Auth.Password,
		}}}
	case model.ProtoTUIC:
		out["settings"] = obj{
			"address":            cfg.Address,
			"port":               cfg.Port,
			"uuid":               cfg.Auth.ID,
			"password":           cfg.Auth.Password,
			"congestion_control": cfg.Options["congestion_control"],
			"udp_relay_mode":     cfg.Options["udp_relay_mode"],
		}
	case model.ProtoHysteria2:
		settings := obj{"servers": []any{obj{"address": cfg.Address, "port": cfg.Port, "password": cfg.Auth.Password}}}
		if cfg.Options["obfs"] != "" {
			settings["obfs"] = obj{"type": cfg.Options["obfs"], "password": cfg.Options["obfs_password"]}
		}
		out["settings"] = settings
	default:
		return nil, model.Errorf(model.KindUnsupportedProtocol, "engine has no outbound for %q", cfg.Protocol)
	}
	out["streamSettings"] = buildStream(cfg)
	return out, nil
}

func buildStream(cfg *model.TranslatedConfig) obj {
	t := cfg.Transport
	stream := obj{"network": t.Network, "security": cfg.TLS.Security}
	switch t.Network {
	case "ws":
		ws := obj{"path": t.Path}
		if t.Host != "" {
			ws["headers"] = obj{"Host": t.Host}
		}
		stream["wsSettings"] = ws
	case "httpupgrade":
		stream["httpupgradeSettings"] = obj{"path": t.Path, "host": t.Host}
	case "grpc":
		stream["grpcSettings"] = obj{"serviceName": t.ServiceName, "multiMode": false}
	case "http":
		h := obj{"path": firstNonEmpty(t.Path, "/")}
		if t.Host != "" {
			h["host"] = []string{t.Host}
		}
		stream["httpSettings"] = h
	case "tcp":
		if t.HeaderType == "http" {
			req := obj{"path": []string{firstNonEmpty(t.Path, "/")}}
			if t.Host != "" {
				req["headers"] = obj{"Host": []string{t.Host}}
			}
			stream["tcpSettings"] = obj{"header": obj{"type": "http", "request": req}}
		}
	}

	tls := cfg.TLS
	switch tls.Security {
	case "tls", "xtls":
		s := obj{
			"serverName":    tls.SNI,
			"allowInsecure": tls.AllowInsecure,
			"fingerprint":   firstNonEmpty(tls.Fingerprint, "chrome"),
		}
		if len(tls.ALPN) > 0 {
			s["alpn"] = tls.ALPN
		}
		stream[tls.Security+"Settings"] = s
	case "reality":
		stream["realitySettings"] = obj{
			"serverName":  tls.SNI,
			"publicKey":   tls.PublicKey,
			"shortId":     tls.ShortID,
			"spiderX":     tls.SpiderX,
			"fingerprint": tls.Fingerprint,
			"show":        false,
		}
	}
	return stream
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
