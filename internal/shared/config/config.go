package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
	"v2tester_nexus/internal/shared/types"
)

// Default 返回一份完整的默认配置，ini 文件中出现的键会覆盖它。
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{
			EnginePath: "xray",
			EngineArgs: "run -c {config}",
			Inbound:    "socks",
		},
		TesterConf: types.TesterConf{
			Timeout:          15 * time.Second,
			StartupGrace:     800 * time.Millisecond,
			StartupMode:      "grace",
			RetryTransient:   true,
			Prioritize:       true,
			FragmentFallback: true,
			SNIPool: []string{
				"www.speedtest.net", "www.zula.ir", "www.digikala.com", "update.microsoft.com",
				"www.google.com", "dl.google.com", "www.apple.com", "cdn.discordapp.com",
				"gateway.discord.gg", "www.cloudflare.com",
			},
		},
		PortsConf: types.PortsConf{Base: 20800, Size: 128, CheckBind: true},
		AdaptiveConf: types.AdaptiveConf{
			Initial:       16,
			Floor:         2,
			Ceiling:       64,
			Window:        20,
			HighWater:     0.9,
			LowWater:      0.5,
			CooldownAfter: 5,
			Cooldown:      time.Second,
		},
		BlacklistConf: types.BlacklistConf{Threshold: 3, File: "blacklist.txt", Preload: true},
		ProbeConf: types.ProbeConf{
			LatencyURL:         "https://www.google.com/generate_204",
			LatencyFallbackURL: "https://cp.cloudflare.com/generate_204",
			LatencySamples:     3,
			DownloadURL:        "https://speed.cloudflare.com/__down?bytes=3000000",
			DownloadBytes:      3_000_000,
			UploadURL:          "https://speed.cloudflare.com/__up",
			UploadBytes:        1_000_000,
			BypassURL:          "https://www.youtube.com/",
			BypassMarker:       "ytcfg",
			RequestTimeout:     5 * time.Second,
			NetworkCheckURLs: []string{
				"https://www.google.com/generate_204",
				"https://cp.cloudflare.com/generate_204",
				"https://1.1.1.1",
			},
		},
		SecurityConf: types.SecurityConf{
			MaxURILength:    4096,
			MaxPayloadBytes: 8192,
		},
		SourcesConf: types.SourcesConf{File: "sources.json", Concurrency: 8},
		OutputConf:  types.OutputConf{Dir: "result"},
		GeoIPConf:   types.GeoIPConf{Endpoint: "http://ip-api.com/json/"},
		LogConf:     types.LogConf{Level: "info"},
	}
}

// LoadIni 加载 tester.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvString(&cfg.CommonConf.EnginePath, "ENGINE_PATH")
	overrideFromEnvInt(&cfg.WebConf.Port, "TESTER_WEB_PORT")
	return nil
}

// LoadSources 加载 sources.json 数据文件。
func LoadSources(fileName string) ([]*types.SourceProfile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return []*types.SourceProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var profiles []*types.SourceProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources.json: %w", err)
	}
	return profiles, nil
}

// SaveSources 将来源列表保存到 sources.json。
func SaveSources(fileName string, profiles []*types.SourceProfile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal source profiles: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
