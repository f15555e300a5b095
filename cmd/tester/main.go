package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"v2tester_nexus/internal/app"
	"v2tester_nexus/internal/shared/config"
	"v2tester_nexus/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	inputs := flag.String("input", "", "Comma separated descriptor files tested in addition to sources.json")
	serve := flag.Bool("serve", false, "Keep running with the web API after the first scan")
	maxSuccess := flag.Int("max", -1, "Stop after this many working descriptors (0 = no limit, -1 = use tester.ini)")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "tester.ini")

	// 1. 加载 .ini 行为配置，缺失的键使用默认值
	cfg := config.Default()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	if *maxSuccess >= 0 {
		cfg.TesterConf.MaxSuccess = *maxSuccess
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	var files []string
	for _, f := range strings.Split(*inputs, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}

	// 2. 创建应用
	appServer, err := app.New(cfg, *configDir, app.Options{Inputs: files})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 引擎预检失败时不测试任何描述符
	if err := appServer.Preflight(ctx); err != nil {
		logger.Error().Err(err).Msg("Engine preflight failed")
		appServer.Stop()
		os.Exit(1)
	}

	summary, err := appServer.RunScan(ctx)
	logger.Info().
		Str("run_id", summary.RunID).
		Int("queued", summary.Queued).
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("blacklisted", summary.Blacklisted).
		Int("skipped", summary.Skipped).
		Interface("errored", summary.Errored).
		Dur("duration", summary.Duration).
		Msg("Scan finished")
	if err != nil {
		logger.Error().Err(err).Msg("Scan aborted")
		appServer.Stop()
		os.Exit(1)
	}

	if *serve && ctx.Err() == nil {
		if err := appServer.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("Web server failed")
		}
	}
	stop()
	appServer.Stop()
	appServer.Wait()
}
