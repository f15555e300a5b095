package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/types"
)

const configPlaceholder = "{config}"

// Launcher 负责把 TranslatedConfig 写成临时文件并启动外部引擎。
type Launcher struct {
	path    string
	args    []string
	inbound string
	workDir string
	log     zerolog.Logger
}

// NewLauncher parses engine_args once. Every argument containing {config} has
// it replaced by the temporary config path; if none does, the path is
// appended as the last argument.
func NewLauncher(conf types.CommonConf) (*Launcher, error) {
	args, err := shellwords.Parse(conf.EngineArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid engine_args %q: %w", conf.EngineArgs, err)
	}
	workDir := conf.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	inbound := strings.ToLower(conf.Inbound)
	if inbound != "http" {
		inbound = "socks"
	}
	return &Launcher{
		path:    conf.EnginePath,
		args:    args,
		inbound: inbound,
		workDir: workDir,
		log:     logger.WithComponent("Engine"),
	}, nil
}

// Inbound returns the local inbound kind the engine is configured with.
func (l *Launcher) Inbound() string { return l.inbound }

func (l *Launcher) argv(configPath string) []string {
	out := make([]string, 0, len(l.args)+1)
	replaced := false
	for _, a := range l.args {
		if strings.Contains(a, configPlaceholder) {
			a = strings.ReplaceAll(a, configPlaceholder, configPath)
			replaced = true
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, configPath)
	}
	return out
}

// Start serializes cfg, spawns the engine and returns the running process.
// A missing or non-executable binary is reported as ProcessSpawnFailure.
func (l *Launcher) Start(ctx context.Context, cfg *model.TranslatedConfig, fragment bool) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := BuildConfig(cfg, l.inbound, fragment)
	if err != nil {
		return nil, model.Wrap(model.KindFieldMapping, err, "build engine config")
	}
	configPath := filepath.Join(l.workDir, "engine-"+uuid.NewString()+".json")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return nil, model.Wrap(model.KindProcessSpawnFailure, err, "write engine config")
	}

	cmd := exec.Command(l.path, l.argv(configPath)...)
	stdout, stderr := newHeadBuffer(diagnosticsLimit), newHeadBuffer(diagnosticsLimit)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	// 子进程继承了输出管道时，Wait 最多再等这么久
	cmd.WaitDelay = time.Second
	prepareCmd(cmd)

	if err := cmd.Start(); err != nil {
		os.Remove(configPath)
		return nil, classifyStartError(err)
	}
	p := &Process{
		cmd:        cmd,
		configPath: configPath,
		port:       cfg.LocalPort,
		stdout:     stdout,
		stderr:     stderr,
		done:       make(chan struct{}),
		log:        l.log.With().Str("fingerprint", cfg.Fingerprint).Int("port", cfg.LocalPort).Logger(),
	}
	go p.wait()
	p.log.Debug().Int("pid", cmd.Process.Pid).Bool("fragment", fragment).Msg("engine started")
	return p, nil
}

func classifyStartError(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, exec.ErrDot) {
		return model.Wrap(model.KindProcessSpawnFailure, err, "engine binary unusable")
	}
	// EAGAIN/EMFILE 之类的资源错误只影响当前描述符
	return model.Wrap(model.KindProcessExitedImmediately, err, "engine failed to start")
}

// Preflight 在任何描述符出队之前检查引擎可执行文件，返回其版本行。
func (l *Launcher) Preflight(ctx context.Context) (string, error) {
	resolved, err := exec.LookPath(l.path)
	if err != nil {
		return "", model.Wrap(model.KindProcessSpawnFailure, err, fmt.Sprintf("engine %q not found", l.path))
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, resolved, "version")
	cmd.Stdout, cmd.Stderr = &out, &out
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// 可执行但不支持 version 子命令，不视为致命
			l.log.Warn().Str("engine", resolved).Int("exit_code", exitErr.ExitCode()).Msg("engine version check returned non-zero")
			return "", nil
		}
		return "", classifyStartError(err)
	}
	version, _, _ := strings.Cut(strings.TrimSpace(out.String()), "\n")
	l.log.Info().Str("engine", resolved).Str("version", version).Msg("engine preflight ok")
	return version, nil
}
