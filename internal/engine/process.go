package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/model"
)

const (
	// diagnosticsLimit 每个输出流保留的字节数
	diagnosticsLimit = 2048
	stopGrace        = 250 * time.Millisecond
	readyPoll        = 50 * time.Millisecond
)

// Process wraps one running engine instance bound to a single local port.
// Stop must be called on every path; it is safe to call more than once.
type Process struct {
	cmd        *exec.Cmd
	configPath string
	port       int
	stdout     *headBuffer
	stderr     *headBuffer
	done       chan struct{}
	waitErr    error
	stopOnce   sync.Once
	log        zerolog.Logger
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// Exited reports whether the engine has already terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// WaitStartup blocks until the engine is considered started.
//
// In "grace" mode it sleeps for grace and then checks that the process is
// still alive. In "ready" mode it polls the local inbound until it accepts a
// connection, bounded by grace. A process that exits first yields
// ProcessExitedImmediately with its captured output.
func (p *Process) WaitStartup(ctx context.Context, mode string, grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	if mode != "ready" {
		select {
		case <-p.done:
			return p.exitedError()
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if p.Exited() {
				return p.exitedError()
			}
			return nil
		}
	}

	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port))
	for {
		if conn, err := net.DialTimeout("tcp", addr, readyPoll); err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-p.done:
			return p.exitedError()
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if p.Exited() {
				return p.exitedError()
			}
			return model.Errorf(model.KindConnectFailure, "inbound 127.0.0.1:%d not ready after %s", p.port, grace)
		case <-ticker.C:
		}
	}
}

func (p *Process) exitedError() error {
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	return model.Errorf(model.KindProcessExitedImmediately, "engine exited with code %d: %s", code, p.Diagnostics())
}

// Diagnostics returns the head of the engine's stdout and stderr.
func (p *Process) Diagnostics() string {
	return fmt.Sprintf("stdout=%q stderr=%q", p.stdout.String(), p.stderr.String())
}

// Stop 先向进程组发送 SIGTERM，stopGrace 内未退出则 SIGKILL，最后删除临时配置文件。
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		if !p.Exited() {
			if err := terminate(p.cmd); err != nil {
				p.log.Debug().Err(err).Msg("terminate failed")
			}
			select {
			case <-p.done:
			case <-time.After(stopGrace):
				p.log.Debug().Int("pid", p.cmd.Process.Pid).Msg("engine ignored SIGTERM, killing")
				_ = kill(p.cmd)
				<-p.done
			}
		}
		if err := os.Remove(p.configPath); err != nil && !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("path", p.configPath).Msg("failed to remove engine config")
		}
	})
}
