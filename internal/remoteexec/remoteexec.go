// Package remoteexec runs shell commands on named remote hosts over SSH
// (spec.md §4.A). It is a pure transport: callers are responsible for
// shell-escaping any session name or user content they embed in the
// command string before it reaches Run.
package remoteexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout is the per-call deadline applied when the caller does not
// set one explicitly via context.
const DefaultTimeout = 15 * time.Second

// idleConnTTL bounds how long a host's connection-share marker is kept
// warm between calls before it is considered cold again.
const idleConnTTL = 5 * time.Minute

// ErrTimeout distinguishes a hard-killed deadline from any other remote
// failure so callers can mark a host unreachable rather than merely
// failing the one call.
var ErrTimeout = errors.New("remoteexec: command timed out")

// Result is the outcome of a single remote invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands on remote hosts via `ssh <host> <cmd>`. When
// a socket directory is configured it multiplexes connections per host
// with ssh's ControlMaster so warm follow-up calls skip the handshake.
type Runner struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	lastUse map[string]time.Time
	sockDir string
}

// New creates a Runner. sockDir is the directory ssh's ControlPath sockets
// are written to; an empty string disables connection sharing.
func New(sockDir string, logger zerolog.Logger) *Runner {
	return &Runner{
		logger:  logger.With().Str("component", "remoteexec").Logger(),
		lastUse: make(map[string]time.Time),
		sockDir: sockDir,
	}
}

// Run executes cmd on host with a default 15s deadline.
func (r *Runner) Run(ctx context.Context, host, cmd string) (Result, error) {
	return r.RunTimeout(ctx, host, cmd, DefaultTimeout)
}

// RunTimeout executes cmd on host, hard-killing the child if it exceeds
// timeout. Each call records the host's last use; with a socket directory
// configured, repeated calls within idleConnTTL reuse ssh's persisted
// master connection and avoid the SSH handshake cost.
func (r *Runner) RunTimeout(ctx context.Context, host, cmd string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := r.sshArgs(host, cmd)
	child := exec.CommandContext(runCtx, "ssh", args...)

	var stdout, stderr bytes.Buffer
	child.Stdout = &stdout
	child.Stderr = &stderr

	r.touch(host)

	err := child.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn().Str("host", host).Str("cmd", truncate(cmd, 80)).Msg("remote command timed out")
		return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, fmt.Errorf("remoteexec: %s: exit %d: %s", host, exitErr.ExitCode(), truncate(stderr.String(), 500))
		}
		return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("remoteexec: %s: %w", host, err)
	}

	return Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// sshArgs builds the ssh invocation, enabling ControlMaster connection
// sharing when a socket directory is configured.
func (r *Runner) sshArgs(host, cmd string) []string {
	args := []string{}
	if r.sockDir != "" {
		args = append(args,
			"-o", "ControlMaster=auto",
			"-o", fmt.Sprintf("ControlPath=%s/%%r@%%h:%%p", r.sockDir),
			"-o", fmt.Sprintf("ControlPersist=%ds", int(idleConnTTL.Seconds())),
		)
	}
	args = append(args, host, cmd)
	return args
}

func (r *Runner) touch(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUse[host] = time.Now()
	for h, t := range r.lastUse {
		if time.Since(t) > idleConnTTL {
			delete(r.lastUse, h)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
