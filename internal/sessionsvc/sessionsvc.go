// Package sessionsvc provides high-level tmux session operations across
// remote hosts (spec.md §4.D): list, find-host, create, kill, send,
// pane inspection, all mediated through internal/remoteexec.
package sessionsvc

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/remoteexec"
)

// nameRE is the session name grammar of spec.md §6.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxNameLen = 64

// sendKeysDelay separates the payload send-keys invocation from the
// terminal Enter send-keys invocation. This is a hard contract (spec.md
// §4.D): a single send-keys call with an embedded newline is unreliable
// against the target application's line editor.
const sendKeysDelay = 300 * time.Millisecond

// infraSessions are tmux session names the service never surfaces to
// callers — the bridges' own plumbing, not agent sessions.
var infraSessions = map[string]bool{
	"agent-bridge": true,
	"slack-bridge": true,
}

// IsValidName reports whether name matches the session name grammar.
func IsValidName(name string) bool {
	return len(name) > 0 && len(name) <= maxNameLen && nameRE.MatchString(name)
}

// Service manages tmux sessions across a configured list of hosts.
type Service struct {
	hosts   []string
	exec    *remoteexec.Runner
	logger  zerolog.Logger
}

// New creates a Service bound to hosts, queried in the given order.
func New(hosts []string, exec *remoteexec.Runner, logger zerolog.Logger) *Service {
	return &Service{
		hosts:  hosts,
		exec:   exec,
		logger: logger.With().Str("component", "sessionsvc").Logger(),
	}
}

// Hosts returns the configured host list.
func (s *Service) Hosts() []string { return s.hosts }

// DefaultHost returns the first configured host, or "" if none.
func (s *Service) DefaultHost() string {
	if len(s.hosts) == 0 {
		return ""
	}
	return s.hosts[0]
}

// HostAllowed reports whether host is in the configured set.
func (s *Service) HostAllowed(host string) bool {
	for _, h := range s.hosts {
		if h == host {
			return true
		}
	}
	return false
}

// ListAll returns {host: [session names]} for every configured host,
// fanned out in parallel; infrastructure sessions are discarded. A host
// whose query fails contributes an empty list rather than aborting the
// others.
func (s *Service) ListAll(ctx context.Context) map[string][]string {
	results := make(map[string][]string, len(s.hosts))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, host := range s.hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			names, err := s.listHost(ctx, host)
			if err != nil {
				s.logger.Warn().Err(err).Str("host", host).Msg("failed to list tmux sessions")
				names = nil
			}
			mu.Lock()
			results[host] = names
			mu.Unlock()
		}(host)
	}
	wg.Wait()
	return results
}

func (s *Service) listHost(ctx context.Context, host string) ([]string, error) {
	res, err := s.exec.Run(ctx, host, `tmux list-sessions -F '#{session_name}' 2>/dev/null || true`)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || infraSessions[line] {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// FindHost searches every configured host in parallel and returns the
// first host that reports the session as present. With a single
// configured host this degenerates to a direct query.
func (s *Service) FindHost(ctx context.Context, name string) (string, bool) {
	if len(s.hosts) <= 1 {
		for _, host := range s.hosts {
			if s.hasSession(ctx, host, name) {
				return host, true
			}
		}
		return "", false
	}

	type hit struct {
		host  string
		found bool
	}
	results := make(chan hit, len(s.hosts))
	for _, host := range s.hosts {
		go func(host string) {
			results <- hit{host: host, found: s.hasSession(ctx, host, name)}
		}(host)
	}

	// First-positive-wins: still drain every result so goroutines don't
	// leak, but keep only the first host reporting a true hit.
	winner := ""
	won := false
	for i := 0; i < len(s.hosts); i++ {
		r := <-results
		if r.found && !won {
			winner = r.host
			won = true
		}
	}
	return winner, won
}

func (s *Service) hasSession(ctx context.Context, host, name string) bool {
	res, err := s.exec.Run(ctx, host, fmt.Sprintf(`tmux has-session -t %s 2>/dev/null && echo found`, shellQuote(name)))
	if err != nil {
		return false
	}
	return res.ExitCode == 0 && strings.Contains(res.Stdout, "found")
}

// Create creates a new detached tmux session on host, optionally rooted
// at workingDir.
func (s *Service) Create(ctx context.Context, host, name, workingDir string) error {
	cmd := fmt.Sprintf("tmux new-session -d -s %s", shellQuote(name))
	if workingDir != "" {
		cmd += fmt.Sprintf(" -c %s", shellQuote(workingDir))
	}
	res, err := s.exec.Run(ctx, host, cmd)
	if err != nil {
		return fmt.Errorf("sessionsvc: create %q on %q: %w", name, host, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sessionsvc: create %q on %q: exit %d", name, host, res.ExitCode)
	}
	return nil
}

// Kill locates name on whichever host has it, then destroys it. Returns
// the host it was found on, or "" if not found on any host.
func (s *Service) Kill(ctx context.Context, name string) (host string, ok bool) {
	host, found := s.FindHost(ctx, name)
	if !found {
		return "", false
	}
	res, err := s.exec.Run(ctx, host, fmt.Sprintf("tmux kill-session -t %s", shellQuote(name)))
	if err != nil || res.ExitCode != 0 {
		s.logger.Warn().Str("session", name).Str("host", host).Msg("failed to kill tmux session")
		return host, false
	}
	return host, true
}

// Send types message into the named session's active pane using the
// mandatory two-stage send-keys protocol (spec.md §6): the payload, then
// — after sendKeysDelay — a separate Enter keystroke.
func (s *Service) Send(ctx context.Context, host, name, message string) error {
	res, err := s.exec.Run(ctx, host, fmt.Sprintf("tmux send-keys -t %s %s", shellQuote(name), shellQuote(message)))
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("sessionsvc: send payload to %q on %q: %w", name, host, err)
	}

	time.Sleep(sendKeysDelay)

	res, err = s.exec.Run(ctx, host, fmt.Sprintf("tmux send-keys -t %s Enter", shellQuote(name)))
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("sessionsvc: send Enter to %q on %q: %w", name, host, err)
	}
	return nil
}

// WorkingDir inspects the active pane's current path.
func (s *Service) WorkingDir(ctx context.Context, host, name string) (string, error) {
	res, err := s.exec.Run(ctx, host, fmt.Sprintf(`tmux display-message -t %s -p '#{pane_current_path}' 2>/dev/null`, shellQuote(name)))
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(res.Stdout)
	if dir == "" {
		return "", fmt.Errorf("sessionsvc: no working directory for %q on %q", name, host)
	}
	return dir, nil
}

// ForegroundProcess returns the name of the active pane's foreground
// command (spec.md §4.K's capture-abandonment check).
func (s *Service) ForegroundProcess(ctx context.Context, host, name string) (string, error) {
	res, err := s.exec.Run(ctx, host, fmt.Sprintf(`tmux display-message -t %s -p '#{pane_current_command}' 2>/dev/null`, shellQuote(name)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CapturePane returns the pane's currently visible text.
func (s *Service) CapturePane(ctx context.Context, host, name string) (string, error) {
	res, err := s.exec.Run(ctx, host, fmt.Sprintf(`tmux capture-pane -t %s -p`, shellQuote(name)))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// shellQuote produces a POSIX single-quoted literal safe to embed in a
// remote shell command line, per spec.md §9's requirement that all
// arguments assembled from session names or user content be escaped at
// the call site.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
