// Package bridge implements the `!` command family and message-forwarding
// path shared by the Discord and Slack gateway clients (spec.md §4.K).
// Platform-specific gateway lifecycle and rendering live in
// internal/bridge/discord and internal/bridge/slack; this package holds
// the platform-agnostic command semantics and the shell-output capture
// heuristic both bridges reuse.
package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/apierr"
	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
)

// Command names recognised by the `!` family (spec.md §4.K).
const (
	CmdNew      = "!new"
	CmdKill     = "!kill"
	CmdSessions = "!sessions"
	CmdLs       = "!ls"
	CmdQueue    = "!queue"
)

// Parsed is one tokenised `!` command line.
type Parsed struct {
	Command string
	Args    []string
}

// Parse splits a command line into its command token and arguments. The
// command is lower-cased; arguments retain their original case. Returns
// ok=false for text that does not start with "!".
func Parse(text string) (Parsed, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return Parsed{}, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Parsed{}, false
	}
	return Parsed{Command: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// ThreadManager creates and tears down platform threads. Implemented by
// internal/platform/discord.Client and internal/platform/slack.Client.
type ThreadManager interface {
	CreateThread(sessionName, host, welcome string) (threadID string, err error)
}

// Dispatcher executes the `!` command family against the session
// service, store, and bus, independent of which platform invoked it.
// Platform-specific gateways call Dispatch and render the returned
// string back to the user.
type Dispatcher struct {
	sessions       *sessionsvc.Service
	store          *store.Store
	bus            *bus.Bus
	webhook        *WebhookPoster
	threads        ThreadManager
	threadPlatform string // "discord" or "slack" — used to choose which thread column to read
	autoLaunch     string // command to run after session creation, "" disables
	threadCleanup  string // "archive" or "delete"
	logger         zerolog.Logger
}

// New builds a Dispatcher. threads may be nil when the platform has no
// thread-creation capability configured. webhook may be nil when the
// dispatcher runs embedded in the control plane process itself, where the
// bus publish below already reaches local subscribers directly.
func New(sessions *sessionsvc.Service, st *store.Store, b *bus.Bus, webhook *WebhookPoster, threads ThreadManager, threadPlatform, autoLaunch, threadCleanup string, logger zerolog.Logger) *Dispatcher {
	if threadCleanup == "" {
		threadCleanup = "archive"
	}
	return &Dispatcher{
		sessions:       sessions,
		store:          st,
		bus:            b,
		webhook:        webhook,
		threads:        threads,
		threadPlatform: threadPlatform,
		autoLaunch:     autoLaunch,
		threadCleanup:  threadCleanup,
		logger:         logger.With().Str("component", "bridge").Logger(),
	}
}

// notifyDashboard fire-and-forgets a lifecycle self-report to the control
// plane's webhook endpoint when this dispatcher is running inside a
// separate bridge process (spec.md §4.K / §5).
func (d *Dispatcher) notifyDashboard(ctx context.Context, eventType, sessionName, platform string) {
	if d.webhook == nil {
		return
	}
	go func() {
		if err := d.webhook.Post(ctx, WebhookEvent{Type: eventType, SessionName: sessionName, Platform: platform}); err != nil {
			d.logger.Debug().Err(err).Str("session", sessionName).Msg("dashboard webhook post failed")
		}
	}()
}

// Dispatch routes a parsed command to its handler and returns the
// response text to post back in the origin channel/thread.
func (d *Dispatcher) Dispatch(ctx context.Context, p Parsed) string {
	switch p.Command {
	case CmdNew:
		return d.cmdNew(ctx, p.Args)
	case CmdKill:
		return d.cmdKill(ctx, p.Args)
	case CmdSessions, CmdLs:
		return d.cmdSessions(ctx)
	case CmdQueue:
		return d.cmdQueue(p.Args)
	default:
		return "Unknown command. Available: `!new <name> [host] [cwd]`, `!kill <name>`, `!sessions`, `!queue`"
	}
}

func (d *Dispatcher) cmdNew(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return fmt.Sprintf("Usage: `!new <name> [host] [cwd]`\nAvailable hosts: `%s`", strings.Join(d.sessions.Hosts(), "`, `"))
	}
	name := args[0]
	host := d.sessions.DefaultHost()
	if len(args) > 1 {
		host = args[1]
	}
	cwd := ""
	if len(args) > 2 {
		cwd = args[2]
	}

	if !sessionsvc.IsValidName(name) {
		return "Invalid session name. Use only `a-z A-Z 0-9 _ -` (max 64 chars)."
	}
	if !d.sessions.HostAllowed(host) {
		return fmt.Sprintf("Unknown host `%s`. Available: `%s`", host, strings.Join(d.sessions.Hosts(), "`, `"))
	}
	if existingHost, found := d.sessions.FindHost(ctx, name); found {
		return fmt.Sprintf("Session `%s` already exists on `%s`.", name, existingHost)
	}

	if err := d.sessions.Create(ctx, host, name, cwd); err != nil {
		d.logger.Warn().Err(err).Str("session", name).Msg("failed to create tmux session")
		return fmt.Sprintf("Failed to create tmux session `%s` on `%s`.", name, host)
	}

	if d.autoLaunch != "" {
		if err := d.sessions.Send(ctx, host, name, d.autoLaunch); err != nil {
			d.logger.Warn().Err(err).Str("session", name).Msg("failed to auto-launch agent")
		}
	}

	if err := d.store.CreateSession(name, host, "", cwd); err != nil {
		d.logger.Warn().Err(err).Str("session", name).Msg("failed to record created session")
	}
	d.notifyDashboard(ctx, "session.created", name, d.threadPlatform)

	cwdLabel := ""
	if cwd != "" {
		cwdLabel = fmt.Sprintf(" in `%s`", cwd)
	}

	if d.threads != nil {
		threadID, err := d.threads.CreateThread(name, host, fmt.Sprintf("tmux session: *%s* (`%s`%s)", name, host, cwdLabel))
		if err != nil {
			d.logger.Warn().Err(err).Str("session", name).Msg("failed to create platform thread")
			return fmt.Sprintf("Created `%s` on `%s`%s but failed to create thread.", name, host, cwdLabel)
		}
		d.setThreadID(name, threadID)
		return fmt.Sprintf("Created `%s` on `%s`%s + thread", name, host, cwdLabel)
	}

	return fmt.Sprintf("Created `%s` on `%s`%s", name, host, cwdLabel)
}

func (d *Dispatcher) setThreadID(sessionName, threadID string) {
	var err error
	if d.threadPlatform == "slack" {
		err = d.store.SetSlackThread(sessionName, "", threadID)
	} else {
		err = d.store.SetDiscordThread(sessionName, threadID)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("session", sessionName).Msg("failed to persist thread id")
	}
}

func (d *Dispatcher) cmdKill(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "Usage: `!kill <name>`"
	}
	name := args[0]
	if !sessionsvc.IsValidName(name) {
		return "Invalid session name. Use only `a-z A-Z 0-9 _ -` (max 64 chars)."
	}

	host, killed := d.sessions.Kill(ctx, name)

	var status []string
	switch {
	case killed:
		status = append(status, fmt.Sprintf("Killed `%s` on `%s`", name, host))
	case host != "":
		status = append(status, fmt.Sprintf("Failed to kill `%s` on `%s`", name, host))
	default:
		status = append(status, fmt.Sprintf("tmux `%s` not found", name))
	}

	if err := d.store.CloseSession(name); err != nil {
		d.logger.Warn().Err(err).Str("session", name).Msg("failed to mark session closed")
	}
	d.bus.Publish(bus.SessionClosed(map[string]any{"name": name, "status": "closed"}))
	d.notifyDashboard(ctx, "session.killed", name, d.threadPlatform)

	status = append(status, fmt.Sprintf("%s thread", d.threadCleanup))
	return strings.Join(status, " / ")
}

func (d *Dispatcher) cmdSessions(ctx context.Context) string {
	hostSessions := d.sessions.ListAll(ctx)
	live := make(map[string]string)
	for host, names := range hostSessions {
		for _, name := range names {
			live[name] = host
		}
	}

	stored, err := d.store.ListNonClosedSessions()
	if err != nil {
		return "Failed to list sessions."
	}

	var lines []string
	for _, sess := range stored {
		hasThread := sess.DiscordThreadID.Valid || sess.SlackThreadTS.Valid
		_, isLive := live[sess.Name]
		switch {
		case isLive && hasThread:
			lines = append(lines, fmt.Sprintf("`%s` — synced", sess.Name))
		case isLive && !hasThread:
			lines = append(lines, fmt.Sprintf("`%s` — no thread", sess.Name))
		case !isLive && hasThread:
			lines = append(lines, fmt.Sprintf("`%s` — orphan thread", sess.Name))
		}
		delete(live, sess.Name)
	}
	for name, host := range live {
		lines = append(lines, fmt.Sprintf("`%s` on `%s` — untracked", name, host))
	}

	if len(lines) == 0 {
		return "No active sessions."
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) cmdQueue(args []string) string {
	if len(args) == 0 {
		stats, err := d.store.CommandQueueStats()
		if err != nil {
			return "Failed to read queue stats."
		}
		return fmt.Sprintf("pending=%d executing=%d completed=%d failed=%d cancelled=%d",
			stats["pending"], stats["executing"], stats["completed"], stats["failed"], stats["cancelled"])
	}

	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 3 {
			return "Usage: `!queue add <session_name> <command>`"
		}
		name := args[1]
		command := strings.Join(args[2:], " ")
		host, found := d.lookupHostOrDefault(name)
		if !found {
			return fmt.Sprintf("Session `%s` is not known.", name)
		}
		entry, err := d.store.EnqueueCommand(name, host, command, 0)
		if err != nil {
			return "Failed to enqueue command."
		}
		d.bus.Publish(bus.CommandQueued(map[string]any{"id": entry.ID, "session_name": name, "command": command}))
		return fmt.Sprintf("Queued command #%d for `%s`.", entry.ID, name)
	case "execute":
		return "Queue execution runs automatically on provider reset; manual trigger is not exposed to the bridge."
	default:
		return "Usage: `!queue add <session> <command>` / `!queue`"
	}
}

func (d *Dispatcher) lookupHostOrDefault(sessionName string) (string, bool) {
	sess, err := d.store.GetSession(sessionName)
	if err == nil && sess.Host.Valid {
		return sess.Host.String, true
	}
	if err != nil && err != apierr.ErrNotFound {
		d.logger.Warn().Err(err).Str("session", sessionName).Msg("failed to look up session host")
	}
	return "", false
}
