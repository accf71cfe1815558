// Package reconciler runs the periodic cross-host tmux poll that keeps
// the session table in sync with reality (spec.md §4.H).
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
)

// DefaultInterval is the default tick period (spec.md §4.H).
const DefaultInterval = 30 * time.Second

// ThreadSyncer backfills platform thread anchors for a newly discovered
// session. Implemented by internal/platform/discord and
// internal/platform/slack; nil entries are skipped.
type ThreadSyncer interface {
	FindThread(sessionName string) (string, error)
}

// Reconciler owns the session table's status field.
type Reconciler struct {
	sessions *sessionsvc.Service
	store    *store.Store
	bus      *bus.Bus
	logger   zerolog.Logger
	interval time.Duration

	discord ThreadSyncer
	slack   ThreadSyncer
}

// New builds a Reconciler. discord and slack may be nil when the
// corresponding platform is not configured.
func New(sessions *sessionsvc.Service, st *store.Store, b *bus.Bus, discord, slack ThreadSyncer, interval time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		sessions: sessions,
		store:    st,
		bus:      b,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		interval: interval,
		discord:  discord,
		slack:    slack,
	}
}

// Run ticks until ctx is cancelled. Each tick's errors are logged and
// never abort the loop (spec.md §4.H is single-threaded and must
// survive a bad cycle).
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick executes a single reconciliation cycle.
func (r *Reconciler) Tick(ctx context.Context) {
	hostSessions := r.sessions.ListAll(ctx)

	// Flatten to {name: host}, first-host-wins on duplicates (spec.md §4.H).
	live := make(map[string]string)
	for _, host := range r.sessions.Hosts() {
		for _, name := range hostSessions[host] {
			if existing, ok := live[name]; ok {
				r.logger.Warn().Str("session", name).Str("kept_host", existing).Str("duplicate_host", host).
					Msg("session present on multiple hosts, keeping first")
				continue
			}
			live[name] = host
		}
	}

	stored, err := r.store.ListNonClosedSessions()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list non-closed sessions")
		return
	}
	storedByName := make(map[string]*store.Session, len(stored))
	for _, s := range stored {
		storedByName[s.Name] = s
	}

	for name, host := range live {
		if _, known := storedByName[name]; !known {
			r.handleNew(ctx, name, host)
		}
	}

	for name, sess := range storedByName {
		if host, ok := live[name]; ok {
			r.handleExisting(name, host, sess)
		} else {
			r.handleGone(name, sess)
		}
	}
}

func (r *Reconciler) handleNew(ctx context.Context, name, host string) {
	if err := r.store.InsertSessionIfAbsent(name, host); err != nil {
		r.logger.Error().Err(err).Str("session", name).Msg("failed to insert newly discovered session")
		return
	}
	r.logger.Info().Str("session", name).Str("host", host).Msg("discovered new session")

	if threadID, ok := r.syncThread(r.discord, name); ok {
		if err := r.store.SetDiscordThread(name, threadID); err != nil {
			r.logger.Warn().Err(err).Str("session", name).Msg("failed to persist discord thread id")
		}
	}
	if threadTS, ok := r.syncThread(r.slack, name); ok {
		if err := r.store.SetSlackThread(name, "", threadTS); err != nil {
			r.logger.Warn().Err(err).Str("session", name).Msg("failed to persist slack thread ts")
		}
	}

	if dir, err := r.sessions.WorkingDir(ctx, host, name); err == nil && dir != "" {
		if err := r.store.PatchSessionWorkingDir(name, dir); err != nil {
			r.logger.Warn().Err(err).Str("session", name).Msg("failed to persist working directory")
		}
	}

	sess, err := r.store.GetSession(name)
	if err != nil {
		r.logger.Warn().Err(err).Str("session", name).Msg("failed to reload newly discovered session")
		return
	}
	r.bus.Publish(bus.SessionCreated(sessionPayload(sess)))

	payload, _ := json.Marshal(map[string]string{"host": host})
	if err := r.store.AppendEvent("session.created", name, string(payload)); err != nil {
		r.logger.Warn().Err(err).Msg("failed to append session.created event")
	}
}

func (r *Reconciler) syncThread(syncer ThreadSyncer, name string) (string, bool) {
	if syncer == nil {
		return "", false
	}
	id, err := syncer.FindThread(name)
	if err != nil {
		r.logger.Warn().Err(err).Str("session", name).Msg("failed to sync platform thread id")
		return "", false
	}
	return id, id != ""
}

func (r *Reconciler) handleExisting(name, host string, sess *store.Session) {
	statusChanged := sess.Status != "active"
	hostChanged := !sess.Host.Valid || sess.Host.String != host

	if statusChanged {
		if err := r.store.UpdateSessionStatus(name, "active", host); err != nil {
			r.logger.Error().Err(err).Str("session", name).Msg("failed to reactivate session")
			return
		}
	} else if hostChanged {
		if err := r.store.UpdateSessionStatus(name, sess.Status, host); err != nil {
			r.logger.Error().Err(err).Str("session", name).Msg("failed to update session host")
			return
		}
	} else {
		if err := r.store.TouchSessionUpdatedAt(name); err != nil {
			r.logger.Warn().Err(err).Str("session", name).Msg("failed to bump updated_at")
		}
	}

	if hostChanged && sess.Host.Valid {
		payload, _ := json.Marshal(map[string]string{"old_host": sess.Host.String, "new_host": host})
		if err := r.store.AppendEvent("session.host_changed", name, string(payload)); err != nil {
			r.logger.Warn().Err(err).Msg("failed to append session.host_changed event")
		}
	}

	if statusChanged || hostChanged {
		updated, err := r.store.GetSession(name)
		if err == nil {
			r.bus.Publish(bus.SessionUpdated(sessionPayload(updated)))
		}
	}
}

func (r *Reconciler) handleGone(name string, sess *store.Session) {
	if sess.Status == "closed" {
		return
	}
	if err := r.store.CloseSession(name); err != nil {
		r.logger.Error().Err(err).Str("session", name).Msg("failed to close gone session")
		return
	}
	r.logger.Info().Str("session", name).Msg("session gone from tmux, marked closed")

	closed, err := r.store.GetSession(name)
	if err != nil {
		return
	}
	r.bus.Publish(bus.SessionClosed(sessionPayload(closed)))
	if err := r.store.AppendEvent("session.closed", name, "{}"); err != nil {
		r.logger.Warn().Err(err).Msg("failed to append session.closed event")
	}
}

func sessionPayload(s *store.Session) map[string]any {
	payload := map[string]any{
		"name":       s.Name,
		"status":     s.Status,
		"created_at": s.CreatedAt,
		"updated_at": s.UpdatedAt,
	}
	if s.Host.Valid {
		payload["host"] = s.Host.String
	}
	if s.AgentType.Valid {
		payload["agent_type"] = s.AgentType.String
	}
	if s.WorkingDir.Valid {
		payload["working_dir"] = s.WorkingDir.String
	}
	return payload
}
