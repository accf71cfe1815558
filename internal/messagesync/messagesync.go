// Package messagesync periodically pulls new thread messages from
// configured chat platforms, keyed on a per-(session, source)
// high-watermark (spec.md §4.I).
package messagesync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/messagesvc"
	"github.com/agentbus/orchestrator/internal/store"
)

// DefaultInterval is the default pull period (spec.md §4.I).
const DefaultInterval = 300 * time.Second

// interSessionPause keeps platform polling friendly to rate limits.
const interSessionPause = 500 * time.Millisecond

// Puller fetches messages posted after a given source id/timestamp for
// one platform's thread. Implemented by internal/platform/discord and
// internal/platform/slack adapters.
type Puller interface {
	// Pull returns messages posted strictly after afterSourceID in the
	// session's thread.
	Pull(ctx context.Context, sess *store.Session, afterSourceID string) ([]messagesvc.PlatformMessage, error)
}

// Source is one configured platform puller with its source tag (the
// value stored in messages.source) and bot identity for role detection.
type Source struct {
	Name   string // "discord" or "slack"
	Puller Puller
	BotID  string
	// ThreadAnchor reports whether sess has a non-null thread anchor for
	// this platform — the pull is skipped otherwise.
	ThreadAnchor func(sess *store.Session) bool
}

// Worker runs the periodic pull loop.
type Worker struct {
	store    *store.Store
	messages *messagesvc.Service
	bus      *bus.Bus
	sources  []Source
	logger   zerolog.Logger
	interval time.Duration
}

// New builds a Worker over the configured sources (only platforms with
// credentials should be included by the caller).
func New(st *store.Store, messages *messagesvc.Service, b *bus.Bus, sources []Source, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		store:    st,
		messages: messages,
		bus:      b,
		sources:  sources,
		logger:   logger.With().Str("component", "messagesync").Logger(),
		interval: interval,
	}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one pull cycle across every configured source.
func (w *Worker) Tick(ctx context.Context) {
	if len(w.sources) == 0 {
		return
	}

	sessions, err := w.store.ListSessions(store.ListSessionsFilter{Status: "active"})
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list active sessions")
		return
	}

	for _, source := range w.sources {
		total := 0
		for _, sess := range sessions {
			if ctx.Err() != nil {
				return
			}
			if !source.ThreadAnchor(sess) {
				continue
			}

			n, err := w.pullOne(ctx, source, sess)
			if err != nil {
				w.logger.Warn().Err(err).Str("session", sess.Name).Str("source", source.Name).
					Msg("failed to pull platform thread messages")
				continue
			}
			total += n
			time.Sleep(interSessionPause)
		}
		if total > 0 {
			w.logger.Info().Str("source", source.Name).Int("messages", total).Msg("message sync cycle complete")
		}
	}
}

// PullSession runs a single on-demand pull cycle for one session across
// every configured source, used by the API's manual sync trigger
// (spec.md §4.L). Returns the total count of newly inserted messages.
func (w *Worker) PullSession(ctx context.Context, sess *store.Session) (int, error) {
	total := 0
	for _, source := range w.sources {
		if !source.ThreadAnchor(sess) {
			continue
		}
		n, err := w.pullOne(ctx, source, sess)
		if err != nil {
			w.logger.Warn().Err(err).Str("session", sess.Name).Str("source", source.Name).
				Msg("failed to pull platform thread messages")
			continue
		}
		total += n
	}
	return total, nil
}

func (w *Worker) pullOne(ctx context.Context, source Source, sess *store.Session) (int, error) {
	cursor, err := w.store.MaxSourceID(sess.Name, source.Name)
	if err != nil {
		return 0, err
	}

	batch, err := source.Puller.Pull(ctx, sess, cursor)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	n, err := w.messages.IngestPlatformBatch(sess.Name, source.Name, source.BotID, batch)
	if err != nil {
		return n, err
	}
	if n > 0 {
		w.bus.Publish(bus.SyncComplete(sess.Name, source.Name, n))
	}
	return n, nil
}
