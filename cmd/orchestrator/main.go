// Command orchestrator is the multi-agent session control plane: a
// single process that owns the SQLite store, polls and reconciles tmux
// sessions across configured hosts, ingests platform chat messages and
// agent transcripts, drains the usage-aware command queue, and serves
// the dashboard's HTTP/WebSocket API (spec.md §5).
//
// The Discord and Slack chat bridges are meant to run as separate
// processes reaching this one over its webhook API (spec.md §5); this
// binary also starts them in-process when credentials are configured,
// for single-host deployments that don't need the split.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentbus/orchestrator/internal/bridge"
	bridgediscord "github.com/agentbus/orchestrator/internal/bridge/discord"
	bridgeslack "github.com/agentbus/orchestrator/internal/bridge/slack"
	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/config"
	"github.com/agentbus/orchestrator/internal/health"
	"github.com/agentbus/orchestrator/internal/httpapi"
	"github.com/agentbus/orchestrator/internal/messagesvc"
	"github.com/agentbus/orchestrator/internal/messagesync"
	"github.com/agentbus/orchestrator/internal/metrics"
	platformdiscord "github.com/agentbus/orchestrator/internal/platform/discord"
	platformslack "github.com/agentbus/orchestrator/internal/platform/slack"
	"github.com/agentbus/orchestrator/internal/reconciler"
	"github.com/agentbus/orchestrator/internal/remoteexec"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
	"github.com/agentbus/orchestrator/internal/transcript"
	"github.com/agentbus/orchestrator/internal/usage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger

	logger.Info().
		Str("environment", cfg.Environment).
		Str("addr", cfg.Addr()).
		Strs("hosts", cfg.SSHHosts).
		Bool("discord_enabled", cfg.DiscordEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(cfg.StorePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	eventBus := bus.NewBus(logger)
	checker := health.NewChecker(logger)
	metricsReg := metrics.New()

	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	exec := remoteexec.New("", logger)
	sessions := sessionsvc.New(cfg.SSHHosts, exec, logger)
	messages := messagesvc.New(st, eventBus, logger)

	// Platform clients mediate thread lifecycle for both the reconciler
	// (backfilling anchors for sessions discovered outside the bot) and
	// the HTTP API's delete/archive path (spec.md §4.E).
	var discordThreads *platformdiscord.Client
	var discordThreadMgr httpapi.ThreadManager
	if cfg.DiscordEnabled() {
		c, err := platformdiscord.New(cfg.DiscordBotToken, cfg.DiscordChannel, "", logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to init Discord platform client (non-fatal, discord disabled)")
		} else {
			discordThreads = c
			discordThreadMgr = c
			checker.Register("discord", func(ctx context.Context) health.Status {
				if _, err := c.AuthTest(); err != nil {
					return health.StatusDown
				}
				return health.StatusOK
			})
		}
	} else {
		logger.Info().Msg("Discord not configured — skipping")
	}

	var slackThreads *platformslack.Client
	var slackThreadMgr httpapi.ThreadManager
	if cfg.SlackEnabled() {
		c := platformslack.New(cfg.SlackBotToken, cfg.SlackChannel, "", logger)
		slackThreads = c
		slackThreadMgr = c
		checker.Register("slack", func(ctx context.Context) health.Status {
			if _, err := c.BotUserID(); err != nil {
				return health.StatusDown
			}
			return health.StatusOK
		})
	} else {
		logger.Info().Msg("Slack not configured — skipping")
	}

	var wg sync.WaitGroup

	// Reconciler (spec.md §4.H): periodic cross-host tmux poll that keeps
	// the session table in sync.
	var discordSyncer reconciler.ThreadSyncer
	if discordThreads != nil {
		discordSyncer = discordThreads
	}
	var slackSyncer reconciler.ThreadSyncer
	if slackThreads != nil {
		slackSyncer = slackThreads
	}
	var rec *reconciler.Reconciler
	if cfg.EnableSessionPoller {
		rec = reconciler.New(sessions, st, eventBus, discordSyncer, slackSyncer, time.Duration(cfg.PollInterval)*time.Second, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(ctx)
		}()
	}

	// Usage monitor (spec.md §4.J): polls provider rate-limit headers and
	// drains the deferred command queue on recovery.
	var usageMonitor *usage.Monitor
	if cfg.EnableUsagePoller {
		usageMonitor = usage.New(usage.Config{
			AnthropicAPIKey:    cfg.AnthropicAPIKey,
			OpenAIAPIKey:       cfg.OpenAIAPIKey,
			PollModelAnthropic: cfg.UsagePollModelClaude,
			PollModelOpenAI:    cfg.UsagePollModelOpenAI,
			PollInterval:       time.Duration(cfg.UsagePollInterval) * time.Second,
			RetentionHours:     cfg.UsageRetentionHours,
			EnableCommandQueue: cfg.EnableCommandQueue,
		}, st, eventBus, sessions, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			usageMonitor.Run(ctx)
		}()
	}

	// Message sync (spec.md §4.I): pulls new thread replies for sessions
	// with a platform anchor, on top of what the bridges forward live.
	var msgSync *messagesync.Worker
	if cfg.EnableMessageSync {
		var sources []messagesync.Source
		if discordThreads != nil {
			botID, err := discordThreads.AuthTest()
			if err != nil {
				logger.Warn().Err(err).Msg("failed to look up Discord bot id for role detection")
			}
			sources = append(sources, messagesync.Source{
				Name:   "discord",
				Puller: discordPuller{discordThreads},
				BotID:  botID,
				ThreadAnchor: func(sess *store.Session) bool {
					return sess.DiscordThreadID.Valid && sess.DiscordThreadID.String != ""
				},
			})
		}
		if slackThreads != nil {
			botID, err := slackThreads.BotUserID()
			if err != nil {
				logger.Warn().Err(err).Msg("failed to look up Slack bot id for role detection")
			}
			sources = append(sources, messagesync.Source{
				Name:   "slack",
				Puller: slackPuller{slackThreads},
				BotID:  botID,
				ThreadAnchor: func(sess *store.Session) bool {
					return sess.SlackThreadTS.Valid && sess.SlackThreadTS.String != ""
				},
			})
		}
		msgSync = messagesync.New(st, messages, eventBus, sources, time.Duration(cfg.MessageSyncInterval)*time.Second, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgSync.Run(ctx)
		}()
	}

	// Transcript tailer (spec.md §4.G): ingests each running session's
	// agent transcript on the same cadence as the reconciler poll.
	tailer := transcript.New(exec, st, messages, logger)
	if cfg.EnableJSONLIngester {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runTranscriptLoop(ctx, tailer, st, time.Duration(cfg.PollInterval)*time.Second, logger)
		}()
	}

	// Chat bridges (spec.md §4.K). Each notifies this process's own
	// webhook endpoint on session lifecycle events it causes directly —
	// harmless in-process, and the only path available when the bridge
	// is split into its own binary.
	webhookPoster := bridge.NewWebhookPoster(cfg.DashboardURL, cfg.DashboardToken)

	var discordBridgeThreads bridge.ThreadManager
	if discordThreads != nil {
		discordBridgeThreads = discordThreads
	}
	var slackBridgeThreads bridge.ThreadManager
	if slackThreads != nil {
		slackBridgeThreads = slackThreads
	}
	dispatcher := bridge.New(sessions, st, eventBus, webhookPoster, discordBridgeThreads, "discord", cfg.NewSessionAgent, cfg.ThreadCleanup, logger)
	slackDispatcher := bridge.New(sessions, st, eventBus, webhookPoster, slackBridgeThreads, "slack", cfg.NewSessionAgent, cfg.ThreadCleanup, logger)

	if cfg.DiscordEnabled() {
		gw, err := bridgediscord.New(cfg.DiscordBotToken, dispatcher, sessions, "", logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to init Discord bridge gateway (non-fatal)")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := gw.Run(ctx); err != nil && err != context.Canceled {
					logger.Error().Err(err).Msg("discord bridge gateway stopped")
				}
			}()
		}
	}

	if cfg.SlackEnabled() {
		gw := bridgeslack.New(cfg.SlackBotToken, cfg.SlackAppToken, cfg.SlackAllowedChannelSet(), slackDispatcher, sessions, "", logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gw.Run(ctx); err != nil && err != context.Canceled {
				logger.Error().Err(err).Msg("slack bridge gateway stopped")
			}
		}()
	}

	server := httpapi.NewServer(httpapi.Deps{
		Config:      cfg,
		Store:       st,
		Bus:         eventBus,
		Sessions:    sessions,
		Messages:    messages,
		Usage:       usageMonitor,
		MessageSync: msgSync,
		Transcript:  tailer,
		Health:      checker,
		Metrics:     metricsReg,
		Discord:     discordThreadMgr,
		Slack:       slackThreadMgr,
	}, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.Addr()).Msg("http api listening")
		if err := server.Listen(cfg.Addr()); err != nil {
			logger.Error().Err(err).Msg("http api server error")
			cancel()
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("http api shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("orchestrator stopped")
}

// runTranscriptLoop tails every non-closed session's transcript on each
// tick; a single slow host never blocks the others since each Tail call
// is independent and errors are logged, not propagated.
func runTranscriptLoop(ctx context.Context, tailer *transcript.Tailer, st *store.Store, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := st.ListNonClosedSessions()
			if err != nil {
				logger.Warn().Err(err).Msg("transcript loop: list sessions failed")
				continue
			}
			for _, sess := range sessions {
				if !sess.Host.Valid || !sess.WorkingDir.Valid {
					continue
				}
				if _, err := tailer.Tail(ctx, sess.Host.String, sess.Name, sess.WorkingDir.String); err != nil {
					logger.Warn().Err(err).Str("session", sess.Name).Msg("transcript tail failed")
				}
			}
		}
	}
}

// discordPuller adapts platform/discord's cursor-paged fetch to
// messagesync.Puller, resolving the session's thread id and converting
// per-message authorship into the role messagesvc expects.
type discordPuller struct {
	client *platformdiscord.Client
}

func (p discordPuller) Pull(ctx context.Context, sess *store.Session, afterSourceID string) ([]messagesvc.PlatformMessage, error) {
	if !sess.DiscordThreadID.Valid || sess.DiscordThreadID.String == "" {
		return nil, nil
	}
	raw, err := p.client.FetchMessagesAfter(sess.DiscordThreadID.String, afterSourceID, 0)
	if err != nil {
		return nil, fmt.Errorf("discord puller: %w", err)
	}
	out := make([]messagesvc.PlatformMessage, 0, len(raw))
	for _, m := range raw {
		out = append(out, messagesvc.PlatformMessage{
			SourceID:   m.ID,
			Content:    m.Content,
			AuthorID:   m.AuthorID,
			AuthorName: m.Author,
			IsBot:      m.IsBot,
			Timestamp:  m.SentAt,
		})
	}
	return out, nil
}

// slackPuller adapts platform/slack's conversations.replies fetch to
// messagesync.Puller.
type slackPuller struct {
	client *platformslack.Client
}

func (p slackPuller) Pull(ctx context.Context, sess *store.Session, afterSourceID string) ([]messagesvc.PlatformMessage, error) {
	if !sess.SlackThreadTS.Valid || sess.SlackThreadTS.String == "" {
		return nil, nil
	}
	channel := ""
	if sess.SlackChannelID.Valid {
		channel = sess.SlackChannelID.String
	}
	raw, err := p.client.FetchRepliesAfter(channel, sess.SlackThreadTS.String, afterSourceID)
	if err != nil {
		return nil, fmt.Errorf("slack puller: %w", err)
	}
	out := make([]messagesvc.PlatformMessage, 0, len(raw))
	for _, m := range raw {
		out = append(out, messagesvc.PlatformMessage{
			SourceID:      m.TS,
			Content:       m.Content,
			AuthorID:      m.AuthorID,
			IsBot:         m.IsBot,
			UnixTimestamp: m.TS,
		})
	}
	return out, nil
}
