// Package discord runs the Discord half of the chat-bridge process
// (spec.md §4.K): a long-lived gateway connection that dispatches the
// `!` command family and forwards non-command utterances posted in
// `[agent]`-prefixed threads into the corresponding tmux session.
package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/bridge"
	"github.com/agentbus/orchestrator/internal/platform"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
)

// reconnectBackoff matches the gateway reconnect/invalid-session backoff
// of spec.md §4.K ("close and loop with 5 s backoff").
const reconnectBackoff = 5 * time.Second

// Gateway holds the live discordgo session plus the shared command
// dispatcher and session service it forwards into.
type Gateway struct {
	session       *discordgo.Session
	dispatcher    *bridge.Dispatcher
	sessions      *sessionsvc.Service
	threadNameFmt string
	tasks         *bridge.TaskGroup
	logger        zerolog.Logger
}

// New builds a Gateway. botToken authenticates the bot user; dispatcher
// handles the `!` command family; sessions mediates tmux access for the
// message-forwarding path.
func New(botToken string, dispatcher *bridge.Dispatcher, sessions *sessionsvc.Service, threadNameFmt string, logger zerolog.Logger) (*Gateway, error) {
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord gateway: new session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	if threadNameFmt == "" {
		threadNameFmt = "[agent] {session} - {host}"
	}

	g := &Gateway{
		session:       sess,
		dispatcher:    dispatcher,
		sessions:      sessions,
		threadNameFmt: threadNameFmt,
		logger:        logger.With().Str("component", "bridge.discord").Logger(),
	}
	g.tasks = bridge.NewTaskGroup(logger, "bridge.discord")
	sess.AddHandler(g.onMessageCreate)
	return g, nil
}

// Run opens the gateway connection and blocks until ctx is cancelled. A
// failed Open is retried after reconnectBackoff; once Open succeeds, Run
// only waits for ctx, and later disconnects are left to discordgo's own
// session, which retries the gateway handshake internally.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := g.session.Open(); err != nil {
			g.logger.Warn().Err(err).Msg("discord gateway open failed, retrying")
			select {
			case <-time.After(reconnectBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		g.logger.Info().Msg("discord gateway connected")

		<-ctx.Done()
		_ = g.session.Close()
		g.tasks.Wait()
		return ctx.Err()
	}
}

// onMessageCreate is discordgo's dispatch handler; per spec.md §4.K every
// spawned per-message handler is tracked so its failure is surfaced.
func (g *Gateway) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	g.tasks.Go("message-dispatch", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return g.handleMessage(ctx, m.ChannelID, content)
	})
}

func (g *Gateway) handleMessage(ctx context.Context, channelID, content string) error {
	if parsed, ok := bridge.Parse(content); ok {
		reply := g.dispatcher.Dispatch(ctx, parsed)
		_, err := g.session.ChannelMessageSend(channelID, reply)
		return err
	}
	return g.forwardToSession(ctx, channelID, content)
}

// forwardToSession implements the message-forwarding path of spec.md
// §4.K: only threads named under the `[agent]` template relay utterances
// into tmux.
func (g *Gateway) forwardToSession(ctx context.Context, channelID, content string) error {
	ch, err := g.session.Channel(channelID)
	if err != nil {
		return fmt.Errorf("discord: lookup channel %q: %w", channelID, err)
	}
	if ch.Type != discordgo.ChannelTypeGuildPublicThread && ch.Type != discordgo.ChannelTypeGuildPrivateThread {
		return nil
	}

	sessionName, ok := platform.ParseThreadName(g.threadNameFmt, ch.Name)
	if !ok {
		return nil
	}

	host, found := g.sessions.FindHost(ctx, sessionName)
	if !found {
		_, err := g.session.ChannelMessageSend(channelID, fmt.Sprintf("Session `%s` not found on any host.", sessionName))
		return err
	}

	before, _ := g.sessions.CapturePane(ctx, host, sessionName)

	if err := g.sessions.Send(ctx, host, sessionName, content); err != nil {
		_, postErr := g.session.ChannelMessageSend(channelID, fmt.Sprintf("Failed to send to `%s`.", sessionName))
		if postErr != nil {
			return postErr
		}
		return err
	}

	g.tasks.Go("capture", func() error {
		return g.captureAndPost(context.Background(), channelID, host, sessionName, before)
	})
	return nil
}

func (g *Gateway) captureAndPost(ctx context.Context, channelID, host, sessionName, before string) error {
	output, ok := bridge.CaptureOutput(ctx, g.sessions, host, sessionName, before, bridge.CaptureConfig{MaxBytes: 1900})
	if !ok {
		return nil
	}
	_, err := g.session.ChannelMessageSend(channelID, fmt.Sprintf("```\n%s\n```", output))
	return err
}
