// Package slack runs the Slack half of the chat-bridge process (spec.md
// §4.K): a Socket Mode event loop that dispatches the `!` command family
// and forwards thread replies posted under `[agent]`-prefixed threads
// into the corresponding tmux session.
package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/agentbus/orchestrator/internal/bridge"
	"github.com/agentbus/orchestrator/internal/platform"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
)

const reconnectBackoff = 5 * time.Second

// Gateway wraps a Socket Mode client scoped to a channel allowlist
// (mirroring the teacher's SafeSlackClient fail-closed posture).
type Gateway struct {
	api             *slack.Client
	socket          *socketmode.Client
	dispatcher      *bridge.Dispatcher
	sessions        *sessionsvc.Service
	botUserID       string
	allowedChannels map[string]bool
	threadNameFmt   string
	threadMu        sync.Mutex
	threadSessions  map[string]string // channel:threadTS -> session name
	tasks           *bridge.TaskGroup
	logger          zerolog.Logger
}

// New builds a Gateway. botToken/appToken authenticate Socket Mode;
// allowedChannels fail-closed restricts which channels the bot may post
// in (grounded on the teacher's SafeSlackClient allowlist).
func New(botToken, appToken string, allowedChannels map[string]bool, dispatcher *bridge.Dispatcher, sessions *sessionsvc.Service, threadNameFmt string, logger zerolog.Logger) *Gateway {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	if threadNameFmt == "" {
		threadNameFmt = "[agent] {session} - {host}"
	}
	return &Gateway{
		api:             api,
		socket:          socketmode.New(api),
		dispatcher:      dispatcher,
		sessions:        sessions,
		allowedChannels: allowedChannels,
		threadNameFmt:   threadNameFmt,
		threadSessions:  make(map[string]string),
		tasks:           bridge.NewTaskGroup(logger, "bridge.slack"),
		logger:          logger.With().Str("component", "bridge.slack").Logger(),
	}
}

// Run connects Socket Mode and processes events until ctx is cancelled,
// reconnecting with a 5 s backoff on failure (spec.md §4.K).
func (g *Gateway) Run(ctx context.Context) error {
	resp, err := g.api.AuthTest()
	if err != nil {
		return fmt.Errorf("bridge/slack: auth test: %w", err)
	}
	g.botUserID = resp.UserID

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			for evt := range g.socket.Events {
				g.handleEvent(runCtx, evt)
			}
		}()

		err := g.socket.RunContext(runCtx)
		cancel()
		g.tasks.Wait()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn().Err(err).Msg("slack socket mode disconnected, reconnecting")
		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			g.socket.Ack(*evt.Request)
		}
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		g.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
	default:
	}
}

func (g *Gateway) handleCallbackEvent(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	ev, ok := inner.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.User == "" || ev.User == g.botUserID || ev.SubType != "" {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	channel := ev.Channel
	threadTS := ev.ThreadTimeStamp
	messageTS := ev.TimeStamp

	g.tasks.Go("message-dispatch", func() error {
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return g.handleMessage(dispatchCtx, channel, text, threadTS, messageTS)
	})
}

func (g *Gateway) handleMessage(ctx context.Context, channel, text, threadTS, messageTS string) error {
	if parsed, ok := bridge.Parse(text); ok {
		reply := g.dispatcher.Dispatch(ctx, parsed)
		return g.post(channel, reply, threadTS)
	}
	return g.forwardToSession(ctx, channel, text, threadTS, messageTS)
}

// forwardToSession relays a thread reply into tmux only when the thread
// was created (or previously resolved) under the `[agent]` template.
func (g *Gateway) forwardToSession(ctx context.Context, channel, text, threadTS, messageTS string) error {
	anchor := threadTS
	if anchor == "" {
		return nil // top-level messages never auto-forward on Slack without an existing thread
	}

	sessionName, ok := g.sessionForThread(channel, anchor)
	if !ok {
		return nil
	}

	host, found := g.sessions.FindHost(ctx, sessionName)
	if !found {
		return g.post(channel, fmt.Sprintf("Session `%s` not found on any host.", sessionName), anchor)
	}

	before, _ := g.sessions.CapturePane(ctx, host, sessionName)

	if err := g.sessions.Send(ctx, host, sessionName, text); err != nil {
		return g.post(channel, fmt.Sprintf("Failed to send to `%s`.", sessionName), anchor)
	}

	g.tasks.Go("capture", func() error {
		return g.captureAndPost(context.Background(), channel, anchor, host, sessionName, before)
	})
	return nil
}

// sessionForThread resolves a thread's session name, caching against the
// parent message's first line the way internal/platform/slack.FindThread
// scans channel history.
func (g *Gateway) sessionForThread(channel, threadTS string) (string, bool) {
	key := channel + ":" + threadTS
	g.threadMu.Lock()
	if name, ok := g.threadSessions[key]; ok {
		g.threadMu.Unlock()
		return name, true
	}
	g.threadMu.Unlock()

	history, err := g.api.GetConversationReplies(&slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
		Limit:     1,
	})
	if err != nil || len(history) == 0 {
		return "", false
	}
	firstLine := strings.TrimSpace(strings.SplitN(history[0].Text, "\n", 2)[0])
	name, ok := platform.ParseThreadName(g.threadNameFmt, firstLine)
	if ok {
		g.threadMu.Lock()
		g.threadSessions[key] = name
		g.threadMu.Unlock()
	}
	return name, ok
}

func (g *Gateway) captureAndPost(ctx context.Context, channel, threadTS, host, sessionName, before string) error {
	output, ok := bridge.CaptureOutput(ctx, g.sessions, host, sessionName, before, bridge.CaptureConfig{MaxBytes: 3800})
	if !ok {
		return nil
	}
	return g.post(channel, fmt.Sprintf("```\n%s\n```", output), threadTS)
}

func (g *Gateway) post(channel, text, threadTS string) error {
	if !g.allowedChannels[channel] {
		g.logger.Warn().Str("channel", channel).Msg("blocked post to non-allowlisted channel")
		return fmt.Errorf("bridge/slack: channel %s not allowlisted", channel)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, _, err := g.api.PostMessage(channel, opts...)
	return err
}
