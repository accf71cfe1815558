// Package slack implements the Slack half of the platform service
// (spec.md §4.E): thread discovery by history scan, creation, archival
// by closing-notice-plus-reaction (Slack has no native thread archive),
// and paginated reply fetch.
package slack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/agentbus/orchestrator/internal/platform"
)

// Client wraps a single long-lived Slack Web API client scoped to one
// channel.
type Client struct {
	api           *slack.Client
	channelID     string
	threadNameFmt string
	logger        zerolog.Logger
}

// New builds a Client for botToken, scoped to channelID.
func New(botToken, channelID, threadNameFmt string, logger zerolog.Logger) *Client {
	if threadNameFmt == "" {
		threadNameFmt = platform.DefaultThreadNameFormat
	}
	return &Client{
		api:           slack.New(botToken),
		channelID:     channelID,
		threadNameFmt: threadNameFmt,
		logger:        logger.With().Str("component", "platform.slack").Logger(),
	}
}

// BotUserID fetches the bridge's own bot user id via auth.test — used
// to distinguish the bridge's own messages from other bots' (spec.md
// §4.F's role-detection asymmetry).
func (c *Client) BotUserID() (string, error) {
	resp, err := c.api.AuthTest()
	if err != nil {
		return "", fmt.Errorf("slack: auth test: %w", err)
	}
	return resp.UserID, nil
}

// FindThread scans recent channel history for a parent message whose
// first line matches sessionName under the configured template
// (spec.md §4.E). Returns "" if not found.
func (c *Client) FindThread(sessionName string) (string, error) {
	history, err := c.api.GetConversationHistory(&slack.GetConversationHistoryParameters{
		ChannelID: c.channelID,
		Limit:     200,
	})
	if err != nil {
		return "", fmt.Errorf("slack: conversations.history: %w", err)
	}
	for _, msg := range history.Messages {
		firstLine := strings.TrimSpace(strings.SplitN(msg.Text, "\n", 2)[0])
		if name, ok := platform.ParseThreadName(c.threadNameFmt, firstLine); ok && name == sessionName {
			return msg.Timestamp, nil
		}
	}
	return "", nil
}

// CreateThread posts a parent announcement and a welcome reply into its
// thread. Returns the parent message's timestamp, which doubles as the
// thread anchor.
func (c *Client) CreateThread(sessionName, host, welcome string) (string, error) {
	name := platform.FormatThreadName(c.threadNameFmt, sessionName, host)
	_, parentTS, err := c.api.PostMessage(c.channelID, slack.MsgOptionText(name, false))
	if err != nil {
		return "", fmt.Errorf("slack: post parent message: %w", err)
	}

	if welcome != "" {
		_, _, err := c.api.PostMessage(c.channelID,
			slack.MsgOptionText(platform.TruncateMessage(welcome, platform.MaxMessageBytes), false),
			slack.MsgOptionTS(parentTS),
		)
		if err != nil {
			c.logger.Warn().Err(err).Str("thread_ts", parentTS).Msg("failed to post welcome reply")
		}
	}

	return parentTS, nil
}

// Archive posts a closing notice into the thread and adds a lock
// reaction to the parent message — Slack has no native thread archive
// (spec.md §4.E).
func (c *Client) Archive(channelID, threadTS string) error {
	if channelID == "" {
		channelID = c.channelID
	}
	if _, _, err := c.api.PostMessage(channelID,
		slack.MsgOptionText(":lock: Thread archived. Session closed.", false),
		slack.MsgOptionTS(threadTS),
	); err != nil {
		return fmt.Errorf("slack: post closing notice: %w", err)
	}
	ref := slack.NewRefToMessage(channelID, threadTS)
	if err := c.api.AddReaction("lock", ref); err != nil {
		return fmt.Errorf("slack: add lock reaction: %w", err)
	}
	return nil
}

// Delete removes the parent message, taking its thread with it.
func (c *Client) Delete(channelID, threadTS string) error {
	if channelID == "" {
		channelID = c.channelID
	}
	_, _, err := c.api.DeleteMessage(channelID, threadTS)
	if err != nil {
		return fmt.Errorf("slack: delete parent message: %w", err)
	}
	return nil
}

// Message is one fetched thread reply, normalised for ingestion.
type Message struct {
	TS       string
	Content  string
	AuthorID string
	IsBot    bool
}

// FetchRepliesAfter pages through a thread's replies via
// conversations.replies, skipping the parent message and any reply at
// or before afterTS (spec.md §4.E / §4.I).
func (c *Client) FetchRepliesAfter(channelID, threadTS, afterTS string) ([]Message, error) {
	if channelID == "" {
		channelID = c.channelID
	}

	var out []Message
	cursor := ""
	for {
		params := &slack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Limit:     200,
			Cursor:    cursor,
		}
		msgs, hasMore, nextCursor, err := c.api.GetConversationReplies(params)
		if err != nil {
			return nil, fmt.Errorf("slack: conversations.replies: %w", err)
		}

		for _, m := range msgs {
			if m.Timestamp == threadTS {
				continue // parent message, not a reply
			}
			if afterTS != "" && !tsAfter(m.Timestamp, afterTS) {
				continue
			}
			out = append(out, Message{
				TS:       m.Timestamp,
				Content:  m.Text,
				AuthorID: m.User,
				IsBot:    m.BotID != "" || m.SubType == "bot_message",
			})
		}

		if !hasMore || nextCursor == "" {
			break
		}
		cursor = nextCursor
		time.Sleep(time.Second) // rate-limit safety between pages
	}
	return out, nil
}

// SetArchived implements httpapi's ThreadManager against the configured
// default channel. archived=false is a no-op: Slack threads have no
// native unarchive and nothing in spec.md ever reopens one.
func (c *Client) SetArchived(threadID string, archived bool) error {
	if !archived {
		return nil
	}
	return c.Archive("", threadID)
}

// DeleteThread implements httpapi's ThreadManager against the configured
// default channel.
func (c *Client) DeleteThread(threadID string) error {
	return c.Delete("", threadID)
}

// tsAfter compares two Slack float-string timestamps numerically.
func tsAfter(ts, after string) bool {
	tf, err1 := strconv.ParseFloat(ts, 64)
	af, err2 := strconv.ParseFloat(after, 64)
	if err1 != nil || err2 != nil {
		return ts > after
	}
	return tf > af
}
