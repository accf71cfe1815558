// Package discord implements the Discord half of the platform service
// (spec.md §4.E): thread discovery, creation, archival, and message
// fetch, backed by a single long-lived discordgo session.
package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/platform"
)

// Client wraps a single discordgo session scoped to one guild channel.
type Client struct {
	session         *discordgo.Session
	channelID       string
	threadNameFmt   string
	logger          zerolog.Logger
}

// New creates a discordgo session for botToken and scopes thread
// operations to channelID. The session is used for REST calls only; New
// does not open a gateway connection.
func New(botToken, channelID, threadNameFmt string, logger zerolog.Logger) (*Client, error) {
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	if threadNameFmt == "" {
		threadNameFmt = platform.DefaultThreadNameFormat
	}
	return &Client{
		session:       sess,
		channelID:     channelID,
		threadNameFmt: threadNameFmt,
		logger:        logger.With().Str("component", "platform.discord").Logger(),
	}, nil
}

// Close releases the underlying session's connections.
func (c *Client) Close() error {
	return c.session.Close()
}

// AuthTest verifies the bot token by fetching the bot's own user record.
func (c *Client) AuthTest() (string, error) {
	u, err := c.session.User("@me")
	if err != nil {
		return "", fmt.Errorf("discord: auth test: %w", err)
	}
	return u.ID, nil
}

// FindThread searches active threads first, then archived threads, for
// one whose name matches sessionName under the configured template
// (spec.md §4.E). Returns "" if not found.
func (c *Client) FindThread(sessionName string) (string, error) {
	guildID, err := c.guildID()
	if err != nil {
		return "", err
	}

	if guildID != "" {
		active, err := c.session.GuildThreadsActive(guildID)
		if err == nil {
			for _, th := range active.Threads {
				if th.ParentID != c.channelID {
					continue
				}
				if name, ok := platform.ParseThreadName(c.threadNameFmt, th.Name); ok && name == sessionName {
					return th.ID, nil
				}
			}
		}
	}

	archived, err := c.session.ThreadsArchived(c.channelID, nil, 100)
	if err == nil {
		for _, th := range archived.Threads {
			if name, ok := platform.ParseThreadName(c.threadNameFmt, th.Name); ok && name == sessionName {
				return th.ID, nil
			}
		}
	}

	return "", nil
}

func (c *Client) guildID() (string, error) {
	ch, err := c.session.Channel(c.channelID)
	if err != nil {
		return "", fmt.Errorf("discord: lookup channel %q: %w", c.channelID, err)
	}
	return ch.GuildID, nil
}

// CreateThread posts a parent announcement message, starts a thread on
// it, and posts a welcome message into the new thread (spec.md §4.E).
// Returns the new thread's id.
func (c *Client) CreateThread(sessionName, host, welcome string) (string, error) {
	name := platform.FormatThreadName(c.threadNameFmt, sessionName, host)

	parent, err := c.session.ChannelMessageSend(c.channelID, fmt.Sprintf("Starting session `%s` on `%s`…", sessionName, host))
	if err != nil {
		return "", fmt.Errorf("discord: post parent message: %w", err)
	}

	thread, err := c.session.MessageThreadStartComplex(c.channelID, parent.ID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 1440,
	})
	if err != nil {
		return "", fmt.Errorf("discord: start thread: %w", err)
	}

	if welcome != "" {
		if _, err := c.session.ChannelMessageSend(thread.ID, platform.TruncateMessage(welcome, platform.MaxMessageBytes)); err != nil {
			c.logger.Warn().Err(err).Str("thread", thread.ID).Msg("failed to post welcome message")
		}
	}

	return thread.ID, nil
}

// SetArchived flips a thread's archived flag.
func (c *Client) SetArchived(threadID string, archived bool) error {
	_, err := c.session.ChannelEdit(threadID, &discordgo.ChannelEdit{Archived: &archived})
	if err != nil {
		return fmt.Errorf("discord: set archived on %q: %w", threadID, err)
	}
	return nil
}

// DeleteThread deletes a thread outright.
func (c *Client) DeleteThread(threadID string) error {
	_, err := c.session.ChannelDelete(threadID)
	if err != nil {
		return fmt.Errorf("discord: delete thread %q: %w", threadID, err)
	}
	return nil
}

// Message is one fetched thread message, normalised for message service
// ingestion (spec.md §4.E).
type Message struct {
	ID       string
	Content  string
	AuthorID string
	Author   string
	IsBot    bool
	SentAt   string
}

// FetchMessagesAfter pages through a thread's history with Discord's
// `after=` cursor, returning messages oldest-first (spec.md §4.E: "page
// by after= cursor, oldest-first after reversal").
func (c *Client) FetchMessagesAfter(threadID, afterID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	raw, err := c.session.ChannelMessages(threadID, limit, "", afterID, "")
	if err != nil {
		return nil, fmt.Errorf("discord: fetch messages for %q: %w", threadID, err)
	}

	out := make([]Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- { // Discord returns newest-first; reverse.
		m := raw[i]
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, Message{
			ID:       m.ID,
			Content:  m.Content,
			AuthorID: m.Author.ID,
			Author:   m.Author.Username,
			IsBot:    m.Author.Bot,
			SentAt:   discordSnowflakeTime(m.ID).UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// discordSnowflakeTime decodes the creation timestamp embedded in a
// Discord snowflake id.
func discordSnowflakeTime(id string) time.Time {
	t, err := discordgo.SnowflakeTimestamp(id)
	if err != nil {
		return time.Now()
	}
	return t
}
