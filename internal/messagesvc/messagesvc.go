// Package messagesvc ingests chat-platform, bridge-webhook, and agent
// transcript content into the message store (spec.md §4.F): computing
// the deduplication fingerprint, normalising role and timestamp, and
// publishing message.new for newly persisted rows.
package messagesvc

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/store"
)

// defaultContentTruncate bounds transcript-line content before it is
// persisted (spec.md §4.F item 3).
const defaultContentTruncate = 4000

// Service ingests messages from bridges, platform batches, and agent
// transcripts.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	logger zerolog.Logger

	// TranscriptTruncate bounds transcript content length; zero uses the
	// package default.
	TranscriptTruncate int
}

// New builds a Service.
func New(st *store.Store, b *bus.Bus, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    b,
		logger: logger.With().Str("component", "messagesvc").Logger(),
	}
}

// BridgeEvent is the decoded payload of POST /api/hooks/event.
type BridgeEvent struct {
	Type          string
	SessionName   string
	Platform      string
	Content       string
	Role          string
	SourceID      string
	SourceAuthor  string
	Timestamp     string
}

// typingEventTypes names bridge event types that are pure typing-state
// transitions: re-published on the bus verbatim, never persisted.
var typingEventTypes = map[string]string{
	"typing.start": bus.TypeTypingStart,
	"typing.stop":  bus.TypeTypingStop,
}

// IngestBridgeEvent ingests a single event from a bridge webhook
// (spec.md §4.F item 1). It never returns an error to signal a caller
// retry — the webhook endpoint responds 202 regardless — but does
// return one for observability logging at the call site.
func (s *Service) IngestBridgeEvent(ev BridgeEvent) error {
	if busType, ok := typingEventTypes[ev.Type]; ok {
		s.bus.Publish(bus.New(busType, map[string]any{"session_name": ev.SessionName}))
		return nil
	}

	sessionName := strings.TrimSpace(ev.SessionName)
	if sessionName == "" {
		s.logger.Warn().Msg("bridge event missing session_name, ignoring")
		return nil
	}

	if _, err := s.store.GetSession(sessionName); err != nil {
		s.logger.Debug().Str("session", sessionName).Msg("bridge event for unknown session, ignoring")
		return nil
	}

	eventType := ev.Type
	if eventType == "" {
		eventType = "bridge.event"
	}
	if err := s.store.AppendEvent(eventType, sessionName, bridgeEventPayload(ev)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to append bridge event to audit log")
	}

	// session.created/session.closed self-reports (a bridge confirming its
	// own lifecycle action to the dashboard) carry no chat content — the
	// audit-log append above is their only effect.
	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return nil
	}

	source := ev.Platform
	switch source {
	case "discord", "slack", "tmux":
	default:
		source = "hook"
	}

	role := ev.Role
	switch role {
	case "user", "assistant", "system":
	default:
		role = "user"
	}

	timestamp := normalizeTimestamp(ev.Timestamp)
	dedupHash := DedupHash(sessionName, source, ev.SourceID, content)

	inserted, _, err := s.store.InsertMessageIfAbsent(store.Message{
		SessionName:  sessionName,
		Role:         role,
		Content:      content,
		Source:       source,
		SourceID:     nullString(ev.SourceID),
		SourceAuthor: nullString(ev.SourceAuthor),
		Timestamp:    timestamp,
		IngestedAt:   store.NowISO(),
		DedupHash:    nullString(dedupHash),
	})
	if err != nil {
		return fmt.Errorf("messagesvc: insert bridge message: %w", err)
	}
	if inserted {
		s.logger.Info().Str("session", sessionName).Str("source", source).Msg("ingested bridge message")
		s.bus.Publish(bus.MessageNew(map[string]any{
			"session_name": sessionName,
			"role":         role,
			"content":      truncateRunes(content, 200),
			"source":       source,
			"timestamp":    timestamp,
		}))
	}
	return nil
}

func bridgeEventPayload(ev BridgeEvent) string {
	return fmt.Sprintf("{type:%s platform:%s role:%s source_id:%s source_author:%s}",
		ev.Type, ev.Platform, ev.Role, ev.SourceID, ev.SourceAuthor)
}

// PlatformMessage is one inbound chat-platform message as seen by a
// thread-history fetch (spec.md §4.F item 2).
type PlatformMessage struct {
	SourceID     string
	Content      string
	AuthorID     string
	AuthorName   string
	IsBot        bool
	// UnixTimestamp carries Slack's float "ts" format; Timestamp carries
	// an already-ISO-8601 value (Discord). Exactly one should be set.
	UnixTimestamp string
	Timestamp     string
}

// IngestPlatformBatch ingests an ordered batch of platform messages for
// a session (spec.md §4.F item 2). botID identifies the bridge's own
// bot identity: messages authored by it become assistant, messages from
// other bots become system, everything else becomes user. Returns the
// number of rows actually inserted (duplicates do not count).
func (s *Service) IngestPlatformBatch(sessionName, source, botID string, messages []PlatformMessage) (int, error) {
	inserted := 0
	for _, m := range messages {
		role := "user"
		if m.IsBot {
			if botID != "" && m.AuthorID == botID {
				role = "assistant"
			} else {
				role = "system"
			}
		}

		timestamp := m.Timestamp
		if m.UnixTimestamp != "" {
			timestamp = slackTimestampToISO(m.UnixTimestamp)
		}
		timestamp = normalizeTimestamp(timestamp)

		dedupHash := DedupHash(sessionName, source, m.SourceID, m.Content)
		ok, _, err := s.store.InsertMessageIfAbsent(store.Message{
			SessionName:  sessionName,
			Role:         role,
			Content:      m.Content,
			Source:       source,
			SourceID:     nullString(m.SourceID),
			SourceAuthor: nullString(m.AuthorName),
			Timestamp:    timestamp,
			IngestedAt:   store.NowISO(),
			DedupHash:    nullString(dedupHash),
		})
		if err != nil {
			return inserted, fmt.Errorf("messagesvc: insert platform message: %w", err)
		}
		if ok {
			inserted++
			s.bus.Publish(bus.MessageNew(map[string]any{
				"session_name": sessionName,
				"role":         role,
				"content":      truncateRunes(m.Content, 200),
				"source":       source,
				"timestamp":    timestamp,
			}))
		}
	}
	return inserted, nil
}

// TranscriptBlock is one nested content block of an agent transcript
// line (spec.md §4.F item 3 and §4.G).
type TranscriptBlock struct {
	Type string // "text", "tool_use", "tool_result"
	Text string
}

// TranscriptLine is one parsed JSONL record from an agent transcript.
type TranscriptLine struct {
	Role      string // "user" or "assistant"
	Content   string // set when the entry's content is a bare string
	Blocks    []TranscriptBlock
	Timestamp string
}

// IngestTranscriptLines ingests parsed agent transcript lines (spec.md
// §4.F item 3 / §4.G). Only text-typed blocks contribute to the visible
// body; tool_use and tool_result blocks are ignored. Returns the number
// of rows inserted.
func (s *Service) IngestTranscriptLines(sessionName string, lines []TranscriptLine) (int, error) {
	limit := s.TranscriptTruncate
	if limit <= 0 {
		limit = defaultContentTruncate
	}

	inserted := 0
	for _, line := range lines {
		content := renderTranscriptContent(line)
		if content == "" {
			continue
		}
		content = truncateWithMarker(content, limit)

		timestamp := line.Timestamp
		if timestamp == "" {
			timestamp = store.NowISO()
		}

		role := line.Role
		if role != "user" && role != "assistant" {
			role = "assistant"
		}

		dedupHash := DedupHash(sessionName, "jsonl", "", content)
		ok, _, err := s.store.InsertMessageIfAbsent(store.Message{
			SessionName: sessionName,
			Role:        role,
			Content:     content,
			Source:      "jsonl",
			Timestamp:   timestamp,
			IngestedAt:  store.NowISO(),
			DedupHash:   nullString(dedupHash),
		})
		if err != nil {
			return inserted, fmt.Errorf("messagesvc: insert transcript line: %w", err)
		}
		if ok {
			inserted++
			s.bus.Publish(bus.MessageNew(map[string]any{
				"session_name": sessionName,
				"role":         role,
				"content":      truncateRunes(content, 200),
				"source":       "jsonl",
				"timestamp":    timestamp,
			}))
		}
	}
	return inserted, nil
}

// renderTranscriptContent flattens a transcript line's content per
// spec.md §4.F item 3: a bare string wins outright; otherwise only
// text-typed blocks are concatenated.
func renderTranscriptContent(line TranscriptLine) string {
	if line.Content != "" {
		return line.Content
	}
	var sb strings.Builder
	for _, b := range line.Blocks {
		if b.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

func truncateWithMarker(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "\n[truncated]"
}

// normalizeTimestamp parses ts as RFC3339 and re-renders it, falling
// back to the current time when ts is empty or unparsable.
func normalizeTimestamp(ts string) string {
	if ts == "" {
		return store.NowISO()
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return store.NowISO()
	}
	return t.UTC().Format(time.RFC3339)
}

// slackTimestampToISO converts Slack's Unix-float "ts" string
// ("1700000000.123456") to RFC3339.
func slackTimestampToISO(ts string) string {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return ""
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
