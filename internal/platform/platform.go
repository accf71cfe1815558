// Package platform defines the shared chat-platform contract (spec.md
// §4.E) and thread-name template implemented by internal/platform/discord
// and internal/platform/slack.
package platform

import (
	"regexp"
	"strings"
)

// DefaultThreadNameFormat is the template used to name platform threads,
// with {session} and {host} placeholders.
const DefaultThreadNameFormat = "[agent] {session} - {host}"

// legacyPrefix is the fallback recognised for threads created before the
// template format existed.
const legacyPrefix = "[agent] "

// MaxMessageBytes / MinMessageBytes bound the truncation ceiling both
// platforms enforce on outbound message bodies (spec.md §4.E).
const (
	MinMessageBytes = 1800
	MaxMessageBytes = 3800
)

// Thread carries a located or created platform thread's identity.
type Thread struct {
	ID       string
	Archived bool
}

// ThreadSyncer is implemented by a configured platform client; the
// reconciler (spec.md §4.H) uses it to backfill thread anchors for newly
// discovered sessions.
type ThreadSyncer interface {
	FindThread(sessionName string) (string, error)
}

// FormatThreadName renders the thread-name template for a session.
func FormatThreadName(format, session, host string) string {
	if format == "" {
		format = DefaultThreadNameFormat
	}
	name := strings.ReplaceAll(format, "{session}", session)
	name = strings.ReplaceAll(name, "{host}", host)
	return name
}

// ParseThreadName extracts the session name from a rendered thread name
// by reversing the template (spec.md §4.E): {session} becomes a session
// name capture group, {host} becomes a wildcard, and everything else is
// matched literally. Falls back to stripping the legacy "[agent] "
// prefix when the template doesn't match.
func ParseThreadName(format, threadName string) (string, bool) {
	if format == "" {
		format = DefaultThreadNameFormat
	}
	pattern := regexp.QuoteMeta(format)
	pattern = strings.ReplaceAll(pattern, regexp.QuoteMeta("{session}"), `([a-zA-Z0-9_-]+)`)
	pattern = strings.ReplaceAll(pattern, regexp.QuoteMeta("{host}"), `.+`)
	re, err := regexp.Compile("^" + pattern + "$")
	if err == nil {
		if m := re.FindStringSubmatch(threadName); m != nil {
			return m[1], true
		}
	}
	if strings.HasPrefix(threadName, legacyPrefix) {
		return strings.TrimPrefix(threadName, legacyPrefix), true
	}
	return "", false
}

// TruncateMessage enforces the platform message byte ceiling, appending
// a truncation annotation when content exceeds limit.
func TruncateMessage(content string, limit int) string {
	if limit <= 0 {
		limit = MaxMessageBytes
	}
	if len(content) <= limit {
		return content
	}
	const marker = "\n... (truncated)"
	cut := limit - len(marker)
	if cut < 0 {
		cut = 0
	}
	return content[:cut] + marker
}
