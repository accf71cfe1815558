package bridge

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/agentbus/orchestrator/internal/sessionsvc"
)

// shellAllowList is the set of foreground process names that mark a pane
// as plain-shell, not an interactive agent with its own notification
// pipeline (spec.md §4.K).
var shellAllowList = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "fish": true, "dash": true, "ksh": true, "tcsh": true, "csh": true,
}

const (
	captureSettleDelay = 1 * time.Second
	capturePollRate    = 1 * time.Second
	captureDeadline    = 30 * time.Second
)

// secretPattern matches password/token/key-like `key=value` assignments
// and PEM-bracketed blocks, redacted before a capture is posted to chat.
var secretPattern = regexp.MustCompile(`(?i)\b([\w.-]*(?:password|token|secret|api[_-]?key)[\w.-]*)\s*[:=]\s*\S+`)
var pemBlockPattern = regexp.MustCompile(`(?s)-----BEGIN [^-]+-----.*?-----END [^-]+-----`)

// redactSecrets replaces likely-sensitive substrings in text with a
// placeholder, per spec.md §4.K.
func redactSecrets(text string) string {
	text = pemBlockPattern.ReplaceAllString(text, "[REDACTED PEM BLOCK]")
	text = secretPattern.ReplaceAllString(text, "$1=[REDACTED]")
	return text
}

// escapeBackticks neutralises embedded triple-backtick fences so captured
// output can't break out of the code block it's posted inside, by
// inserting a zero-width space between the second and third backtick.
func escapeBackticks(text string) string {
	return strings.ReplaceAll(text, "```", "``​`")
}

// commonPrefixLines returns the number of leading lines identical between
// before and after; diffByCommonPrefix uses this to isolate new output.
func commonPrefixLines(before, after []string) int {
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	i := 0
	for i < n && before[i] == after[i] {
		i++
	}
	return i
}

// diffByCommonPrefix returns the suffix of after's lines beyond the point
// where it stops matching before line-for-line (spec.md §4.K).
func diffByCommonPrefix(before, after string) string {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")
	prefix := commonPrefixLines(beforeLines, afterLines)
	return strings.Join(afterLines[prefix:], "\n")
}

// CaptureConfig bounds how much captured output a platform client will
// accept in one message (platform byte ceilings differ).
type CaptureConfig struct {
	MaxBytes int
}

// CaptureOutput implements the background shell-output capture described
// in spec.md §4.K: settle, check the foreground process is a plain shell
// (otherwise the pane belongs to an interactive agent with its own
// notification path and polling would duplicate messages), poll for
// stability, recheck the foreground process, diff against the pre-send
// snapshot, and redact/escape/truncate the result. Returns ("", false) if
// capture should be abandoned — including the "nothing new" case.
func CaptureOutput(ctx context.Context, sessions *sessionsvc.Service, host, name, before string, cfg CaptureConfig) (string, bool) {
	select {
	case <-time.After(captureSettleDelay):
	case <-ctx.Done():
		return "", false
	}

	proc, err := sessions.ForegroundProcess(ctx, host, name)
	if err != nil || !shellAllowList[proc] {
		return "", false
	}

	deadline := time.Now().Add(captureDeadline)
	var last, current string
	stableCount := 0

	for time.Now().Before(deadline) {
		current, err = sessions.CapturePane(ctx, host, name)
		if err != nil {
			return "", false
		}
		if current == last {
			stableCount++
			if stableCount >= 2 {
				break
			}
		} else {
			stableCount = 1
		}
		last = current

		select {
		case <-time.After(capturePollRate):
		case <-ctx.Done():
			return "", false
		}
	}

	proc, err = sessions.ForegroundProcess(ctx, host, name)
	if err != nil || !shellAllowList[proc] {
		return "", false
	}

	diff := strings.TrimRight(diffByCommonPrefix(before, current), "\n")
	if strings.TrimSpace(diff) == "" {
		return "", false
	}

	diff = redactSecrets(diff)
	diff = escapeBackticks(diff)

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1900
	}
	if len(diff) > maxBytes {
		diff = diff[:maxBytes] + "\n…(truncated)"
	}
	return diff, true
}
