// Package transcript discovers and incrementally tails per-session agent
// transcript files on remote hosts (spec.md §4.G).
package transcript

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/messagesvc"
	"github.com/agentbus/orchestrator/internal/remoteexec"
	"github.com/agentbus/orchestrator/internal/store"
)

// DefaultTailLines is how many trailing lines are fetched per poll when
// no high-watermark narrows the read (spec.md §4.G).
const DefaultTailLines = 500

// watermarkKeyPrefix names the kv key family holding per-session
// high-watermarks (spec.md §3).
const watermarkKeyPrefix = "transcript_offset:"

// Tailer tails one agent's transcript files across the configured hosts.
type Tailer struct {
	exec      *remoteexec.Runner
	store     *store.Store
	messages  *messagesvc.Service
	logger    zerolog.Logger
	tailLines int
}

// New builds a Tailer.
func New(exec *remoteexec.Runner, st *store.Store, messages *messagesvc.Service, logger zerolog.Logger) *Tailer {
	return &Tailer{
		exec:      exec,
		store:     st,
		messages:  messages,
		logger:    logger.With().Str("component", "transcript").Logger(),
		tailLines: DefaultTailLines,
	}
}

// SanitizeWorkingDir applies the agent's canonical per-project directory
// naming rule (spec.md §9): replace every "/" with "-", then strip one
// leading "-".
func SanitizeWorkingDir(workingDir string) string {
	s := strings.ReplaceAll(workingDir, "/", "-")
	return strings.TrimPrefix(s, "-")
}

// Tail discovers the latest transcript file for (host, session,
// workingDir), tails its unread suffix, parses and ingests it, and
// advances the session's high-watermark. Returns the number of messages
// newly persisted.
func (t *Tailer) Tail(ctx context.Context, host, sessionName, workingDir string) (int, error) {
	if workingDir == "" {
		return 0, fmt.Errorf("transcript: %s has no known working directory", sessionName)
	}

	dir := fmt.Sprintf("~/.claude/projects/%s", SanitizeWorkingDir(workingDir))
	res, err := t.exec.Run(ctx, host, fmt.Sprintf(`ls -t %s/*.jsonl 2>/dev/null | head -1`, dir))
	if err != nil {
		return 0, fmt.Errorf("transcript: list %s on %s: %w", dir, host, err)
	}
	path := strings.TrimSpace(res.Stdout)
	if path == "" {
		return 0, nil
	}

	res, err = t.exec.Run(ctx, host, fmt.Sprintf(`tail -n %d %s`, t.tailLines, shellQuote(path)))
	if err != nil {
		return 0, fmt.Errorf("transcript: tail %s on %s: %w", path, host, err)
	}

	allLines := splitNonEmpty(res.Stdout)
	if len(allLines) == 0 {
		return 0, nil
	}

	wmKey := watermarkKeyPrefix + sessionName
	prevHash, _, err := t.store.GetKV(wmKey)
	if err != nil {
		return 0, fmt.Errorf("transcript: read high-watermark: %w", err)
	}

	unread := allLines
	if prevHash != "" {
		if idx := indexOfHash(allLines, prevHash); idx >= 0 {
			unread = allLines[idx+1:]
		}
	}
	if len(unread) == 0 {
		return 0, nil
	}

	parsed := make([]messagesvc.TranscriptLine, 0, len(unread))
	for _, raw := range unread {
		line, ok := parseRawLine(raw)
		if ok {
			parsed = append(parsed, line)
		}
	}

	n, err := t.messages.IngestTranscriptLines(sessionName, parsed)
	if err != nil {
		return 0, fmt.Errorf("transcript: ingest: %w", err)
	}

	lastHash := lineHash(unread[len(unread)-1])
	if err := t.store.SetKV(wmKey, lastHash); err != nil {
		t.logger.Warn().Err(err).Str("session", sessionName).Msg("failed to advance transcript high-watermark")
	}

	return n, nil
}

// rawLine mirrors the JSONL shape of spec.md §9.
type rawLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	CostMs    float64         `json:"costInMillis"`
	Message   *rawLineMessage `json:"message"`
}

type rawLineMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseRawLine(raw string) (messagesvc.TranscriptLine, bool) {
	var rl rawLine
	if err := json.Unmarshal([]byte(raw), &rl); err != nil {
		return messagesvc.TranscriptLine{}, false
	}
	if rl.Type != "user" && rl.Type != "assistant" {
		return messagesvc.TranscriptLine{}, false
	}
	if rl.Message == nil {
		return messagesvc.TranscriptLine{}, false
	}

	line := messagesvc.TranscriptLine{
		Role:      rl.Type,
		Timestamp: resolveTimestamp(rl.Timestamp, rl.CostMs),
	}

	var asString string
	if err := json.Unmarshal(rl.Message.Content, &asString); err == nil {
		line.Content = asString
		return line, true
	}

	var blocks []rawBlock
	if err := json.Unmarshal(rl.Message.Content, &blocks); err == nil {
		for _, b := range blocks {
			line.Blocks = append(line.Blocks, messagesvc.TranscriptBlock{Type: b.Type, Text: b.Text})
		}
		return line, true
	}

	return messagesvc.TranscriptLine{}, false
}

func resolveTimestamp(ts string, costMs float64) string {
	if ts != "" {
		return ts
	}
	if costMs > 0 {
		return time.UnixMilli(int64(costMs)).UTC().Format(time.RFC3339)
	}
	return ""
}

func lineHash(line string) string {
	sum := sha256.Sum256([]byte(line))
	return hex.EncodeToString(sum[:])
}

func indexOfHash(lines []string, hash string) int {
	for i, l := range lines {
		if lineHash(l) == hash {
			return i
		}
	}
	return -1
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
