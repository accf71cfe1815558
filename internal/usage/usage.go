// Package usage polls Anthropic and OpenAI rate-limit headers, detects
// limit-reached and reset transitions, and drains a deferred command
// queue once limits recover (spec.md §4.J).
package usage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
)

// Defaults per spec.md §4.J.
const (
	DefaultPollInterval   = 60 * time.Second
	DefaultRetentionHours = 168
	retentionCycleEvery   = 60
)

// limitKinds are the four tracked rate-limit dimensions.
var limitKinds = []string{"requests", "input_tokens", "output_tokens", "tokens"}

const (
	anthropicAPIBase  = "https://api.anthropic.com"
	openAIAPIBase     = "https://api.openai.com"
	anthropicVersion  = "2023-06-01"
)

var anthropicHeaders = map[string]string{
	"anthropic-ratelimit-requests-limit":         "requests_limit",
	"anthropic-ratelimit-requests-remaining":     "requests_remaining",
	"anthropic-ratelimit-requests-reset":         "requests_reset",
	"anthropic-ratelimit-input-tokens-limit":     "input_tokens_limit",
	"anthropic-ratelimit-input-tokens-remaining": "input_tokens_remaining",
	"anthropic-ratelimit-input-tokens-reset":     "input_tokens_reset",
	"anthropic-ratelimit-output-tokens-limit":    "output_tokens_limit",
	"anthropic-ratelimit-output-tokens-remaining": "output_tokens_remaining",
	"anthropic-ratelimit-output-tokens-reset":    "output_tokens_reset",
	"anthropic-ratelimit-tokens-limit":           "tokens_limit",
	"anthropic-ratelimit-tokens-remaining":       "tokens_remaining",
	"anthropic-ratelimit-tokens-reset":           "tokens_reset",
}

var openAIHeaders = map[string]string{
	"x-ratelimit-limit-requests":     "requests_limit",
	"x-ratelimit-remaining-requests": "requests_remaining",
	"x-ratelimit-reset-requests":     "requests_reset",
	"x-ratelimit-limit-tokens":       "tokens_limit",
	"x-ratelimit-remaining-tokens":   "tokens_remaining",
	"x-ratelimit-reset-tokens":       "tokens_reset",
}

// Config controls the monitor's behaviour.
type Config struct {
	AnthropicAPIKey     string
	OpenAIAPIKey        string
	PollModelAnthropic  string
	PollModelOpenAI     string
	PollInterval        time.Duration
	RetentionHours      int
	EnableCommandQueue  bool
}

// Monitor polls configured providers and drives the command queue.
type Monitor struct {
	cfg      Config
	store    *store.Store
	bus      *bus.Bus
	sessions *sessionsvc.Service
	http     *http.Client
	logger   zerolog.Logger
	cycle    int
}

// New builds a Monitor.
func New(cfg Config, st *store.Store, b *bus.Bus, sessions *sessionsvc.Service, logger zerolog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = DefaultRetentionHours
	}
	if cfg.PollModelAnthropic == "" {
		cfg.PollModelAnthropic = "claude-haiku-4-5-20251001"
	}
	if cfg.PollModelOpenAI == "" {
		cfg.PollModelOpenAI = "gpt-4o-mini"
	}
	return &Monitor{
		cfg:      cfg,
		store:    st,
		bus:      b,
		sessions: sessions,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With().Str("component", "usage").Logger(),
	}
}

// Providers returns the configured provider names.
func (m *Monitor) Providers() []string {
	var out []string
	if m.cfg.AnthropicAPIKey != "" {
		out = append(out, "anthropic")
	}
	if m.cfg.OpenAIAPIKey != "" {
		out = append(out, "openai")
	}
	return out
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick polls every configured provider once.
func (m *Monitor) Tick(ctx context.Context) {
	for _, provider := range m.Providers() {
		m.pollOne(ctx, provider)
	}

	m.cycle++
	if m.cycle%retentionCycleEvery == 0 {
		m.purgeOld()
	}
}

func (m *Monitor) pollOne(ctx context.Context, provider string) {
	previous, err := m.store.LatestUsableSnapshot(provider)
	if err != nil {
		m.logger.Warn().Err(err).Str("provider", provider).Msg("failed to load previous usage snapshot")
	}

	snap := m.poll(ctx, provider)
	if _, err := m.store.InsertUsageSnapshot(snap); err != nil {
		m.logger.Error().Err(err).Str("provider", provider).Msg("failed to persist usage snapshot")
		return
	}

	m.bus.Publish(bus.UsageUpdated(provider, snapshotPayload(snap)))

	for _, kind := range limitReached(snap) {
		m.bus.Publish(bus.UsageLimitReached(provider, kind, snapshotPayload(snap)))
	}

	resets := detectReset(snap, previous)
	for _, kind := range resets {
		m.bus.Publish(bus.UsageReset(provider, kind, snapshotPayload(snap)))
	}
	if len(resets) > 0 && m.cfg.EnableCommandQueue {
		m.drainQueue()
	}
}

func (m *Monitor) poll(ctx context.Context, provider string) store.UsageSnapshot {
	snap := store.UsageSnapshot{Provider: provider, PolledAt: store.NowISO()}
	var headers map[string][]string
	var statusCode int
	var pollErr error
	var model string

	switch provider {
	case "anthropic":
		model = m.cfg.PollModelAnthropic
		statusCode, headers, pollErr = m.pollAnthropic(ctx)
	case "openai":
		model = m.cfg.PollModelOpenAI
		statusCode, headers, pollErr = m.pollOpenAI(ctx)
	default:
		snap.ErrorMessage = sql.NullString{String: "unknown provider: " + provider, Valid: true}
		return snap
	}

	snap.PollModel = sql.NullString{String: model, Valid: true}
	if pollErr != nil {
		snap.PollStatusCode = sql.NullInt64{Int64: 0, Valid: true}
		snap.ErrorMessage = sql.NullString{String: truncateError(pollErr.Error()), Valid: true}
		return snap
	}

	snap.PollStatusCode = sql.NullInt64{Int64: int64(statusCode), Valid: true}
	headerMap := anthropicHeaders
	if provider == "openai" {
		headerMap = openAIHeaders
	}
	applyHeaders(&snap, headers, headerMap)

	if statusCode != 200 && statusCode != 429 {
		snap.ErrorMessage = sql.NullString{String: fmt.Sprintf("HTTP %d", statusCode), Valid: true}
	}
	return snap
}

func (m *Monitor) pollAnthropic(ctx context.Context) (int, map[string][]string, error) {
	body, _ := json.Marshal(map[string]any{
		"model":    m.cfg.PollModelAnthropic,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIBase+"/v1/messages/count_tokens", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("x-api-key", m.cfg.AnthropicAPIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Header, nil
}

func (m *Monitor) pollOpenAI(ctx context.Context) (int, map[string][]string, error) {
	body, _ := json.Marshal(map[string]any{
		"model":      m.cfg.PollModelOpenAI,
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		"max_tokens": 1,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIAPIBase+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.OpenAIAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Header, nil
}

func applyHeaders(snap *store.UsageSnapshot, headers map[string][]string, headerMap map[string]string) {
	get := func(name string) (string, bool) {
		for k, v := range headers {
			if http.CanonicalHeaderKey(k) == http.CanonicalHeaderKey(name) && len(v) > 0 {
				return v[0], true
			}
		}
		return "", false
	}

	for header, field := range headerMap {
		v, ok := get(header)
		if !ok {
			continue
		}
		switch field {
		case "requests_reset":
			snap.RequestsReset = sql.NullString{String: v, Valid: true}
		case "input_tokens_reset":
			snap.InputTokensReset = sql.NullString{String: v, Valid: true}
		case "output_tokens_reset":
			snap.OutputTokensReset = sql.NullString{String: v, Valid: true}
		case "tokens_reset":
			snap.TokensReset = sql.NullString{String: v, Valid: true}
		default:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			switch field {
			case "requests_limit":
				snap.RequestsLimit = sql.NullInt64{Int64: n, Valid: true}
			case "requests_remaining":
				snap.RequestsRemaining = sql.NullInt64{Int64: n, Valid: true}
			case "input_tokens_limit":
				snap.InputTokensLimit = sql.NullInt64{Int64: n, Valid: true}
			case "input_tokens_remaining":
				snap.InputTokensRemaining = sql.NullInt64{Int64: n, Valid: true}
			case "output_tokens_limit":
				snap.OutputTokensLimit = sql.NullInt64{Int64: n, Valid: true}
			case "output_tokens_remaining":
				snap.OutputTokensRemaining = sql.NullInt64{Int64: n, Valid: true}
			case "tokens_limit":
				snap.TokensLimit = sql.NullInt64{Int64: n, Valid: true}
			case "tokens_remaining":
				snap.TokensRemaining = sql.NullInt64{Int64: n, Valid: true}
			}
		}
	}
}

// remaining returns the _remaining field for kind, if present.
func remaining(snap store.UsageSnapshot, kind string) (int64, bool) {
	switch kind {
	case "requests":
		return snap.RequestsRemaining.Int64, snap.RequestsRemaining.Valid
	case "input_tokens":
		return snap.InputTokensRemaining.Int64, snap.InputTokensRemaining.Valid
	case "output_tokens":
		return snap.OutputTokensRemaining.Int64, snap.OutputTokensRemaining.Valid
	case "tokens":
		return snap.TokensRemaining.Int64, snap.TokensRemaining.Valid
	}
	return 0, false
}

// limitReached returns limit kinds whose remaining count hit zero.
func limitReached(snap store.UsageSnapshot) []string {
	var out []string
	for _, kind := range limitKinds {
		if v, ok := remaining(snap, kind); ok && v <= 0 {
			out = append(out, kind)
		}
	}
	return out
}

// detectReset returns limit kinds whose remaining count strictly
// increased versus the previous usable snapshot (spec.md §4.J).
func detectReset(current store.UsageSnapshot, previous *store.UsageSnapshot) []string {
	if previous == nil {
		return nil
	}
	var out []string
	for _, kind := range limitKinds {
		curr, currOK := remaining(current, kind)
		prev, prevOK := remaining(*previous, kind)
		if currOK && prevOK && curr > prev {
			out = append(out, kind)
		}
	}
	return out
}

func (m *Monitor) drainQueue() {
	pending, err := m.store.PendingCommands(0)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to load pending commands")
		return
	}
	for _, entry := range pending {
		if err := m.store.SetCommandQueueExecuting(entry.ID); err != nil {
			m.logger.Error().Err(err).Int64("command", entry.ID).Msg("failed to mark command executing")
			continue
		}

		err := m.sessions.Send(context.Background(), entry.Host, entry.SessionName, entry.Command)
		if err != nil {
			errMsg := truncateError(err.Error())
			if ferr := m.store.FailCommandQueueEntry(entry.ID, errMsg); ferr != nil {
				m.logger.Error().Err(ferr).Int64("command", entry.ID).Msg("failed to mark command failed")
			}
			m.bus.Publish(bus.CommandFailed(commandPayload(entry, "failed", errMsg)))
			continue
		}

		if err := m.store.CompleteCommandQueueEntry(entry.ID); err != nil {
			m.logger.Error().Err(err).Int64("command", entry.ID).Msg("failed to mark command completed")
			continue
		}
		m.bus.Publish(bus.CommandExecuted(commandPayload(entry, "completed", "")))
	}
}

func (m *Monitor) purgeOld() {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.RetentionHours) * time.Hour).Format(time.RFC3339)
	n, err := m.store.PurgeUsageSnapshotsOlderThan(cutoff)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to purge old usage snapshots")
		return
	}
	if n > 0 {
		m.logger.Info().Int64("purged", n).Msg("purged old usage snapshots")
	}
}

func snapshotPayload(snap store.UsageSnapshot) map[string]any {
	payload := map[string]any{"polled_at": snap.PolledAt}
	if snap.RequestsRemaining.Valid {
		payload["requests_remaining"] = snap.RequestsRemaining.Int64
	}
	if snap.InputTokensRemaining.Valid {
		payload["input_tokens_remaining"] = snap.InputTokensRemaining.Int64
	}
	if snap.OutputTokensRemaining.Valid {
		payload["output_tokens_remaining"] = snap.OutputTokensRemaining.Int64
	}
	if snap.TokensRemaining.Valid {
		payload["tokens_remaining"] = snap.TokensRemaining.Int64
	}
	if snap.ErrorMessage.Valid {
		payload["error_message"] = snap.ErrorMessage.String
	}
	return payload
}

func commandPayload(entry *store.CommandQueueEntry, status, errMsg string) map[string]any {
	payload := map[string]any{
		"id":           entry.ID,
		"session_name": entry.SessionName,
		"host":         entry.Host,
		"command":      entry.Command,
		"status":       status,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return payload
}

func truncateError(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}
