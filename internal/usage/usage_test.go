package usage

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentbus/orchestrator/internal/store"
)

func TestLimitReachedDetectsZeroRemaining(t *testing.T) {
	snap := store.UsageSnapshot{
		RequestsRemaining: sql.NullInt64{Int64: 0, Valid: true},
		TokensRemaining:   sql.NullInt64{Int64: 50, Valid: true},
	}
	kinds := limitReached(snap)
	require.Equal(t, []string{"requests"}, kinds)
}

func TestDetectResetRequiresStrictIncrease(t *testing.T) {
	prev := store.UsageSnapshot{RequestsRemaining: sql.NullInt64{Int64: 0, Valid: true}}
	curr := store.UsageSnapshot{RequestsRemaining: sql.NullInt64{Int64: 100, Valid: true}}
	require.Equal(t, []string{"requests"}, detectReset(curr, &prev))

	same := store.UsageSnapshot{RequestsRemaining: sql.NullInt64{Int64: 0, Valid: true}}
	require.Empty(t, detectReset(same, &prev))
}

func TestDetectResetWithNoPreviousSnapshot(t *testing.T) {
	curr := store.UsageSnapshot{RequestsRemaining: sql.NullInt64{Int64: 100, Valid: true}}
	require.Empty(t, detectReset(curr, nil))
}

func TestApplyHeadersParsesIntegerAndResetFields(t *testing.T) {
	var snap store.UsageSnapshot
	headers := map[string][]string{
		"Anthropic-Ratelimit-Requests-Limit":     {"1000"},
		"Anthropic-Ratelimit-Requests-Remaining": {"999"},
		"Anthropic-Ratelimit-Requests-Reset":     {"2026-01-01T00:00:00Z"},
	}
	applyHeaders(&snap, headers, anthropicHeaders)

	require.True(t, snap.RequestsLimit.Valid)
	require.EqualValues(t, 1000, snap.RequestsLimit.Int64)
	require.EqualValues(t, 999, snap.RequestsRemaining.Int64)
	require.Equal(t, "2026-01-01T00:00:00Z", snap.RequestsReset.String)
}
