package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetSession(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession("demo", "host-a", "claude", "/home/demo"))

	sess, err := st.GetSession("demo")
	require.NoError(t, err)
	require.Equal(t, "active", sess.Status)
	require.Equal(t, "host-a", sess.Host.String)
}

func TestListSessionsRejectsUnknownSortColumn(t *testing.T) {
	st := newTestStore(t)
	_, err := st.ListSessions(ListSessionsFilter{Sort: "name; DROP TABLE sessions"})
	require.Error(t, err)
}

func TestInsertMessageIfAbsentDedupes(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession("demo", "host-a", "claude", "/home/demo"))

	msg := Message{SessionName: "demo", Role: "user", Content: "hi", Source: "hook",
		Timestamp: NowISO(), IngestedAt: NowISO(), DedupHash: nullIfEmpty("hash-1")}

	inserted, _, err := st.InsertMessageIfAbsent(msg)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, _, err = st.InsertMessageIfAbsent(msg)
	require.NoError(t, err)
	require.False(t, inserted)

	n, err := st.CountMessages("demo")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestKVRoundTrip(t *testing.T) {
	st := newTestStore(t)
	_, ok, err := st.GetKV("pref:theme")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.SetKV("pref:theme", "dark"))
	v, ok, err := st.GetKV("pref:theme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dark", v)

	require.NoError(t, st.SetKV("pref:font", "mono"))
	all, err := st.ListKVPrefix("pref:")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCommandQueueLifecycle(t *testing.T) {
	st := newTestStore(t)
	entry, err := st.EnqueueCommand("demo", "host-a", "echo hi", 5)
	require.NoError(t, err)
	require.Equal(t, "pending", entry.Status)

	pending, err := st.PendingCommands(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.SetCommandQueueExecuting(entry.ID))
	require.NoError(t, st.CompleteCommandQueueEntry(entry.ID))

	stats, err := st.CommandQueueStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats["completed"])
}

func TestCancelCommandQueueEntryFailsWhenNotPending(t *testing.T) {
	st := newTestStore(t)
	entry, err := st.EnqueueCommand("demo", "host-a", "echo hi", 0)
	require.NoError(t, err)
	require.NoError(t, st.SetCommandQueueExecuting(entry.ID))

	err = st.CancelCommandQueueEntry(entry.ID)
	require.Error(t, err)
}

func TestUsageSnapshotRoundTrip(t *testing.T) {
	st := newTestStore(t)
	_, err := st.InsertUsageSnapshot(UsageSnapshot{Provider: "anthropic", PolledAt: NowISO()})
	require.NoError(t, err)

	history, err := st.UsageHistory("anthropic", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
