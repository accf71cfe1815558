package reconciler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/remoteexec"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exec := remoteexec.New("", zerolog.Nop())
	svc := sessionsvc.New(nil, exec, zerolog.Nop())
	b := bus.NewBus(zerolog.Nop())
	return New(svc, st, b, nil, nil, 0, zerolog.Nop()), st
}

func TestTickWithNoHostsClosesNothingAndAddsNothing(t *testing.T) {
	r, st := newTestReconciler(t)
	r.Tick(context.Background())

	sessions, err := st.ListNonClosedSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestHandleGoneClosesAnActiveSession(t *testing.T) {
	r, st := newTestReconciler(t)
	require.NoError(t, st.CreateSession("demo", "host-a", "claude", "/home/demo"))

	sess, err := st.GetSession("demo")
	require.NoError(t, err)
	r.handleGone("demo", sess)

	updated, err := st.GetSession("demo")
	require.NoError(t, err)
	require.Equal(t, "closed", updated.Status)
	require.True(t, updated.ClosedAt.Valid)
}

func TestHandleGoneIsIdempotentOnAlreadyClosedSession(t *testing.T) {
	r, st := newTestReconciler(t)
	require.NoError(t, st.CreateSession("demo", "host-a", "claude", "/home/demo"))
	require.NoError(t, st.CloseSession("demo"))

	sess, err := st.GetSession("demo")
	require.NoError(t, err)
	r.handleGone("demo", sess) // should not publish or error

	updated, err := st.GetSession("demo")
	require.NoError(t, err)
	require.Equal(t, "closed", updated.Status)
}
