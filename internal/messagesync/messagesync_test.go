package messagesync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/messagesvc"
	"github.com/agentbus/orchestrator/internal/store"
)

type fakePuller struct {
	messages []messagesvc.PlatformMessage
}

func (f *fakePuller) Pull(ctx context.Context, sess *store.Session, afterSourceID string) ([]messagesvc.PlatformMessage, error) {
	return f.messages, nil
}

func TestTickPullsAndIngestsForAnchoredSessions(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateSession("demo", "host-a", "claude", "/home/demo"))
	require.NoError(t, st.SetDiscordThread("demo", "thread-1"))

	b := bus.NewBus(zerolog.Nop())
	messages := messagesvc.New(st, b, zerolog.Nop())

	puller := &fakePuller{messages: []messagesvc.PlatformMessage{
		{SourceID: "1", Content: "hello", AuthorID: "u1"},
	}}
	sources := []Source{{
		Name:   "discord",
		Puller: puller,
		ThreadAnchor: func(sess *store.Session) bool {
			return sess.DiscordThreadID.Valid && sess.DiscordThreadID.String != ""
		},
	}}

	w := New(st, messages, b, sources, 0, zerolog.Nop())
	w.Tick(context.Background())

	n, err := st.CountMessages("demo")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTickSkipsSessionsWithoutThreadAnchor(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateSession("demo", "host-a", "claude", "/home/demo"))

	b := bus.NewBus(zerolog.Nop())
	messages := messagesvc.New(st, b, zerolog.Nop())

	puller := &fakePuller{messages: []messagesvc.PlatformMessage{{SourceID: "1", Content: "hello"}}}
	sources := []Source{{
		Name:         "discord",
		Puller:       puller,
		ThreadAnchor: func(sess *store.Session) bool { return false },
	}}

	w := New(st, messages, b, sources, 0, zerolog.Nop())
	w.Tick(context.Background())

	n, err := st.CountMessages("demo")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
