package messagesvc

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateSession("demo", "localhost", "claude", "/home/demo"))

	b := bus.NewBus(zerolog.Nop())
	return New(st, b, zerolog.Nop()), st
}

func TestIngestBridgeEventInsertsAndPublishes(t *testing.T) {
	svc, st := newTestService(t)
	_, events := svc.bus.Subscribe()

	err := svc.IngestBridgeEvent(BridgeEvent{
		SessionName:  "demo",
		Platform:     "discord",
		Content:      "hello world",
		Role:         "user",
		SourceID:     "123",
		SourceAuthor: "jiun",
	})
	require.NoError(t, err)

	n, err := st.CountMessages("demo")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case ev := <-events:
		require.Equal(t, bus.TypeMessageNew, ev.Type)
		require.Equal(t, "demo", ev.Payload["session_name"])
	default:
		t.Fatal("expected a message.new event on the bus")
	}
}

func TestIngestBridgeEventUnknownSessionIsIgnored(t *testing.T) {
	svc, st := newTestService(t)

	err := svc.IngestBridgeEvent(BridgeEvent{
		SessionName: "does-not-exist",
		Platform:    "discord",
		Content:     "hello",
	})
	require.NoError(t, err)

	n, err := st.CountMessages("does-not-exist")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestIngestBridgeEventDedupIsIdempotent(t *testing.T) {
	svc, st := newTestService(t)

	ev := BridgeEvent{SessionName: "demo", Platform: "discord", Content: "hi", SourceID: "42"}
	require.NoError(t, svc.IngestBridgeEvent(ev))
	require.NoError(t, svc.IngestBridgeEvent(ev))

	n, err := st.CountMessages("demo")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIngestPlatformBatchRoleDetection(t *testing.T) {
	svc, st := newTestService(t)

	messages := []PlatformMessage{
		{SourceID: "1", Content: "from human", AuthorID: "u1", IsBot: false},
		{SourceID: "2", Content: "from own bot", AuthorID: "bot-self", IsBot: true},
		{SourceID: "3", Content: "from other bot", AuthorID: "bot-other", IsBot: true},
	}
	n, err := svc.IngestPlatformBatch("demo", "discord", "bot-self", messages)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rows, err := st.GetMessages("demo", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "user", rows[0].Role)
	require.Equal(t, "assistant", rows[1].Role)
	require.Equal(t, "system", rows[2].Role)
}

func TestIngestTranscriptLinesOnlyTextBlocksContribute(t *testing.T) {
	svc, st := newTestService(t)

	lines := []TranscriptLine{
		{
			Role: "assistant",
			Blocks: []TranscriptBlock{
				{Type: "text", Text: "visible part"},
				{Type: "tool_use", Text: "ignored"},
				{Type: "tool_result", Text: "ignored"},
			},
		},
		{Role: "user", Content: "plain string content"},
	}
	n, err := svc.IngestTranscriptLines("demo", lines)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := st.GetMessages("demo", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "visible part", rows[0].Content)
	require.Equal(t, "plain string content", rows[1].Content)
}

func TestSlackTimestampToISO(t *testing.T) {
	iso := slackTimestampToISO("1700000000.123456")
	require.NotEmpty(t, iso)
}
