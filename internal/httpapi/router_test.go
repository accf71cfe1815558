package httpapi

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/config"
	"github.com/agentbus/orchestrator/internal/messagesvc"
	"github.com/agentbus/orchestrator/internal/remoteexec"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.NewBus(zerolog.Nop())
	exec := remoteexec.New("", zerolog.Nop())
	sessions := sessionsvc.New([]string{"localhost"}, exec, zerolog.Nop())
	messages := messagesvc.New(st, b, zerolog.Nop())

	cfg := &config.Config{
		SSHHosts:               []string{"localhost"},
		RateLimitWebhookPerMin: 6000,
		RateLimitWritePerMin:   6000,
		RateLimitDefaultPerMin: 6000,
	}

	return NewServer(Deps{
		Config:   cfg,
		Store:    st,
		Bus:      b,
		Sessions: sessions,
		Messages: messages,
	}, zerolog.Nop())
}

func jsonBody(s string) io.Reader {
	return strings.NewReader(s)
}

func TestHealthzIsAlwaysReachable(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestCreateSessionRejectsInvalidName(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/sessions/", jsonBody(`{"name":"bad name!"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

func TestGetMissingSessionReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/sessions/ghost", nil)
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}

func TestSearchMessagesRejectsShortQuery(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/messages/search?q=a", nil)
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

func TestWebhookEventAlwaysAccepts(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/hooks/event", jsonBody(`not json at all`))
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 202, resp.StatusCode)
}

func TestPutPrefsRejectsUnknownKey(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("PUT", "/api/prefs", jsonBody(`{"not_a_real_pref":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

func TestStatsEndpointReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/stats", nil)
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestQueueAddRejectsUnknownSession(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/queue/", jsonBody(`{"session_name":"ghost","command":"ls"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}
