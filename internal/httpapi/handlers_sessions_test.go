package httpapi

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

// spec.md §8 scenario 1 mandates {"sent":true,"host":"testhost"} for a
// successful send and {"deleted":true,"tmux_killed":true,"threads_archived":[]}
// for a delete; these tests pin the exact envelope shape rather than just
// the status code, against a session that exists in the store but isn't
// live on the single configured host, so tmux_killed/the send outcome are
// deterministic without a real tmux session to talk to.

func TestSendSessionRejectsMissingMessage(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.deps.Store.CreateSession("testsess", "localhost", "", ""))

	req := httptest.NewRequest("POST", "/api/sessions/testsess/send", jsonBody(`{"message":""}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)

	body := decodeJSON(t, resp.Body)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "MISSING_MESSAGE", errObj["code"])
}

func TestSendSessionReturns404WhenNotLiveOnAnyHost(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.deps.Store.CreateSession("testsess", "localhost", "", ""))

	req := httptest.NewRequest("POST", "/api/sessions/testsess/send", jsonBody(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)

	// No real tmux session named "testsess" exists on the configured host,
	// so FindHost reports no live host and the handler must return
	// SESSION_NOT_FOUND (404), not the generic SEND_FAILED (500) the
	// handler used to return for this case.
	require.Equal(t, 404, resp.StatusCode)
	body := decodeJSON(t, resp.Body)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "SESSION_NOT_FOUND", errObj["code"])
}

func TestDeleteSessionReturnsSpecEnvelope(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.deps.Store.CreateSession("testsess", "localhost", "", ""))

	req := httptest.NewRequest("DELETE", "/api/sessions/testsess", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	body := decodeJSON(t, resp.Body)
	require.Equal(t, true, body["deleted"])
	// No live tmux session to kill and no Discord/Slack deps configured in
	// the test harness, so tmux_killed is false and threads_archived empty,
	// but both keys must be present with the spec's types.
	require.Equal(t, false, body["tmux_killed"])
	archived, ok := body["threads_archived"].([]any)
	require.True(t, ok)
	require.Empty(t, archived)

	_, err = s.deps.Store.GetSession("testsess")
	require.Error(t, err)
}
