package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agentbus/orchestrator/internal/bus"
)

// wsHeartbeatInterval is how long a connection may go without an
// outbound event before it gets a heartbeat frame.
const wsHeartbeatInterval = 30 * time.Second

// wsClientMessage is the shape of inbound frames from the browser.
type wsClientMessage struct {
	Type        string `json:"type"`
	SessionName string `json:"session_name,omitempty"`
	Session     string `json:"session,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

const wsMaxHistoryLimit = 200

// wsHistoryPayload mirrors the JSON the dashboard's history replay expects.
type wsHistoryPayload struct {
	Session  string         `json:"session"`
	Messages []*messageView `json:"messages"`
	Total    int            `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
}

type wsHistoryFrame struct {
	Type    string           `json:"type"`
	Payload wsHistoryPayload `json:"payload"`
}

// wsConn tracks one live connection for shutdown-time cleanup and
// per-connection session filtering (spec.md §4.L: a client may subscribe
// to a single session's events instead of the full firehose).
type wsConn struct {
	conn        *websocket.Conn
	cancel      context.CancelFunc
	sessionName string // "" means unfiltered
}

func (s *Server) registerWSConn(wc *wsConn) int64 {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	id := s.wsNext
	s.wsNext++
	s.wsConns[id] = wc
	return id
}

func (s *Server) unregisterWSConn(id int64) {
	s.wsMu.Lock()
	delete(s.wsConns, id)
	s.wsMu.Unlock()
}

func (s *Server) closeAllWebSockets() {
	s.wsMu.Lock()
	conns := make([]*wsConn, 0, len(s.wsConns))
	for _, wc := range s.wsConns {
		conns = append(conns, wc)
	}
	s.wsMu.Unlock()

	for _, wc := range conns {
		wc.cancel()
		_ = wc.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// handleWebSocket upgrades the connection and fans out bus events to it
// until the client disconnects or the server shuts down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.wsAuthCredential(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := &wsConn{conn: conn, cancel: cancel}
	id := s.registerWSConn(wc)
	defer s.unregisterWSConn(id)

	subID, events := s.deps.Bus.Subscribe()
	defer s.deps.Bus.Unsubscribe(subID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wsReadLoop(ctx, conn, wc)
	}()

	s.wsWriteLoop(ctx, conn, events, wc)
	<-done

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

// wsReadLoop handles inbound client frames: ping/pong keepalive and
// session-filter subscription changes.
func (s *Server) wsReadLoop(ctx context.Context, conn *websocket.Conn, wc *wsConn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		case "subscribe":
			s.wsMu.Lock()
			wc.sessionName = msg.SessionName
			s.wsMu.Unlock()
		case "fetch_history":
			s.wsSendHistory(ctx, conn, msg)
		case "typing":
			if msg.SessionName != "" {
				s.deps.Bus.Publish(bus.TypingUser(msg.SessionName))
			}
		}
	}
}

// wsSendHistory answers a fetch_history frame with a page of a session's
// stored messages, oldest first, so the dashboard can backfill its scroll
// buffer without a separate REST round trip.
func (s *Server) wsSendHistory(ctx context.Context, conn *websocket.Conn, msg wsClientMessage) {
	sessionName := msg.Session
	if sessionName == "" {
		sessionName = msg.SessionName
	}
	if sessionName == "" || s.deps.Store == nil {
		return
	}

	limit := msg.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > wsMaxHistoryLimit {
		limit = wsMaxHistoryLimit
	}
	offset := msg.Offset
	if offset < 0 {
		offset = 0
	}

	messages, err := s.deps.Store.GetMessages(sessionName, limit, offset)
	if err != nil {
		s.logger.Debug().Err(err).Str("session", sessionName).Msg("ws fetch_history failed")
		return
	}
	total, err := s.deps.Store.CountMessages(sessionName)
	if err != nil {
		total = len(messages)
	}

	frame := wsHistoryFrame{
		Type: "history",
		Payload: wsHistoryPayload{
			Session:  sessionName,
			Messages: viewMessages(messages),
			Total:    total,
			Limit:    limit,
			Offset:   offset,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// wsWriteLoop relays bus events (filtered by the connection's subscribed
// session, if any) and sends a heartbeat when the channel is idle.
func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, events <-chan bus.Event, wc *wsConn) {
	ticker := time.NewTicker(wsHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !wsEventMatches(evt, wc) {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
			ticker.Reset(wsHeartbeatInterval)
		case <-ticker.C:
			hb, _ := json.Marshal(bus.Heartbeat())
			if err := conn.Write(ctx, websocket.MessageText, hb); err != nil {
				return
			}
		}
	}
}

// wsEventMatches reports whether evt should be delivered to a connection
// filtered to a single session (session-scoped events carry session_name
// in their payload; global events like usage.updated always pass).
func wsEventMatches(evt bus.Event, wc *wsConn) bool {
	s := wc
	if s.sessionName == "" {
		return true
	}
	name, _ := evt.Payload["session_name"].(string)
	if name == "" {
		name, _ = evt.Payload["name"].(string)
	}
	if name == "" {
		return true
	}
	return name == s.sessionName
}
