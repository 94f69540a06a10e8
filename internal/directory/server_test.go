package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	proto "github.com/saintparish4/unl/pkg/directory"
	"github.com/saintparish4/unl/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	s := New(cfg)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.handler.CloseAll()
		hs.Close()
		require.Eventually(t, func() bool { return s.handler.Connections() == 0 }, 3*time.Second, 10*time.Millisecond)
	})
	return s, hs
}

func dialWS(t *testing.T, hs *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// greeting
	welcome := readMsg(t, conn)
	require.Equal(t, proto.MessageTypeAck, welcome.Type)
	require.NotEmpty(t, welcome.PeerID)
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) *proto.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg proto.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg *proto.Message) *proto.Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
	reply := readMsg(t, conn)
	assert.Equal(t, msg.RequestID, reply.RequestID)
	return reply
}

func TestServerHealthEndpoint(t *testing.T) {
	_, hs := newTestServer(t)

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "timestamp")
}

func TestServerHealthMethodNotAllowed(t *testing.T) {
	s := New(DefaultConfig())
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServerNotFound(t *testing.T) {
	s := New(DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "/nope")
}

func TestServerStatsEndpoint(t *testing.T) {
	s := New(DefaultConfig())
	owner := &Peer{ID: "conn"}
	s.Registry().Announce(record("a", types.RolePassive), owner)
	s.Registry().Announce(record("b", types.RoleSimultaneous), owner)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Records struct {
			Total  int            `json:"total"`
			ByRole map[string]int `json:"by_role"`
		} `json:"records"`
		Connections int `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Records.Total)
	assert.Equal(t, 1, body.Records.ByRole["passive"])
	assert.Zero(t, body.Connections)
}

func TestServerProtocol(t *testing.T) {
	s, hs := newTestServer(t)
	announcer := dialWS(t, hs)
	asker := dialWS(t, hs)

	rec := record("node-a", types.RoleSimultaneous)
	reply := roundTrip(t, announcer, proto.NewMessage(proto.MessageTypeAnnounce).
		WithRequestID("r1").WithPeerID(rec.PeerID).WithPayload(rec))
	require.Equal(t, proto.MessageTypeAck, reply.Type)

	reply = roundTrip(t, asker, proto.NewMessage(proto.MessageTypeLookup).
		WithRequestID("r2").WithPeerID("node-a"))
	require.Equal(t, proto.MessageTypeRecord, reply.Type)
	var got types.PeerRecord
	require.NoError(t, reply.ParsePayload(&got))
	assert.Equal(t, rec, got)

	reply = roundTrip(t, asker, proto.NewMessage(proto.MessageTypeLookup).
		WithRequestID("r3").WithPeerID("missing"))
	require.Equal(t, proto.MessageTypeError, reply.Type)
	var perr proto.ErrorPayload
	require.NoError(t, reply.ParsePayload(&perr))
	assert.Equal(t, proto.ErrorCodePeerNotFound, perr.Code)

	reply = roundTrip(t, asker, proto.NewMessage(proto.MessageTypeBootstrap).
		WithRequestID("r4").WithPayload(proto.BootstrapPayload{Limit: 10}))
	require.Equal(t, proto.MessageTypePeerList, reply.Type)
	var list proto.PeerListPayload
	require.NoError(t, reply.ParsePayload(&list))
	assert.Equal(t, []types.PeerRecord{rec}, list.Peers)

	reply = roundTrip(t, asker, proto.NewMessage("BOGUS").WithRequestID("r5"))
	assert.Equal(t, proto.MessageTypeError, reply.Type)

	// records go away with the connection that announced them
	announcer.Close()
	assert.Eventually(t, func() bool {
		return s.Registry().Count() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServerAnnounceNeedsRecord(t *testing.T) {
	_, hs := newTestServer(t)
	conn := dialWS(t, hs)

	reply := roundTrip(t, conn, proto.NewMessage(proto.MessageTypeAnnounce).WithRequestID("r1"))
	require.Equal(t, proto.MessageTypeError, reply.Type)

	reply = roundTrip(t, conn, proto.NewMessage(proto.MessageTypeAnnounce).
		WithRequestID("r2").WithPayload(types.PeerRecord{IP: "198.51.100.1"}))
	assert.Equal(t, proto.MessageTypeError, reply.Type)
}

func TestServerStartShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = zaptest.NewLogger(t)
	s := New(cfg)
	require.NoError(t, s.Start())
	assert.True(t, strings.HasPrefix(s.URL(), "ws://127.0.0.1:"))

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, s.Shutdown(context.Background()))
}
