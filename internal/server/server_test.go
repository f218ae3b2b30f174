package server

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/metrics"
	"github.com/DanDo385/zkbatcher/internal/types"
)

// echoHandler answers every frame with a fixed nonce response.
type echoHandler struct {
	mu       sync.Mutex
	received [][]byte
}

func (h *echoHandler) HandleMessage(_ context.Context, raw []byte, sink types.ResponseSink) {
	h.mu.Lock()
	h.received = append(h.received, raw)
	h.mu.Unlock()
	_ = sink.Send(types.NonceResponse(big.NewInt(42)))
}

func (h *echoHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func startTestServer(t *testing.T, handler MessageHandler) (*httptest.Server, string) {
	t.Helper()
	s := New("unused", handler, metrics.New(), 1<<20, zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serveConnection(context.Background(), w, r)
	}))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return ts, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) *types.Response {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	var resp types.Response
	if err := types.UnmarshalCBOR(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func TestHandshakeSendsProtocolVersion(t *testing.T) {
	ts, wsURL := startTestServer(t, &echoHandler{})
	defer ts.Close()

	conn := dial(t, wsURL)
	defer conn.Close()

	resp := readResponse(t, conn)
	if resp.Kind != types.RespProtocolVersion {
		t.Fatalf("first frame kind = %d, want protocol version", resp.Kind)
	}
	if resp.ProtocolVersion != types.ExpectedProtocolVersion {
		t.Errorf("protocol version = %d, want %d", resp.ProtocolVersion, types.ExpectedProtocolVersion)
	}
}

func TestBinaryFramesReachHandler(t *testing.T) {
	handler := &echoHandler{}
	ts, wsURL := startTestServer(t, handler)
	defer ts.Close()

	conn := dial(t, wsURL)
	defer conn.Close()
	readResponse(t, conn) // protocol version

	payload, err := types.MarshalCBOR(types.ClientMessage{Kind: types.MsgGetNonceForAddress})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, conn)
	if resp.Kind != types.RespNonce || resp.Nonce.Int64() != 42 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestTextFramesAreIgnored(t *testing.T) {
	handler := &echoHandler{}
	ts, wsURL := startTestServer(t, handler)
	defer ts.Close()

	conn := dial(t, wsURL)
	defer conn.Close()
	readResponse(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload, _ := types.MarshalCBOR(types.ClientMessage{Kind: types.MsgGetNonceForAddress})
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	readResponse(t, conn)

	if got := handler.count(); got != 1 {
		t.Errorf("handler saw %d frames, want 1 (text frame ignored)", got)
	}
}

func TestConnSendAfterCloseFails(t *testing.T) {
	ts, wsURL := startTestServer(t, &echoHandler{})
	defer ts.Close()

	clientConn := dial(t, wsURL)
	defer clientConn.Close()

	conn := &Conn{ws: clientConn}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Send(types.NonceResponse(big.NewInt(1))); err == nil {
		t.Error("send after close should fail")
	}
	// Close is idempotent.
	if err := conn.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
