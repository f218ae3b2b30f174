// Package server terminates client websocket sessions: handshake with
// timeout, protocol-version announcement, length-delimited binary frames,
// and per-connection write serialization for server-initiated messages.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/metrics"
	"github.com/DanDo385/zkbatcher/internal/types"
)

const (
	// connectionTimeout bounds both the websocket handshake and the wait
	// for a client's first message.
	connectionTimeout = 30 * time.Second

	// writeWait bounds a single outbound frame write.
	writeWait = 10 * time.Second
)

// Conn is the outbound half of one client connection. Entries in the batch
// queue hold it until inclusion, possibly after the read loop is long gone,
// so writes lock and a failed send is the caller's signal the client left.
type Conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

var errConnClosed = errors.New("server: connection closed")

// Send serializes resp and writes it as one binary frame.
func (c *Conn) Send(resp *types.Response) error {
	data, err := types.MarshalCBOR(resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame and tears the connection down. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

// MessageHandler consumes one deserialized-frame payload. All responses go
// through the sink.
type MessageHandler interface {
	HandleMessage(ctx context.Context, raw []byte, sink types.ResponseSink)
}

// Server accepts client connections and drives their read loops.
type Server struct {
	addr     string
	handler  MessageHandler
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	readLimit int64
	log      zerolog.Logger
}

// New builds a server. readLimit bounds a single inbound frame; it should
// comfortably exceed the maximum proof size so the oversize rejection comes
// from admission, not the transport.
func New(addr string, handler MessageHandler, m *metrics.Metrics, readLimit int64, log zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		metrics: m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: connectionTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		readLimit: readLimit,
		log:       log.With().Str("component", "server").Logger(),
	}
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.serveConnection(ctx, w, r)
	})

	srv := &http.Server{Addr: s.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("listening for client connections")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) serveConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket handshake failed")
		s.metrics.UserError("user_timeout", "")
		return
	}

	s.metrics.OpenConnections.Inc()
	defer s.metrics.OpenConnections.Dec()

	conn := &Conn{ws: ws}
	defer conn.Close()

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connection established")
	ws.SetReadLimit(s.readLimit)

	if err := conn.Send(types.ProtocolVersionResponse()); err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("failed to send protocol version")
		return
	}

	// The first message must arrive promptly; afterwards clients may idle
	// while their proofs wait for batch inclusion.
	first := true
	for {
		if first {
			_ = ws.SetReadDeadline(time.Now().Add(connectionTimeout))
		} else {
			_ = ws.SetReadDeadline(time.Time{})
		}

		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if first && isTimeout(err) {
				s.metrics.UserError("user_timeout", "")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.metrics.BrokenWSConns.Inc()
				s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("connection ended unexpectedly")
			} else {
				s.log.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		first = false
		s.handler.HandleMessage(ctx, raw, conn)
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
