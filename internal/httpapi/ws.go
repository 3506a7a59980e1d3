package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/mnemos/internal/auth"
	"github.com/ent0n29/mnemos/internal/protocol"
)

const (
	wsReadLimit    = 1 << 20
	wsPongWait     = 90 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsOutboundSize = 64

	defaultMaxInflightTurns = 4
)

var errConnectionClosed = errors.New("connection closed")

// connEmitter hands events to the connection's single writer goroutine.
type connEmitter struct {
	done <-chan struct{}
	out  chan<- any
}

func (e *connEmitter) Emit(ctx context.Context, event any) error {
	select {
	case <-e.done:
		return errConnectionClosed
	default:
	}
	select {
	case <-e.done:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.out <- event:
		return nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, auth.MissingCredential.Code(), "authentication failed")
		return
	}
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn pipeline not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.connCtx)
	defer cancel()

	c := s.sessions.Open(id.UserID, cancel)
	defer func() {
		_, _ = s.sessions.Close(c.ID)
		s.observeConnection("disconnected")
	}()
	s.observeConnection("connected")
	log := s.logger.With("connection_id", c.ID, "user_id", id.UserID)
	log.Info("connection opened")

	outbound := make(chan any, wsOutboundSize)
	em := &connEmitter{done: ctx.Done(), out: outbound}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound, log)
	}()

	// Unblocks the reader when the janitor or shutdown ends the connection.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	_ = em.Emit(ctx, protocol.NewReady(c.ID, id.UserID))

	maxInflight := s.cfg.WSMaxInflightTurns
	if maxInflight <= 0 {
		maxInflight = defaultMaxInflightTurns
	}
	inflight := semaphore.NewWeighted(int64(maxInflight))

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		_ = s.sessions.Touch(c.ID)
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.observeMessage("inbound", "invalid")
			_ = em.Emit(ctx, protocol.NewError("", protocol.KindInvalidMessage, err.Error(), false))
			continue
		}
		s.observeMessage("inbound", string(msg.Type))

		// Reading stops while the connection has its maximum of turns in flight.
		if err := inflight.Acquire(ctx, 1); err != nil {
			break
		}
		// Admission happens here, in read order, so turns on one chat run in
		// the order the client sent them.
		turn := s.turns.Admit(msg.ChatID)
		_ = s.sessions.BeginTurn(c.ID)
		go func() {
			defer inflight.Release(1)
			defer func() { _ = s.sessions.EndTurn(c.ID) }()
			_ = turn.Process(ctx, em, id, msg.Content)
		}()
	}

	cancel()
	<-writerDone
	log.Info("connection closed")
}

// writeLoop owns all writes to conn.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any, log *slog.Logger) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("websocket write failed", "err", err)
				cancel()
				return
			}
			if t, ok := protocol.TypeOf(msg); ok {
				s.observeMessage("outbound", string(t))
			}
		}
	}
}

func (s *Server) observeConnection(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ConnectionEvents.WithLabelValues(event).Inc()
	s.metrics.ActiveConnections.Set(float64(s.sessions.ActiveCount()))
}

func (s *Server) observeMessage(direction, msgType string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
}
