// Package websocket is the server side of the relay transport: it upgrades
// authenticated HTTP requests, binds each connection to a relay session, and
// pumps protocol frames between the socket and the session's pipeline. A
// session outlives its connection: transport loss parks the session in the
// Reconnecting state and a redial with the same token resumes it.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/protocol"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/usecase"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum inbound message size. The largest legitimate inbound frame is
	// a 100 ms audio chunk, a few kilobytes; anything near this limit is a
	// broken client.
	maxMessageSize = 64 * 1024

	// Outbound frames queued per session. The queue also carries results
	// produced while the session is between connections, so it is sized
	// well above the pipeline's in-flight bound.
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	// Clients are native binaries, not browsers; access is gated by the
	// session token, not the request origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var errSessionGone = errors.New("session gone")

// HubConfig carries the collaborators and tunables shared by every session.
type HubConfig struct {
	Transcriber repositories.Transcriber
	Synthesizer repositories.Synthesizer
	Translator  repositories.Translator // optional

	Format         entities.AudioFormat
	StageTimeout   time.Duration
	QueueBound     int
	Heartbeat      time.Duration
	ReconnectGrace time.Duration
}

// Validate validates the config.
func (c HubConfig) Validate() error {
	if c.Transcriber == nil {
		return errors.New("transcriber is required")
	}
	if c.Synthesizer == nil {
		return errors.New("synthesizer is required")
	}
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.StageTimeout <= 0 {
		return errors.New("stage timeout must be positive")
	}
	if c.QueueBound <= 0 {
		return errors.New("queue bound must be positive")
	}
	if c.Heartbeat <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.ReconnectGrace <= 0 {
		return errors.New("reconnect grace must be positive")
	}
	return nil
}

// Hub owns the set of live relay sessions and binds incoming websocket
// connections to them.
type Hub struct {
	cfg     HubConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Cancelling rootCtx stops every session's pipeline workers.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[uuid.UUID]*relaySession
}

// NewHub creates a hub.
func NewHub(cfg HubConfig, logger *zap.Logger, m *metrics.Metrics) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		rootCtx:    ctx,
		rootCancel: cancel,
		sessions:   make(map[uuid.UUID]*relaySession),
	}, nil
}

// HandleSession upgrades a pre-authenticated request and binds the connection
// to the session named by the token.
func HandleSession(h *Hub, c echo.Context, sessionID uuid.UUID) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}
	if err := h.bind(sessionID, conn); err != nil {
		h.logger.Warn("Connection rejected",
			zap.String("sessionID", sessionID.String()),
			zap.Error(err))
		conn.Close()
	}
	return nil
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// bind attaches a fresh connection to its session, creating the session on
// first contact and resuming it on a redial.
func (h *Hub) bind(id uuid.UUID, conn *websocket.Conn) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok {
		created, err := newRelaySession(h, id)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		s = created
		h.sessions[id] = s
		h.metrics.RecordSessionCreated()
		h.metrics.SetActiveSessions(len(h.sessions))
		h.mu.Unlock()

		s.bindMu.Lock()
		defer s.bindMu.Unlock()
		if err := s.entity.Transition(entities.SessionStateActive); err != nil {
			s.shutdown("activation failed")
			return err
		}
		s.attach(conn)
		s.logger.Info("Session started")
		return nil
	}
	h.mu.Unlock()

	err := s.rebind(conn)
	if errors.Is(err, errSessionGone) {
		// The session closed between lookup and rebind. The token is
		// still valid, so the redial starts a fresh session under the
		// same id.
		h.remove(id, s)
		return h.bind(id, conn)
	}
	return err
}

// remove drops the session from the registry if it is still the registered
// one. A fresh session may already occupy the id.
func (h *Hub) remove(id uuid.UUID, s *relaySession) {
	h.mu.Lock()
	if h.sessions[id] == s {
		delete(h.sessions, id)
	}
	h.metrics.SetActiveSessions(len(h.sessions))
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*relaySession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*relaySession, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// relaySession is the server half of one logical session: the session entity,
// its pipeline and assembler, and whichever connection currently carries the
// transport. The send queue belongs to the session, not the connection, so
// results produced while the client is redialing are delivered on the fresh
// link.
type relaySession struct {
	hub       *Hub
	entity    *entities.Session
	pipeline  *usecase.Pipeline
	assembler *usecase.Assembler
	cancel    context.CancelFunc
	logger    *zap.Logger

	send chan outbound

	// bindMu serializes transport replacement; only one attach or rebind
	// may be in flight per session.
	bindMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	connStop   chan struct{} // closed to stop the current transport's write pump
	readerGone chan struct{}
	writerGone chan struct{}
	pending    *outbound // frame that failed mid-write, retried on the next transport
	fatal      bool      // a closing frame is queued; the transport failure path must stand down
	closed     bool
}

func newRelaySession(h *Hub, id uuid.UUID) (*relaySession, error) {
	s := &relaySession{
		hub:    h,
		entity: entities.NewSession(id),
		logger: h.logger.With(zap.String("sessionID", id.String())),
		send:   make(chan outbound, sendQueueSize),
	}

	pipeline, err := usecase.NewPipeline(s.entity, usecase.PipelineConfig{
		Transcriber:  h.cfg.Transcriber,
		Synthesizer:  h.cfg.Synthesizer,
		Translator:   h.cfg.Translator,
		Emitter:      s,
		Format:       h.cfg.Format,
		StageTimeout: h.cfg.StageTimeout,
		QueueBound:   h.cfg.QueueBound,
		Logger:       s.logger,
		Metrics:      h.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline
	s.assembler = usecase.NewAssembler(s.entity, pipeline, h.cfg.Format, s.logger, h.metrics)

	ctx, cancel := context.WithCancel(h.rootCtx)
	s.cancel = cancel
	go pipeline.Run(ctx)
	go s.watchDrain()
	return s, nil
}

// attach installs the connection and starts its pumps. The caller holds
// bindMu and guarantees no other transport is attached.
func (s *relaySession) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.connStop = make(chan struct{})
	s.readerGone = make(chan struct{})
	s.writerGone = make(chan struct{})
	readerGone, writerGone, stop := s.readerGone, s.writerGone, s.connStop
	s.mu.Unlock()

	go s.readPump(conn, readerGone)
	go s.writePump(conn, stop, writerGone)
}

// rebind replaces the session's transport with a fresh connection: the resume
// path after transport loss, and the takeover path when the client redials
// before the server has noticed the old link die.
func (s *relaySession) rebind(conn *websocket.Conn) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionGone
	}
	if state := s.entity.State(); state == entities.SessionStateDraining {
		s.mu.Unlock()
		return errors.New("session is draining")
	}
	old := s.conn
	readerGone, writerGone, stop := s.readerGone, s.writerGone, s.connStop
	s.conn = nil
	if old != nil && stop != nil {
		close(stop)
		s.connStop = nil
	}
	s.mu.Unlock()

	// The old pumps must be fully out before the new ones start: the
	// assembler runs on the read pump and the send queue tolerates only
	// one consumer.
	if old != nil {
		old.Close()
	}
	if readerGone != nil {
		<-readerGone
	}
	if writerGone != nil {
		<-writerGone
	}

	if s.entity.State() == entities.SessionStateReconnecting {
		if err := s.entity.Transition(entities.SessionStateActive); err != nil {
			return errSessionGone
		}
	}

	s.hub.metrics.RecordReconnect()
	s.attach(conn)
	s.logger.Info("Session resumed on new transport")
	return nil
}

// readPump decodes inbound frames and routes them until the transport fails
// or the session dies.
func (s *relaySession) readPump(conn *websocket.Conn, gone chan struct{}) {
	defer close(gone)
	defer s.transportFailed(conn)

	readWait := 3 * s.hub.cfg.Heartbeat
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Transport read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		if messageType != websocket.BinaryMessage {
			s.failProtocol(errors.New("non-binary websocket message"))
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			s.failProtocol(err)
			return
		}
		if frame.Session != s.entity.ID {
			s.logger.Warn("Frame addressed to another session",
				zap.String("frameSession", frame.Session.String()))
			continue
		}

		s.hub.metrics.RecordFrameReceived(frame.Kind.String())
		s.entity.Touch()
		s.dispatch(frame)
	}
}

// writePump drains the session's send queue onto the connection and keeps the
// link warm with heartbeats while idle.
func (s *relaySession) writePump(conn *websocket.Conn, stop chan struct{}, gone chan struct{}) {
	defer close(gone)

	ticker := time.NewTicker(s.hub.cfg.Heartbeat)
	defer ticker.Stop()
	lastWrite := time.Now()

	if out, ok := s.takePending(); ok {
		if !s.writeFrame(conn, out) {
			return
		}
		lastWrite = time.Now()
	}

	for {
		select {
		case out := <-s.send:
			if !s.writeFrame(conn, out) {
				return
			}
			lastWrite = time.Now()

		case <-ticker.C:
			if time.Since(lastWrite) < s.hub.cfg.Heartbeat {
				continue
			}
			if !s.writeFrame(conn, outbound{frame: protocol.Heartbeat(s.entity.ID)}) {
				return
			}
			lastWrite = time.Now()

		case <-stop:
			return
		}
	}
}

// writeFrame writes one frame. It returns false when the pump must stop:
// after a transport failure, or after flushing a closing frame.
func (s *relaySession) writeFrame(conn *websocket.Conn, out outbound) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(out.frame)); err != nil {
		s.logger.Warn("Transport write failed",
			zap.String("kind", out.frame.Kind.String()),
			zap.Error(err))
		if out.last {
			s.shutdown("transport failed on closing frame")
			return false
		}
		s.stashPending(out)
		s.transportFailed(conn)
		return false
	}
	s.hub.metrics.RecordFrameSent(out.frame.Kind.String())

	if out.last {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.shutdown(out.reason)
		return false
	}
	return true
}

// transportFailed handles an unplanned transport loss detected by either
// pump. An Active session parks in Reconnecting and waits for a redial; a
// Draining one has nothing left to wait for and closes.
func (s *relaySession) transportFailed(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed || s.conn != conn || s.fatal {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.connStop != nil {
		close(s.connStop)
		s.connStop = nil
	}
	s.mu.Unlock()
	conn.Close()

	switch s.entity.State() {
	case entities.SessionStateActive:
		if err := s.entity.Transition(entities.SessionStateReconnecting); err != nil {
			return
		}
		s.logger.Warn("Transport lost, holding session for reconnect",
			zap.Duration("grace", s.hub.cfg.ReconnectGrace))
	case entities.SessionStateDraining:
		s.shutdown("transport lost while draining")
	}
}

// watchDrain completes the drain handshake: once the pipeline has delivered
// everything in flight, the server echoes the Drain frame and closes.
func (s *relaySession) watchDrain() {
	<-s.pipeline.Done()
	if s.entity.State() != entities.SessionStateDraining {
		return
	}
	s.enqueueFinal(protocol.Drain(s.entity.ID), "drained")
}

// shutdown tears the session down. Idempotent; callable from any goroutine.
func (s *relaySession) shutdown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	if s.connStop != nil {
		close(s.connStop)
		s.connStop = nil
	}
	s.mu.Unlock()

	s.cancel()
	if err := s.entity.Transition(entities.SessionStateClosed); err != nil {
		s.logger.Warn("Close transition rejected", zap.Error(err))
	}
	if conn != nil {
		conn.Close()
	}
	s.hub.remove(s.entity.ID, s)
	s.logger.Info("Session closed", zap.String("reason", reason))
}
