// Package client implements the capture side of the relay: it segments
// microphone audio into utterances, streams them to the server, and plays the
// translated speech back in order. Capture, transport and playback run as
// separate goroutines joined by bounded queues, so a stall in one never
// blocks the others.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/jitter"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/protocol"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/segmenter"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Outbound frames buffered across transport swaps. At the default 80 ms
	// chunk this is roughly twenty seconds of speech.
	outboxSize = 256

	// Queue slots held back for boundary and drain frames so a backlog of
	// audio can never squeeze them out.
	controlHeadroom = 8

	// How often a redial is attempted during the reconnect window.
	redialInterval = 500 * time.Millisecond
)

// errPeerFailed reports that the server declared the session dead; redialing
// would be pointless.
var errPeerFailed = errors.New("server closed the session")

// Config wires a client session.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:4444/ws.
	URL string
	// Token is the bearer session token minted by POST /v1/sessions.
	Token string
	// SessionID is the session id the token was minted for.
	SessionID uuid.UUID

	Source repositories.AudioSource
	Sink   repositories.AudioSink

	// Format is the relay's native PCM layout; capture audio is converted
	// to it before segmentation.
	Format entities.AudioFormat
	// ChunkDuration is the capture read granularity.
	ChunkDuration time.Duration

	Endpointing segmenter.Params
	Playback    jitter.Config

	Heartbeat      time.Duration
	ReconnectGrace time.Duration

	// OnTranscript, when set, receives each translated transcript as it
	// arrives. Transcripts are logged either way.
	OnTranscript func(id entities.UtteranceID, text string)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Validate validates the config.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("server url is required")
	}
	if c.Token == "" {
		return errors.New("session token is required")
	}
	if c.SessionID == uuid.Nil {
		return errors.New("session id is required")
	}
	if c.Source == nil {
		return errors.New("audio source is required")
	}
	if c.Sink == nil {
		return errors.New("audio sink is required")
	}
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.ChunkDuration < 20*time.Millisecond || c.ChunkDuration > 100*time.Millisecond {
		return errors.New("chunk duration must be between 20ms and 100ms")
	}
	if err := c.Endpointing.Validate(); err != nil {
		return err
	}
	if err := c.Playback.Validate(); err != nil {
		return err
	}
	if c.Heartbeat <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.ReconnectGrace <= 0 {
		return errors.New("reconnect grace must be positive")
	}
	return nil
}

// Client is one relay session seen from the device side.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	entity    *entities.Session
	segmenter *segmenter.Segmenter
	buffer    *jitter.Buffer

	outbox chan protocol.Frame

	// finished is closed when the server echoes our Drain frame: everything
	// in flight has been delivered.
	finished chan struct{}
	// stopped is closed when Run returns, releasing any loop still blocked.
	stopped chan struct{}

	drainOnce sync.Once
	drainCh   chan struct{}

	mu      sync.Mutex
	pending *protocol.Frame // frame that failed mid-write, resent on the next transport
	seq     uint64
}

// New creates a client session.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sink.Format().Channels != 1 {
		return nil, errors.New("playback sink must be mono")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("sessionID", cfg.SessionID.String())),
		metrics:  cfg.Metrics,
		entity:   entities.NewSession(cfg.SessionID),
		outbox:   make(chan protocol.Frame, outboxSize),
		finished: make(chan struct{}),
		stopped:  make(chan struct{}),
		drainCh:  make(chan struct{}),
	}

	seg, err := segmenter.New(cfg.Format, cfg.Endpointing, (*frameSink)(c), c.logger)
	if err != nil {
		return nil, err
	}
	c.segmenter = seg

	buf, err := jitter.NewBuffer(cfg.Playback, c.logger)
	if err != nil {
		return nil, err
	}
	c.buffer = buf
	return c, nil
}

// Drain asks the session to stop cleanly: capture flushes, in-flight results
// are delivered and played, then Run returns. Safe to call more than once.
func (c *Client) Drain() {
	c.drainOnce.Do(func() { close(c.drainCh) })
}

func (c *Client) draining() bool {
	select {
	case <-c.drainCh:
		return true
	default:
		return false
	}
}

// Run drives the session until it drains, fails, or ctx is canceled. The
// source and sink are closed on return.
func (c *Client) Run(ctx context.Context) (err error) {
	defer func() {
		close(c.stopped)
		c.buffer.Close()
		c.cfg.Source.Close()
		c.cfg.Sink.Close()
		c.transition(entities.SessionStateClosed)
	}()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.transition(entities.SessionStateActive)
	c.logger.Info("Session connected", zap.String("url", c.cfg.URL))

	captureDone := make(chan struct{})
	go c.captureLoop(ctx, captureDone)
	playbackDone := make(chan error, 1)
	go func() { playbackDone <- c.playbackLoop(ctx) }()

	for {
		transportErr := c.runTransport(ctx, conn)

		select {
		case <-c.finished:
			// Clean drain: let playback finish what is buffered.
			c.buffer.Close()
			<-captureDone
			if perr := <-playbackDone; perr != nil {
				return perr
			}
			c.logger.Info("Session drained")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if errors.Is(transportErr, errPeerFailed) {
			return transportErr
		}
		if c.draining() {
			// The transport died after the drain started. The server drops
			// a draining session on transport loss, so a fresh link cannot
			// recover what was in flight.
			return entities.ErrTransportLost
		}

		c.transition(entities.SessionStateReconnecting)
		c.logger.Warn("Transport lost, redialing",
			zap.Duration("grace", c.cfg.ReconnectGrace))
		conn, err = c.redial(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", entities.ErrTransportLost, err)
		}
		c.transition(entities.SessionStateActive)
		c.metrics.RecordReconnect()
		c.logger.Info("Session resumed")
	}
}

// dial opens one websocket carrying the bearer token.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// redial retries the dial until it succeeds or the reconnect grace elapses.
// The server holds the session for the same window, so a success within it
// resumes where the old transport stopped.
func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	deadline := time.Now().Add(c.cfg.ReconnectGrace)
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("grace elapsed: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redialInterval):
		}
	}
}

// runTransport runs the read and write pumps for one connection and returns
// once the transport is finished: nil for a deliberate stop, errPeerFailed
// when the server killed the session, any other error for transport loss.
func (c *Client) runTransport(ctx context.Context, conn *websocket.Conn) error {
	writerGone := make(chan struct{})
	go c.writePump(ctx, conn, writerGone)

	err := c.readPump(conn)

	conn.Close()
	<-writerGone
	return err
}

// readPump routes inbound frames until the transport ends.
func (c *Client) readPump(conn *websocket.Conn) error {
	readWait := 3 * c.cfg.Heartbeat
	conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		if messageType != websocket.BinaryMessage {
			c.logger.Warn("Ignoring non-binary message from server")
			continue
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			// A server speaking garbage is not worth redialing.
			c.logger.Error("Malformed frame from server", zap.Error(err))
			return fmt.Errorf("%w: %v", errPeerFailed, err)
		}
		if frame.Session != c.cfg.SessionID {
			c.logger.Warn("Frame addressed to another session",
				zap.String("frameSession", frame.Session.String()))
			continue
		}
		c.metrics.RecordFrameReceived(frame.Kind.String())

		done, err := c.route(frame)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// route handles one server frame. It reports done once the server echoes the
// drain, meaning nothing more will arrive.
func (c *Client) route(frame protocol.Frame) (bool, error) {
	switch frame.Kind {
	case protocol.KindTranscriptReady:
		c.logger.Info("Transcript",
			zap.Uint64("utteranceID", uint64(frame.Utterance)),
			zap.String("text", frame.Text))
		if c.cfg.OnTranscript != nil {
			c.cfg.OnTranscript(frame.Utterance, frame.Text)
		}
	case protocol.KindAudioReady:
		c.buffer.PutAudio(frame.Utterance, frame.Audio, frame.SampleRate)
	case protocol.KindError:
		if frame.Utterance == 0 {
			c.logger.Error("Session failed",
				zap.String("kind", frame.ErrorKind.String()))
			return false, fmt.Errorf("%w: %s", errPeerFailed, frame.ErrorKind)
		}
		c.logger.Warn("Utterance failed",
			zap.Uint64("utteranceID", uint64(frame.Utterance)),
			zap.String("kind", frame.ErrorKind.String()))
		c.buffer.PutError(frame.Utterance)
	case protocol.KindHeartbeat:
		// Already refreshed the read deadline.
	case protocol.KindDrain:
		close(c.finished)
		return true, nil
	default:
		c.logger.Warn("Unexpected frame from server",
			zap.String("kind", frame.Kind.String()))
	}
	return false, nil
}

// writePump drains the outbox onto the connection, resending at most one
// frame stranded by the previous transport, and heartbeats while idle.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, gone chan struct{}) {
	defer close(gone)

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	lastWrite := time.Now()

	if frame, ok := c.takePending(); ok {
		if !c.writeFrame(conn, frame) {
			return
		}
		lastWrite = time.Now()
	}

	for {
		select {
		case frame := <-c.outbox:
			if !c.writeFrame(conn, frame) {
				return
			}
			lastWrite = time.Now()

		case <-ticker.C:
			if time.Since(lastWrite) < c.cfg.Heartbeat {
				continue
			}
			if !c.writeFrame(conn, protocol.Heartbeat(c.cfg.SessionID)) {
				return
			}
			lastWrite = time.Now()

		case <-ctx.Done():
			conn.Close()
			return
		case <-c.finished:
			return
		}
	}
}

// writeFrame writes one frame, stashing it for retransmission and closing the
// transport on failure.
func (c *Client) writeFrame(conn *websocket.Conn, frame protocol.Frame) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame)); err != nil {
		c.logger.Warn("Transport write failed",
			zap.String("kind", frame.Kind.String()),
			zap.Error(err))
		if frame.Kind != protocol.KindHeartbeat {
			c.stashPending(frame)
		}
		conn.Close()
		return false
	}
	c.metrics.RecordFrameSent(frame.Kind.String())
	return true
}

func (c *Client) stashPending(frame protocol.Frame) {
	c.mu.Lock()
	c.pending = &frame
	c.mu.Unlock()
}

func (c *Client) takePending() (protocol.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return protocol.Frame{}, false
	}
	frame := *c.pending
	c.pending = nil
	return frame, true
}

// transition moves the session state machine, tolerating races with terminal
// states.
func (c *Client) transition(to entities.SessionState) {
	if err := c.entity.Transition(to); err != nil {
		c.logger.Debug("State transition rejected", zap.Error(err))
	}
}
