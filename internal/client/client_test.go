package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/jitter"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/protocol"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/segmenter"
	relay "github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/websocket"
)

// relayTranscriber tags its text with the first PCM byte so tests can tell
// utterances apart end to end.
type relayTranscriber struct {
	delay   time.Duration
	failTag byte
	started chan struct{}
}

func (r *relayTranscriber) Transcribe(ctx context.Context, pcm []byte, format entities.AudioFormat) (repositories.Transcription, error) {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return repositories.Transcription{}, ctx.Err()
		}
	}
	if len(pcm) == 0 {
		return repositories.Transcription{}, errors.New("no audio to recognize")
	}
	if r.failTag != 0 && pcm[0] == r.failTag {
		return repositories.Transcription{}, errors.New("recognizer rejected audio")
	}
	return repositories.Transcription{
		Text:       fmt.Sprintf("text-%d", pcm[0]),
		Confidence: 0.9,
		Translated: true,
	}, nil
}

// relaySynthesizer renders 640 bytes filled with the last character of the
// text, so "text-1" becomes a run of '1' bytes in the playback sink.
type relaySynthesizer struct{}

func (r *relaySynthesizer) Synthesize(ctx context.Context, text string) (repositories.SynthesizedAudio, error) {
	fill := byte('?')
	if len(text) > 0 {
		fill = text[len(text)-1]
	}
	return repositories.SynthesizedAudio{
		PCM:        bytes.Repeat([]byte{fill}, 640),
		SampleRate: 16000,
	}, nil
}

type memorySource struct {
	format entities.AudioFormat
	chunks chan []byte
	buf    []byte
}

func (s *memorySource) Format() entities.AudioFormat { return s.format }

func (s *memorySource) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		chunk, ok := <-s.chunks
		if !ok {
			return 0, io.EOF
		}
		s.buf = chunk
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *memorySource) Close() error { return nil }

type memorySink struct {
	format entities.AudioFormat
	mu     sync.Mutex
	data   []byte
}

func (s *memorySink) Format() entities.AudioFormat { return s.format }

func (s *memorySink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, pcm...)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

type transcriptLog struct {
	mu    sync.Mutex
	texts []string
}

func (l *transcriptLog) add(_ entities.UtteranceID, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, text)
}

func (l *transcriptLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.texts...)
}

type relayHarness struct {
	hub   *relay.Hub
	wsURL string
	host  string
}

// startRelay runs a real hub behind an echo route that reads the session id
// from the bearer token, the same shape the production handler uses.
func startRelay(t *testing.T, mutate func(*relay.HubConfig)) *relayHarness {
	t.Helper()

	cfg := relay.HubConfig{
		Transcriber:    &relayTranscriber{},
		Synthesizer:    &relaySynthesizer{},
		Format:         entities.DefaultFormat(),
		StageTimeout:   2 * time.Second,
		QueueBound:     8,
		Heartbeat:      200 * time.Millisecond,
		ReconnectGrace: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	hub, err := relay.NewHub(cfg, zap.NewNop(), metrics.New())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		raw := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		id, err := uuid.Parse(raw)
		if err != nil {
			return err
		}
		return relay.HandleSession(hub, c, id)
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return &relayHarness{
		hub:   hub,
		wsURL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		host:  strings.TrimPrefix(server.URL, "http://"),
	}
}

// flakyProxy forwards TCP to the relay and can sever every live connection,
// simulating transport loss without touching either endpoint.
type flakyProxy struct {
	ln     net.Listener
	target string
	mu     sync.Mutex
	live   []net.Conn
}

func startProxy(t *testing.T, target string) *flakyProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Expected listener, got %v", err)
	}
	p := &flakyProxy{ln: ln, target: target}
	go p.accept()
	t.Cleanup(func() {
		ln.Close()
		p.drop()
	})
	return p
}

func (p *flakyProxy) accept() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		up, err := net.Dial("tcp", p.target)
		if err != nil {
			conn.Close()
			continue
		}
		p.mu.Lock()
		p.live = append(p.live, conn, up)
		p.mu.Unlock()
		go func() {
			io.Copy(up, conn)
			up.Close()
		}()
		go func() {
			io.Copy(conn, up)
			conn.Close()
		}()
	}
}

func (p *flakyProxy) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.live {
		c.Close()
	}
	p.live = nil
}

func (p *flakyProxy) url() string {
	return "ws://" + p.ln.Addr().String() + "/ws"
}

type clientHarness struct {
	client      *Client
	source      *memorySource
	sink        *memorySink
	metrics     *metrics.Metrics
	transcripts *transcriptLog
	runErr      chan error
}

func testClientConfig(url string) (Config, *memorySource, *memorySink, *transcriptLog, *metrics.Metrics) {
	id := uuid.New()
	source := &memorySource{format: entities.DefaultFormat(), chunks: make(chan []byte, 64)}
	sink := &memorySink{format: entities.DefaultFormat()}
	log := &transcriptLog{}
	m := metrics.New()
	cfg := Config{
		URL:           url,
		Token:         id.String(),
		SessionID:     id,
		Source:        source,
		Sink:          sink,
		Format:        entities.DefaultFormat(),
		ChunkDuration: 20 * time.Millisecond,
		Endpointing: segmenter.Params{
			EnergyThreshold: 0.015,
			StartHold:       40 * time.Millisecond,
			EndSilence:      80 * time.Millisecond,
			MaxUtterance:    2 * time.Second,
		},
		Playback: jitter.Config{
			MinUtterances: 1,
			// Generous so tests never see starvation filler.
			Starvation:  5 * time.Second,
			SilenceBeat: 50 * time.Millisecond,
			Format:      entities.DefaultFormat(),
		},
		Heartbeat:      200 * time.Millisecond,
		ReconnectGrace: 2 * time.Second,
		OnTranscript:   log.add,
		Logger:         zap.NewNop(),
		Metrics:        m,
	}
	return cfg, source, sink, log, m
}

func startClient(t *testing.T, url string, mutate func(*Config)) *clientHarness {
	t.Helper()

	cfg, source, sink, log, m := testClientConfig(url)
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	return &clientHarness{
		client:      c,
		source:      source,
		sink:        sink,
		metrics:     m,
		transcripts: log,
		runErr:      runErr,
	}
}

// newIdleClient builds a client that is never run, for exercising frame
// routing and queue policy directly.
func newIdleClient(t *testing.T) *Client {
	t.Helper()
	cfg, _, _, _, _ := testClientConfig("ws://127.0.0.1:1/ws")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	return c
}

// tonePCM builds PCM holding one sample value. The low byte of the value is
// the tag the scripted transcriber reads back out.
func tonePCM(sample int16, d time.Duration) []byte {
	format := entities.DefaultFormat()
	pcm := make([]byte, format.ChunkBytes(d))
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(sample))
	}
	return pcm
}

func silencePCM(d time.Duration) []byte {
	return make([]byte, entities.DefaultFormat().ChunkBytes(d))
}

// speak feeds one utterance: a loud tone tagged with the low byte of sample,
// then enough silence to close it.
func (h *clientHarness) speak(tag byte, speech time.Duration) {
	h.source.chunks <- tonePCM(0x2000|int16(tag), speech)
	h.source.chunks <- silencePCM(400 * time.Millisecond)
}

// finish ends the capture source and waits for the drain handshake.
func (h *clientHarness) finish(t *testing.T) error {
	t.Helper()
	close(h.source.chunks)
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Expected session to drain, still running")
		return nil
	}
}

func TestClientRelaysSpeechEndToEnd(t *testing.T) {
	relayH := startRelay(t, nil)
	h := startClient(t, relayH.wsURL, nil)

	h.speak(1, 200*time.Millisecond)
	if err := h.finish(t); err != nil {
		t.Fatalf("Expected clean drain, got %v", err)
	}

	texts := h.transcripts.list()
	if len(texts) != 1 || texts[0] != "text-1" {
		t.Errorf("Expected transcripts [text-1], got %v", texts)
	}
	want := bytes.Repeat([]byte{'1'}, 640)
	if got := h.sink.bytes(); !bytes.Equal(got, want) {
		t.Errorf("Expected 640 bytes of '1' in sink, got %d bytes", len(got))
	}
}

func TestClientPlaysUtterancesInOrder(t *testing.T) {
	relayH := startRelay(t, nil)
	h := startClient(t, relayH.wsURL, nil)

	h.speak(1, 200*time.Millisecond)
	h.speak(2, 200*time.Millisecond)
	if err := h.finish(t); err != nil {
		t.Fatalf("Expected clean drain, got %v", err)
	}

	texts := h.transcripts.list()
	if len(texts) != 2 || texts[0] != "text-1" || texts[1] != "text-2" {
		t.Errorf("Expected transcripts [text-1 text-2], got %v", texts)
	}
	want := append(bytes.Repeat([]byte{'1'}, 640), bytes.Repeat([]byte{'2'}, 640)...)
	if got := h.sink.bytes(); !bytes.Equal(got, want) {
		t.Errorf("Expected utterance 1 audio then utterance 2 audio, got %d bytes", len(got))
	}
}

func TestClientSkipsFailedUtterance(t *testing.T) {
	relayH := startRelay(t, func(cfg *relay.HubConfig) {
		cfg.Transcriber = &relayTranscriber{failTag: 1}
	})
	h := startClient(t, relayH.wsURL, nil)

	h.speak(1, 200*time.Millisecond)
	h.speak(2, 200*time.Millisecond)
	if err := h.finish(t); err != nil {
		t.Fatalf("Expected clean drain, got %v", err)
	}

	texts := h.transcripts.list()
	if len(texts) != 1 || texts[0] != "text-2" {
		t.Errorf("Expected transcripts [text-2], got %v", texts)
	}
	// The failed slot plays one silence beat so utterance 2 is not delayed
	// behind a hole.
	want := append(silencePCM(50*time.Millisecond), bytes.Repeat([]byte{'2'}, 640)...)
	if got := h.sink.bytes(); !bytes.Equal(got, want) {
		t.Errorf("Expected skip silence then utterance 2 audio, got %d bytes", len(got))
	}
	if got := testutil.ToFloat64(h.metrics.PlaybackSkips); got != 1 {
		t.Errorf("Expected 1 playback skip, got %v", got)
	}
}

func TestClientReconnectsAndKeepsResults(t *testing.T) {
	started := make(chan struct{}, 4)
	relayH := startRelay(t, func(cfg *relay.HubConfig) {
		cfg.Transcriber = &relayTranscriber{delay: 300 * time.Millisecond, started: started}
	})
	proxy := startProxy(t, relayH.host)
	h := startClient(t, proxy.url(), nil)

	h.speak(1, 200*time.Millisecond)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected transcription to start")
	}

	// Sever the transport while utterance 1 is still in the pipeline. The
	// client must redial and the server must deliver on the new link.
	proxy.drop()

	h.speak(2, 200*time.Millisecond)
	if err := h.finish(t); err != nil {
		t.Fatalf("Expected clean drain after reconnect, got %v", err)
	}

	texts := h.transcripts.list()
	if len(texts) != 2 || texts[0] != "text-1" || texts[1] != "text-2" {
		t.Errorf("Expected transcripts [text-1 text-2], got %v", texts)
	}
	want := append(bytes.Repeat([]byte{'1'}, 640), bytes.Repeat([]byte{'2'}, 640)...)
	if got := h.sink.bytes(); !bytes.Equal(got, want) {
		t.Errorf("Expected both utterances in order, got %d bytes", len(got))
	}
	if got := testutil.ToFloat64(h.metrics.Reconnects); got != 1 {
		t.Errorf("Expected 1 reconnect, got %v", got)
	}
}

func TestClientDrainRequestStopsSession(t *testing.T) {
	relayH := startRelay(t, nil)
	h := startClient(t, relayH.wsURL, nil)

	h.speak(1, 200*time.Millisecond)
	h.client.Drain()
	// One more chunk wakes the capture loop so it notices the request.
	h.source.chunks <- silencePCM(20 * time.Millisecond)

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Expected clean drain, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Expected session to drain, still running")
	}

	texts := h.transcripts.list()
	if len(texts) != 1 || texts[0] != "text-1" {
		t.Errorf("Expected transcripts [text-1], got %v", texts)
	}
}

func TestClientRoutesServerFrames(t *testing.T) {
	c := newIdleClient(t)
	id := c.cfg.SessionID

	done, err := c.route(protocol.AudioReady(id, 1, 16000, 40, make([]byte, 64)))
	if done || err != nil {
		t.Fatalf("Expected audio frame to be buffered, got done=%v err=%v", done, err)
	}
	if got := c.buffer.Len(); got != 1 {
		t.Errorf("Expected 1 buffered utterance, got %d", got)
	}

	done, err = c.route(protocol.ErrorFrame(id, 2, entities.ErrorKindStageTimeout))
	if done || err != nil {
		t.Fatalf("Expected utterance error to be non-fatal, got done=%v err=%v", done, err)
	}
	if got := c.buffer.Len(); got != 2 {
		t.Errorf("Expected failed slot to be buffered, got %d", got)
	}

	done, err = c.route(protocol.ErrorFrame(id, 0, entities.ErrorKindMalformedFrame))
	if done {
		t.Error("Expected session error to leave the read loop via error")
	}
	if !errors.Is(err, errPeerFailed) {
		t.Errorf("Expected peer failure, got %v", err)
	}

	done, err = c.route(protocol.Drain(id))
	if !done || err != nil {
		t.Fatalf("Expected drain echo to finish the session, got done=%v err=%v", done, err)
	}
	select {
	case <-c.finished:
	default:
		t.Error("Expected finished to be closed after drain echo")
	}
}

func TestClientOutboxPrefersControlFrames(t *testing.T) {
	c := newIdleClient(t)

	for i := 0; i < outboxSize; i++ {
		c.seq++
		c.enqueueChunk(protocol.AudioData(c.cfg.SessionID, c.seq, make([]byte, 4)))
	}
	if got := len(c.outbox); got != outboxSize-controlHeadroom {
		t.Errorf("Expected outbox capped at %d, got %d", outboxSize-controlHeadroom, got)
	}
	if c.seq != outboxSize {
		t.Errorf("Expected sequence to advance past drops, got %d", c.seq)
	}

	c.enqueueControl(protocol.Boundary(c.cfg.SessionID, entities.BoundaryEnd, 1))
	if got := len(c.outbox); got != outboxSize-controlHeadroom+1 {
		t.Errorf("Expected boundary to use reserved headroom, got queue length %d", got)
	}
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"missing token", func(c *Config) { c.Token = "" }},
		{"missing session id", func(c *Config) { c.SessionID = uuid.Nil }},
		{"missing source", func(c *Config) { c.Source = nil }},
		{"missing sink", func(c *Config) { c.Sink = nil }},
		{"chunk too small", func(c *Config) { c.ChunkDuration = 5 * time.Millisecond }},
		{"chunk too large", func(c *Config) { c.ChunkDuration = time.Second }},
		{"zero heartbeat", func(c *Config) { c.Heartbeat = 0 }},
		{"zero grace", func(c *Config) { c.ReconnectGrace = 0 }},
		{"stereo sink", func(c *Config) {
			c.Sink = &memorySink{format: entities.AudioFormat{SampleRate: 16000, Channels: 2}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, _, _, _ := testClientConfig("ws://127.0.0.1:1/ws")
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("Expected config to be rejected")
			}
		})
	}
}
