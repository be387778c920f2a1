package websocket

import (
	"time"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/protocol"
)

// outbound is one queued server-to-client frame. A frame marked last is the
// final word on this transport: the write pump flushes it, sends a close
// message, and shuts the session down with the given reason.
type outbound struct {
	frame  protocol.Frame
	last   bool
	reason string
}

// dispatch routes one inbound frame. Runs on the read pump only, so the
// assembler needs no locking.
func (s *relaySession) dispatch(frame protocol.Frame) {
	switch frame.Kind {
	case protocol.KindAudioData:
		s.assembler.OnAudioData(frame.Sequence, frame.Audio)
	case protocol.KindUtteranceBoundary:
		s.assembler.OnBoundary(frame.Boundary, frame.Utterance)
	case protocol.KindHeartbeat:
		// Nothing beyond the activity touch the read pump already did.
	case protocol.KindDrain:
		s.beginDrain()
	default:
		// TranscriptReady, AudioReady and Error only flow server to
		// client.
		s.logger.Warn("Unexpected inbound frame",
			zap.String("kind", frame.Kind.String()))
	}
}

// beginDrain starts the shutdown handshake: stop accepting utterances, let
// the pipeline flush, then watchDrain echoes the Drain frame and closes.
func (s *relaySession) beginDrain() {
	if err := s.entity.Transition(entities.SessionStateDraining); err != nil {
		s.logger.Warn("Drain ignored", zap.Error(err))
		return
	}
	s.logger.Info("Drain requested",
		zap.Int("pending", s.entity.PendingCount()))
	s.pipeline.Drain()
}

// failProtocol reacts to a corrupt or out-of-contract transmission. Frame
// corruption is session-fatal: the client is told once, then the session
// dies.
func (s *relaySession) failProtocol(err error) {
	s.hub.metrics.RecordMalformedFrame()
	s.logger.Warn("Malformed frame", zap.Error(err))
	s.enqueueFinal(protocol.ErrorFrame(s.entity.ID, 0, entities.ErrorKindMalformedFrame), "malformed frame")
}

// EmitTranscript implements usecase.Emitter.
func (s *relaySession) EmitTranscript(id entities.UtteranceID, text string) {
	s.enqueue(outbound{frame: protocol.TranscriptReady(s.entity.ID, id, text)})
}

// EmitAudio implements usecase.Emitter.
func (s *relaySession) EmitAudio(id entities.UtteranceID, pcm []byte, sampleRate int, duration time.Duration) {
	s.enqueue(outbound{frame: protocol.AudioReady(
		s.entity.ID, id, uint32(sampleRate), uint32(duration.Milliseconds()), pcm)})
}

// EmitError implements usecase.Emitter.
func (s *relaySession) EmitError(id entities.UtteranceID, kind entities.ErrorKind) {
	s.enqueue(outbound{frame: protocol.ErrorFrame(s.entity.ID, id, kind)})
}

// enqueue queues a frame for the write pump. A full queue with a live
// transport means the client has stopped reading; the transport is failed so
// the backlog is delivered after a redial. A full queue with no transport
// can only drop the frame.
func (s *relaySession) enqueue(out outbound) {
	select {
	case s.send <- out:
		return
	default:
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.logger.Warn("Send queue full with no transport, dropping frame",
			zap.String("kind", out.frame.Kind.String()))
		return
	}
	s.logger.Warn("Send queue full, failing transport",
		zap.String("kind", out.frame.Kind.String()))
	s.transportFailed(conn)

	select {
	case s.send <- out:
	default:
		s.logger.Warn("Frame dropped",
			zap.String("kind", out.frame.Kind.String()))
	}
}

// enqueueFinal queues the last frame this session will send and marks the
// session so the transport-failure path stands down while it flushes.
func (s *relaySession) enqueueFinal(frame protocol.Frame, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.fatal = true
	s.mu.Unlock()

	select {
	case s.send <- outbound{frame: frame, last: true, reason: reason}:
	default:
		// No room to say goodbye; just go.
		s.shutdown(reason)
	}
}

// stashPending saves a frame whose write failed mid-transport so the next
// transport retries it ahead of the queue.
func (s *relaySession) stashPending(out outbound) {
	s.mu.Lock()
	s.pending = &out
	s.mu.Unlock()
}

func (s *relaySession) takePending() (outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return outbound{}, false
	}
	out := *s.pending
	s.pending = nil
	return out, true
}
