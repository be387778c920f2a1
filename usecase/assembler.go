package usecase

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
)

// Assembler rebuilds utterances from the inbound frame stream. The client's
// segmenter owns boundary placement; the server only groups the chunks
// between a start and its matching end, then hands the sealed utterance to
// the pipeline.
//
// All methods run on the session's read pump. The assembler is not safe for
// concurrent use and never needs to be: per-session frames arrive in order
// on one connection at a time.
type Assembler struct {
	session  *entities.Session
	pipeline *Pipeline
	format   entities.AudioFormat
	logger   *zap.Logger
	metrics  *metrics.Metrics

	open     *entities.Utterance
	position uint64
}

// NewAssembler creates an assembler feeding the given pipeline.
func NewAssembler(session *entities.Session, pipeline *Pipeline, format entities.AudioFormat, logger *zap.Logger, m *metrics.Metrics) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Assembler{
		session:  session,
		pipeline: pipeline,
		format:   format,
		logger:   logger.With(zap.String("sessionID", session.ID.String())),
		metrics:  m,
	}
}

// OnAudioData ingests one capture chunk. Chunks outside an open utterance
// are pre-start silence and are dropped. Sequence gaps are reported and
// counted but never stall the stream; the skipped samples are simply gone.
func (a *Assembler) OnAudioData(sequence uint64, pcm []byte) {
	if err := a.session.CheckSequence(sequence); err != nil {
		var gap *entities.SequenceGapError
		if errors.As(err, &gap) {
			a.metrics.RecordSequenceGap(gap.Missing())
			a.logger.Warn("sequence gap in audio stream",
				zap.Uint64("expected", gap.Expected),
				zap.Uint64("got", gap.Got),
				zap.Uint64("missing", gap.Missing()))
		}
	}

	if a.open == nil {
		return
	}
	if err := a.open.Append(entities.AudioChunk{Sequence: sequence, PCM: pcm}); err != nil {
		a.logger.Warn("chunk dropped", zap.Error(err))
		return
	}
	a.position += uint64(len(pcm) / entities.BytesPerSample)
}

// OnBoundary handles a start or end boundary from the client's segmenter.
func (a *Assembler) OnBoundary(boundary entities.BoundaryType, id entities.UtteranceID) {
	switch boundary {
	case entities.BoundaryStart:
		a.onStart(id)
	case entities.BoundaryEnd:
		a.onEnd(id)
	}
}

func (a *Assembler) onStart(id entities.UtteranceID) {
	if a.open != nil {
		// The previous end boundary never arrived. Seal what we have so
		// that audio is not lost, then open the new utterance.
		a.logger.Warn("start boundary while utterance still open",
			zap.Uint64("openID", uint64(a.open.ID)),
			zap.Uint64("newID", uint64(id)))
		a.seal()
	}

	if !a.session.AcceptingUtterances() {
		a.logger.Warn("start boundary ignored, session not active",
			zap.Uint64("utteranceID", uint64(id)),
			zap.String("state", string(a.session.State())))
		return
	}
	if err := a.session.OpenUtterance(id); err != nil {
		a.logger.Warn("utterance rejected",
			zap.Uint64("utteranceID", uint64(id)),
			zap.Error(err))
		return
	}
	a.open = entities.NewUtterance(id, a.position)
}

func (a *Assembler) onEnd(id entities.UtteranceID) {
	if a.open == nil {
		a.logger.Warn("end boundary with no open utterance",
			zap.Uint64("utteranceID", uint64(id)))
		return
	}
	if a.open.ID != id {
		a.logger.Warn("end boundary id mismatch",
			zap.Uint64("openID", uint64(a.open.ID)),
			zap.Uint64("endID", uint64(id)))
		return
	}
	a.seal()
}

// seal closes the open utterance and submits it. Empty utterances (every
// chunk lost in transit) are submitted too: the transcription stage fails
// on them and the resulting Error frame releases the client's playback
// slot instead of stalling it.
func (a *Assembler) seal() {
	utterance := a.open
	a.open = nil

	if err := utterance.Seal(a.position); err != nil {
		a.logger.Error("seal failed", zap.Error(err))
		return
	}

	duration := utterance.Duration(a.format)
	a.metrics.RecordUtteranceSealed(duration.Seconds())
	a.logger.Debug("utterance sealed",
		zap.Uint64("utteranceID", uint64(utterance.ID)),
		zap.Int("chunks", len(utterance.Chunks)),
		zap.Duration("duration", duration))

	if err := a.pipeline.Submit(utterance); err != nil {
		// Submit already notified the client when the queue was full.
		a.logger.Warn("utterance not queued",
			zap.Uint64("utteranceID", uint64(utterance.ID)),
			zap.Error(err))
	}
}

// OpenUtteranceID returns the id of the utterance being assembled, or 0.
func (a *Assembler) OpenUtteranceID() entities.UtteranceID {
	if a.open == nil {
		return 0
	}
	return a.open.ID
}
