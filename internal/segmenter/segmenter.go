// Package segmenter turns a continuous PCM capture stream into discrete
// utterances using short-term energy endpointing. All decisions are driven
// by sample positions rather than wall-clock time, so the same input always
// produces the same boundaries.
package segmenter

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
)

const (
	bytesPerSample  = 2
	maxPCMAmplitude = 32768.0
)

// Params tunes endpointing.
type Params struct {
	// EnergyThreshold is the normalized RMS (0..1) above which a chunk
	// counts as speech.
	EnergyThreshold float64
	// StartHold is how long energy must persist before a start boundary is
	// confirmed; it debounces transient noise. The confirmed boundary is
	// backdated by the same amount so the first phoneme is not clipped.
	StartHold time.Duration
	// EndSilence closes the utterance after this much continuous silence.
	EndSilence time.Duration
	// MaxUtterance force-seals an utterance that never goes silent, so a
	// stuck-open mic cannot buffer unboundedly.
	MaxUtterance time.Duration
}

// DefaultParams returns the endpointing defaults used by the relay.
func DefaultParams() Params {
	return Params{
		EnergyThreshold: 0.015,
		StartHold:       100 * time.Millisecond,
		EndSilence:      600 * time.Millisecond,
		MaxUtterance:    15 * time.Second,
	}
}

// Validate validates the parameters.
func (p Params) Validate() error {
	if p.EnergyThreshold <= 0 || p.EnergyThreshold >= 1 {
		return errors.New("energy threshold must be in (0, 1)")
	}
	if p.StartHold <= 0 {
		return errors.New("start hold must be positive")
	}
	if p.EndSilence <= 0 {
		return errors.New("end silence must be positive")
	}
	if p.MaxUtterance <= p.EndSilence {
		return errors.New("max utterance must exceed end silence")
	}
	return nil
}

// Sink receives segmentation output in order: a start boundary, the chunks
// of that utterance as they arrive, then the end boundary.
type Sink interface {
	OnBoundary(b entities.BoundaryType, id entities.UtteranceID, sample uint64)
	OnChunk(id entities.UtteranceID, chunk entities.AudioChunk)
}

type state uint8

const (
	stateQuiet state = iota
	stateStarting
	stateSpeaking
	stateStopping
)

// bufferedChunk is a lead-in candidate held while no utterance is open.
type bufferedChunk struct {
	start uint64
	chunk entities.AudioChunk
}

// Segmenter detects utterance boundaries in a chunked PCM stream. It is
// owned by a single capture goroutine and is not safe for concurrent use.
type Segmenter struct {
	params Params
	format entities.AudioFormat
	sink   Sink
	logger *zap.Logger

	holdSamples    uint64
	silenceSamples uint64
	maxSamples     uint64

	state        state
	position     uint64 // absolute sample position of the next chunk
	runStart     uint64 // first sample of the current speech run
	silenceStart uint64 // first sample of the current silence run
	lastEnd      uint64 // sample position of the previous end boundary

	nextID    entities.UtteranceID
	openID    entities.UtteranceID
	openStart uint64

	preroll []bufferedChunk
}

// New creates a segmenter for 16-bit little-endian PCM in the given format.
func New(format entities.AudioFormat, params Params, sink Sink, logger *zap.Logger) (*Segmenter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{
		params:         params,
		format:         format,
		sink:           sink,
		logger:         logger,
		holdSamples:    durationSamples(params.StartHold, format.SampleRate),
		silenceSamples: durationSamples(params.EndSilence, format.SampleRate),
		maxSamples:     durationSamples(params.MaxUtterance, format.SampleRate),
		nextID:         1,
	}, nil
}

func durationSamples(d time.Duration, rate int) uint64 {
	return uint64(d * time.Duration(rate) / time.Second)
}

// Process consumes one capture chunk and advances the endpointing state
// machine. Chunks outside an open utterance are held only as lead-in
// candidates and are otherwise discarded.
func (s *Segmenter) Process(chunk entities.AudioChunk) {
	chunkSamples := s.samples(chunk)
	start := s.position
	end := start + chunkSamples
	speech := s.rms(chunk.PCM) >= s.params.EnergyThreshold

	switch s.state {
	case stateQuiet:
		s.buffer(chunk)
		if speech {
			s.state = stateStarting
			s.runStart = start
			s.maybeConfirmStart(end)
		}
	case stateStarting:
		s.buffer(chunk)
		if !speech {
			s.state = stateQuiet
		} else {
			s.maybeConfirmStart(end)
		}
	case stateSpeaking:
		s.sink.OnChunk(s.openID, chunk)
		if !speech {
			s.state = stateStopping
			s.silenceStart = start
		}
		s.maybeSealOnCap(end)
	case stateStopping:
		s.sink.OnChunk(s.openID, chunk)
		if speech {
			s.state = stateSpeaking
		} else if end-s.silenceStart >= s.silenceSamples {
			s.seal(s.silenceStart + s.silenceSamples)
		} else {
			s.maybeSealOnCap(end)
		}
	}

	s.position = end
}

// Flush seals any open utterance at the current stream position. Call it at
// end of capture so trailing speech is not lost.
func (s *Segmenter) Flush() {
	if s.state == stateSpeaking || s.state == stateStopping {
		s.seal(s.position)
	}
	s.state = stateQuiet
	s.preroll = nil
}

// Reset prepares the segmenter for a new capture segment: positions restart
// at zero. The utterance id counter is preserved, ids are never reused
// within a session.
func (s *Segmenter) Reset() {
	s.Flush()
	s.position = 0
	s.runStart = 0
	s.silenceStart = 0
	s.lastEnd = 0
}

// maybeConfirmStart opens the utterance once the speech run has lasted the
// hold window. The boundary is backdated one hold window before the run so
// the utterance keeps its lead-in, then buffered chunks are replayed.
func (s *Segmenter) maybeConfirmStart(end uint64) {
	if end-s.runStart < s.holdSamples {
		return
	}
	boundary := s.runStart
	if boundary >= s.holdSamples {
		boundary -= s.holdSamples
	} else {
		boundary = 0
	}
	if boundary < s.lastEnd {
		boundary = s.lastEnd
	}

	s.openID = s.nextID
	s.nextID++
	s.openStart = boundary
	s.state = stateSpeaking

	s.sink.OnBoundary(entities.BoundaryStart, s.openID, boundary)
	for _, b := range s.preroll {
		if b.start+s.samples(b.chunk) > boundary {
			s.sink.OnChunk(s.openID, b.chunk)
		}
	}
	s.preroll = nil

	s.logger.Debug("utterance opened",
		zap.Uint64("utterance_id", uint64(s.openID)),
		zap.Uint64("boundary_sample", boundary),
	)
}

// maybeSealOnCap force-seals the utterance at the duration safety cap.
func (s *Segmenter) maybeSealOnCap(end uint64) {
	if s.state != stateSpeaking && s.state != stateStopping {
		return
	}
	if end-s.openStart >= s.maxSamples {
		s.seal(end)
	}
}

func (s *Segmenter) seal(boundary uint64) {
	s.sink.OnBoundary(entities.BoundaryEnd, s.openID, boundary)
	s.logger.Debug("utterance sealed",
		zap.Uint64("utterance_id", uint64(s.openID)),
		zap.Uint64("boundary_sample", boundary),
	)
	s.lastEnd = boundary
	s.openID = 0
	s.state = stateQuiet
}

// buffer keeps recent quiet chunks as lead-in candidates, trimmed so only
// one hold window before the current speech run survives.
func (s *Segmenter) buffer(chunk entities.AudioChunk) {
	s.preroll = append(s.preroll, bufferedChunk{start: s.position, chunk: chunk})

	keepFrom := s.position
	if s.state == stateStarting {
		keepFrom = s.runStart
	}
	if keepFrom >= s.holdSamples {
		keepFrom -= s.holdSamples
	} else {
		keepFrom = 0
	}

	drop := 0
	for _, b := range s.preroll {
		if b.start+s.samples(b.chunk) > keepFrom {
			break
		}
		drop++
	}
	if drop > 0 {
		s.preroll = s.preroll[drop:]
	}
}

func (s *Segmenter) samples(chunk entities.AudioChunk) uint64 {
	return uint64(len(chunk.PCM) / (bytesPerSample * s.format.Channels))
}

// rms computes the normalized root mean square of 16-bit little-endian PCM.
func (s *Segmenter) rms(pcm []byte) float64 {
	numSamples := len(pcm) / bytesPerSample
	if numSamples == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
		normalized := float64(sample) / maxPCMAmplitude
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(numSamples))
}
