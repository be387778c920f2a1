// Package jitter implements the client playback buffer: synthesized
// utterances are released strictly in UtteranceID order, prebuffered to
// absorb network and pipeline jitter, with failed utterances skipped and
// starvation bridged by silence so the audio device is never blocked.
package jitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
)

// ErrClosed is returned by Next once the buffer is closed and drained.
var ErrClosed = errors.New("jitter buffer closed")

// Config tunes playback buffering.
type Config struct {
	// MinUtterances is the occupancy required before the first release;
	// one utterance of lookahead trades a small fixed latency for
	// continuity.
	MinUtterances int
	// Starvation is how long Next waits for the producer before emitting a
	// silence filler instead of blocking the device thread.
	Starvation time.Duration
	// SilenceBeat is the length of the silence played for a skipped or
	// starved slot.
	SilenceBeat time.Duration
	// Format is the playback PCM format used to size silence.
	Format entities.AudioFormat
}

// DefaultConfig returns the playback buffering defaults.
func DefaultConfig() Config {
	return Config{
		MinUtterances: 1,
		Starvation:    300 * time.Millisecond,
		SilenceBeat:   200 * time.Millisecond,
		Format:        entities.DefaultFormat(),
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MinUtterances < 1 {
		return errors.New("min utterances must be at least 1")
	}
	if c.Starvation <= 0 {
		return errors.New("starvation interval must be positive")
	}
	if c.SilenceBeat <= 0 {
		return errors.New("silence beat must be positive")
	}
	return c.Format.Validate()
}

// ItemKind tags what Next released.
type ItemKind uint8

const (
	// ItemAudio is a synthesized utterance ready for the device.
	ItemAudio ItemKind = iota
	// ItemSkip is the beat of silence standing in for a failed utterance.
	ItemSkip
	// ItemSilence is starvation filler while the producer lags.
	ItemSilence
)

// Item is one playback unit in strict UtteranceID order.
type Item struct {
	Kind       ItemKind
	Utterance  entities.UtteranceID
	PCM        []byte
	SampleRate uint32
}

type slot struct {
	pcm        []byte
	sampleRate uint32
	failed     bool
}

// Buffer reorders per-utterance results for gap-free playback. Producers
// (the transport read loop) and the single consumer (the playback loop) may
// run on different goroutines.
type Buffer struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	slots  map[entities.UtteranceID]slot
	next   entities.UtteranceID
	primed bool
	closed bool

	notify chan struct{}
}

// NewBuffer creates a playback buffer expecting UtteranceIDs from 1.
func NewBuffer(cfg Config, logger *zap.Logger) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		cfg:    cfg,
		logger: logger,
		slots:  make(map[entities.UtteranceID]slot),
		next:   1,
		notify: make(chan struct{}, 1),
	}, nil
}

// PutAudio stores a synthesized utterance. Results for slots already played
// are dropped: late audio is useless for real-time speech.
func (b *Buffer) PutAudio(id entities.UtteranceID, pcm []byte, sampleRate uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || id < b.next {
		b.logger.Debug("dropping late audio result", zap.Uint64("utterance_id", uint64(id)))
		return
	}
	b.slots[id] = slot{pcm: pcm, sampleRate: sampleRate}
	b.wake()
}

// PutError marks an utterance failed so its playback slot is skipped
// instead of stalling everything behind it.
func (b *Buffer) PutError(id entities.UtteranceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || id == 0 || id < b.next {
		return
	}
	b.slots[id] = slot{failed: true}
	b.wake()
}

// Next blocks until the next in-order item is releasable, the starvation
// watchdog fires (returning a silence filler), or ctx is done. After Close,
// remaining buffered items are still released before ErrClosed.
func (b *Buffer) Next(ctx context.Context) (Item, error) {
	timer := time.NewTimer(b.cfg.Starvation)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if item, ok := b.takeLocked(); ok {
			b.mu.Unlock()
			return item, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return Item{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-b.notify:
		case <-timer.C:
			b.logger.Debug("playback starved, emitting silence",
				zap.Uint64("waiting_for", uint64(b.NextExpected())))
			return b.silenceItem(ItemSilence, 0), nil
		}
	}
}

// takeLocked releases the next slot when ordering and priming allow it.
func (b *Buffer) takeLocked() (Item, bool) {
	s, ok := b.slots[b.next]
	if !ok {
		return Item{}, false
	}
	if !b.primed && !b.closed && len(b.slots) < b.cfg.MinUtterances {
		return Item{}, false
	}

	id := b.next
	delete(b.slots, id)
	b.next++
	b.primed = true

	if s.failed {
		return b.silenceItem(ItemSkip, id), true
	}
	return Item{Kind: ItemAudio, Utterance: id, PCM: s.pcm, SampleRate: s.sampleRate}, true
}

func (b *Buffer) silenceItem(kind ItemKind, id entities.UtteranceID) Item {
	return Item{
		Kind:       kind,
		Utterance:  id,
		PCM:        make([]byte, b.cfg.Format.ChunkBytes(b.cfg.SilenceBeat)),
		SampleRate: uint32(b.cfg.Format.SampleRate),
	}
}

// NextExpected returns the UtteranceID the consumer is waiting on.
func (b *Buffer) NextExpected() entities.UtteranceID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Len returns the current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// Close stops accepting results. Buffered items keep draining through Next
// until ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.wake()
}

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
