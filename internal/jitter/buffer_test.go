package jitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
)

func testBuffer(t *testing.T, mutate func(*Config)) *Buffer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Starvation = 40 * time.Millisecond
	cfg.SilenceBeat = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := NewBuffer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	return b
}

func nextItem(t *testing.T, b *Buffer) Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return item
}

func TestBufferInOrderRelease(t *testing.T) {
	b := testBuffer(t, nil)

	// Results arrive out of order; playback must not.
	b.PutAudio(2, []byte{2}, 16000)
	b.PutAudio(3, []byte{3}, 16000)
	b.PutAudio(1, []byte{1}, 16000)

	for want := entities.UtteranceID(1); want <= 3; want++ {
		item := nextItem(t, b)
		if item.Kind != ItemAudio {
			t.Fatalf("Expected audio item for %d, got kind %d", want, item.Kind)
		}
		if item.Utterance != want {
			t.Errorf("Expected utterance %d, got %d", want, item.Utterance)
		}
		if len(item.PCM) != 1 || item.PCM[0] != byte(want) {
			t.Errorf("Expected payload [%d], got %v", want, item.PCM)
		}
	}
}

func TestBufferHoldsOutOfOrderResult(t *testing.T) {
	b := testBuffer(t, nil)
	b.PutAudio(2, []byte{2}, 16000)

	// Utterance 1 has not arrived: the watchdog bridges with silence
	// rather than playing 2 early.
	item := nextItem(t, b)
	if item.Kind != ItemSilence {
		t.Fatalf("Expected silence while waiting for utterance 1, got kind %d", item.Kind)
	}
	if len(item.PCM) == 0 {
		t.Error("Expected starvation filler to carry silent PCM")
	}

	b.PutAudio(1, []byte{1}, 16000)
	if item := nextItem(t, b); item.Utterance != 1 {
		t.Errorf("Expected utterance 1 after it arrives, got %d", item.Utterance)
	}
	if item := nextItem(t, b); item.Utterance != 2 {
		t.Errorf("Expected utterance 2 after 1, got %d", item.Utterance)
	}
}

func TestBufferSkipsFailedSlot(t *testing.T) {
	b := testBuffer(t, nil)
	b.PutError(1)
	b.PutAudio(2, []byte{2}, 16000)

	item := nextItem(t, b)
	if item.Kind != ItemSkip || item.Utterance != 1 {
		t.Fatalf("Expected skip beat for utterance 1, got kind %d utterance %d", item.Kind, item.Utterance)
	}
	if len(item.PCM) == 0 {
		t.Error("Expected skip beat to carry silent PCM")
	}

	item = nextItem(t, b)
	if item.Kind != ItemAudio || item.Utterance != 2 {
		t.Errorf("Expected utterance 2 after the skip, got kind %d utterance %d", item.Kind, item.Utterance)
	}
}

func TestBufferPrimesBeforeFirstRelease(t *testing.T) {
	b := testBuffer(t, func(c *Config) { c.MinUtterances = 2 })
	b.PutAudio(1, []byte{1}, 16000)

	// Occupancy 1 of 2: not primed yet, watchdog fills with silence.
	if item := nextItem(t, b); item.Kind != ItemSilence {
		t.Fatalf("Expected silence before priming, got kind %d", item.Kind)
	}

	b.PutAudio(2, []byte{2}, 16000)
	if item := nextItem(t, b); item.Kind != ItemAudio || item.Utterance != 1 {
		t.Fatalf("Expected utterance 1 once primed, got kind %d utterance %d", item.Kind, item.Utterance)
	}

	// Priming applies only to the first release.
	if item := nextItem(t, b); item.Kind != ItemAudio || item.Utterance != 2 {
		t.Errorf("Expected utterance 2 without re-priming, got kind %d utterance %d", item.Kind, item.Utterance)
	}
}

func TestBufferStarvationTiming(t *testing.T) {
	b := testBuffer(t, nil)

	start := time.Now()
	item := nextItem(t, b)
	waited := time.Since(start)

	if item.Kind != ItemSilence {
		t.Fatalf("Expected silence from empty buffer, got kind %d", item.Kind)
	}
	if waited < 30*time.Millisecond {
		t.Errorf("Expected watchdog to wait near 40ms, returned after %v", waited)
	}
	wantBytes := entities.DefaultFormat().ChunkBytes(50 * time.Millisecond)
	if len(item.PCM) != wantBytes {
		t.Errorf("Expected %d bytes of silence, got %d", wantBytes, len(item.PCM))
	}
}

func TestBufferDropsLateResult(t *testing.T) {
	b := testBuffer(t, nil)
	b.PutAudio(1, []byte{1}, 16000)
	nextItem(t, b)

	b.PutAudio(1, []byte{9}, 16000)
	if b.Len() != 0 {
		t.Errorf("Expected late result for played slot to be dropped, occupancy %d", b.Len())
	}
	if b.NextExpected() != 2 {
		t.Errorf("Expected next expected 2, got %d", b.NextExpected())
	}
}

func TestBufferCloseDrains(t *testing.T) {
	b := testBuffer(t, func(c *Config) { c.MinUtterances = 3 })
	b.PutAudio(1, []byte{1}, 16000)
	b.PutAudio(2, []byte{2}, 16000)
	b.Close()

	// Close releases what is buffered even below the priming occupancy.
	if item := nextItem(t, b); item.Utterance != 1 {
		t.Errorf("Expected utterance 1 on drain, got %d", item.Utterance)
	}
	if item := nextItem(t, b); item.Utterance != 2 {
		t.Errorf("Expected utterance 2 on drain, got %d", item.Utterance)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after drain, got %v", err)
	}

	b.PutAudio(3, []byte{3}, 16000)
	if b.Len() != 0 {
		t.Error("Expected results after close to be dropped")
	}
}

func TestBufferContextCancel(t *testing.T) {
	b := testBuffer(t, func(c *Config) { c.Starvation = 5 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := b.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context cancellation, got %v", err)
	}
}
