package speech

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
)

var (
	_ repositories.Transcriber = (*MockTranscriber)(nil)
	_ repositories.Synthesizer = (*MockSynthesizer)(nil)
)

func TestMockTranscriberIsDeterministic(t *testing.T) {
	m := NewMockTranscriber(zaptest.NewLogger(t))
	format := entities.DefaultFormat()
	pcm := make([]byte, format.BytesPerSecond()*2)

	first, err := m.Transcribe(context.Background(), pcm, format)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	second, err := m.Transcribe(context.Background(), pcm, format)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if first.Text != second.Text {
		t.Errorf("Expected deterministic text, got %q and %q", first.Text, second.Text)
	}
	if first.Translated {
		t.Error("Expected mock transcripts to need translation")
	}
}

func TestMockTranscriberRejectsEmptyAudio(t *testing.T) {
	m := NewMockTranscriber(zaptest.NewLogger(t))
	if _, err := m.Transcribe(context.Background(), nil, entities.DefaultFormat()); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestMockTranslatorTagsText(t *testing.T) {
	tr := NewMockTranslator("en")
	got, err := tr.Translate(context.Background(), "selamat pagi")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "[en] selamat pagi" {
		t.Errorf("Expected tagged text, got %q", got)
	}
	if _, err := tr.Translate(context.Background(), "  "); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestMockSynthesizerScalesWithText(t *testing.T) {
	m, err := NewMockSynthesizer(entities.DefaultFormat(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	short, err := m.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	long, err := m.Synthesize(context.Background(), strings.Repeat("hello ", 10))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(long.PCM) <= len(short.PCM) {
		t.Errorf("Expected longer text to yield more audio, got %d vs %d", len(long.PCM), len(short.PCM))
	}
	if short.SampleRate != 16000 {
		t.Errorf("Expected 16000 Hz output, got %d", short.SampleRate)
	}
	if bytes.Equal(short.PCM, make([]byte, len(short.PCM))) {
		t.Error("Expected audible tone, got silence")
	}
}

func TestMockSynthesizerRejectsEmptyText(t *testing.T) {
	m, err := NewMockSynthesizer(entities.DefaultFormat(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := m.Synthesize(context.Background(), " "); err == nil {
		t.Error("Expected error for empty text")
	}
}
