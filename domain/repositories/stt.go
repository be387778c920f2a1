package repositories

import (
	"context"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
)

// Transcriber abstracts speech recognition services
type Transcriber interface {
	// Transcribe converts one sealed utterance of PCM audio to text.
	// Implementations that recognize and translate in a single call return
	// target-language text directly; others return source-language text and
	// rely on a Translator downstream.
	Transcribe(ctx context.Context, pcm []byte, format entities.AudioFormat) (Transcription, error)
}

// Transcription represents the recognition result for one utterance
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	// Translated reports whether Text is already in the target language.
	Translated bool `json:"translated"`
}
