package repositories

import "context"

// Synthesizer abstracts speech synthesis services
type Synthesizer interface {
	// Synthesize renders text as 16-bit mono PCM and reports its sample
	// rate. The audio covers the full text; streaming providers are drained
	// before returning.
	Synthesize(ctx context.Context, text string) (SynthesizedAudio, error)
}

// SynthesizedAudio represents one rendered utterance
type SynthesizedAudio struct {
	PCM        []byte `json:"-"`
	SampleRate int    `json:"sample_rate"`
}
