package repositories

import "context"

// Translator abstracts text translation providers
type Translator interface {
	// Translate converts text between the configured language pair.
	Translate(ctx context.Context, text string) (string, error)
}

// TranslatorFunc adapts a function to the Translator interface
type TranslatorFunc func(ctx context.Context, text string) (string, error)

func (f TranslatorFunc) Translate(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}
