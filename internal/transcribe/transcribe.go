// Package transcribe calls the external speech-to-text capability.
package transcribe

import "context"

// Result is one finished transcription.
type Result struct {
	Text       string
	Confidence float64
	Language   string
}

// Request carries one utterance's audio and its correlation id for
// end-to-end tracing.
type Request struct {
	PCM           []int16
	SampleRate    int
	CorrelationID string
}

// Transcriber converts one utterance of PCM audio to text. Calls are
// expected to be slow and rate-variable; callers bound them with ctx.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}
