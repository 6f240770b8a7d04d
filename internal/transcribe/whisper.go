package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relay-voice-lab/internal/audio"
	"github.com/relay-voice-lab/internal/config"
	"github.com/relay-voice-lab/internal/logging"
)

// WhisperClient posts WAV audio to a whisper-style HTTP endpoint. Server
// errors and transport failures are retried with exponential backoff;
// client errors are not.
type WhisperClient struct {
	endpoint   string // URL with task/language/beam_size query baked in
	maxRetries int
	httpClient *http.Client
}

// whisperResponse is the subset of the service's JSON reply we consume.
type whisperResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// NewWhisperClient builds a client from the transcription config. The
// optional language, translate and beam-size settings become query
// parameters on every request.
func NewWhisperClient(cfg config.TranscriptionConfig) (*WhisperClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse transcription url: %w", err)
	}
	q := u.Query()
	if cfg.Translate {
		q.Set("task", "translate")
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(cfg.BeamSize))
	}
	u.RawQuery = q.Encode()

	return &WhisperClient{
		endpoint:   u.String(),
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Transcribe wraps the PCM in a RIFF header and posts it, retrying on 5xx
// and transport errors until ctx expires or retries run out.
func (c *WhisperClient) Transcribe(ctx context.Context, req Request) (Result, error) {
	wav := audio.BuildWAV(req.PCM, req.SampleRate, 1)

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(wav))
		if err != nil {
			return Result{}, err
		}
		httpReq.Header.Set("Content-Type", "audio/wav")
		if req.CorrelationID != "" {
			httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
		}

		sent := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			lastErr = err
			logging.Warnw("transcription request failed", "attempt", attempt, "error", err)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("transcription server error: status=%d", resp.StatusCode)
			logging.Warnw("transcription server error", "status", resp.StatusCode, "attempt", attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return Result{}, fmt.Errorf("transcription rejected: status=%d", resp.StatusCode)
		}

		var out whisperResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return Result{}, fmt.Errorf("decode transcription response: %w", err)
		}

		logging.Debugw("transcription response received",
			"correlation_id", req.CorrelationID,
			"latency_ms", time.Since(sent).Milliseconds(),
			"chars", len(out.Text))
		return Result{
			Text:       strings.TrimSpace(out.Text),
			Confidence: out.Confidence,
			Language:   out.Language,
		}, nil
	}
	return Result{}, fmt.Errorf("transcription failed after %d attempts: %w", c.maxRetries, lastErr)
}
