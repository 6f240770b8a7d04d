package voice

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relay-voice-lab/internal/audio"
	"github.com/relay-voice-lab/internal/config"
	"github.com/relay-voice-lab/internal/metrics"
	"github.com/relay-voice-lab/internal/transcribe"
	"github.com/relay-voice-lab/internal/transport"
)

// stubTranscriber returns the utterance's correlation id as its text.
type stubTranscriber struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTranscriber) Transcribe(_ context.Context, req transcribe.Request) (transcribe.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return transcribe.Result{Text: "transcript for " + req.CorrelationID, Confidence: 0.9, Language: "en"}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Signaling.Endpoint = "relay.example.com"
	cfg.Signaling.ServerID = "guild-1"
	cfg.Signaling.UserID = "bot-1"
	cfg.Signaling.SessionID = "sess-1"
	cfg.Signaling.Token = "tok-1"
	cfg.Transcription.URL = "http://stt.example.com/transcribe"
	cfg.VAD.MinSpeech = 100 * time.Millisecond
	cfg.VAD.SilenceTimeout = 200 * time.Millisecond
	cfg.VAD.MinUtterance = 100 * time.Millisecond
	return cfg
}

type sessionEvents struct {
	levels         chan float64
	transcriptions chan string
	errors         chan error
}

func newTestSession(t *testing.T) (*Session, *sessionEvents, *stubTranscriber) {
	t.Helper()
	ev := &sessionEvents{
		levels:         make(chan float64, 256),
		transcriptions: make(chan string, 16),
		errors:         make(chan error, 16),
	}
	tr := &stubTranscriber{}
	s, err := New(Options{
		Config:      testConfig(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
		Transcriber: tr,
		Events: Events{
			AudioLevel: func(speaker string, level float64, isSpeech bool) {
				select {
				case ev.levels <- level:
				default:
				}
			},
			Transcription: func(speaker, text string, confidence float64, language string, duration time.Duration) {
				ev.transcriptions <- speaker + ": " + text
			},
			ProcessingError: func(speaker string, err error) { ev.errors <- err },
		},
	})
	if err != nil {
		t.Fatalf("voice.New: %v", err)
	}
	return s, ev, tr
}

// frame builds a 20 ms mono frame at 16 kHz with the given amplitude.
func frame(speaker string, amplitude int16, ts time.Time) audio.Frame {
	pcm := make([]int16, 320)
	for i := range pcm {
		pcm[i] = amplitude
	}
	return audio.Frame{
		Speaker:    speaker,
		Timestamp:  ts,
		PCM:        pcm,
		SampleRate: 16000,
		Channels:   1,
		Level:      audio.Level(pcm),
	}
}

func feedFrames(s *Session, speaker string, amplitude int16, n int, ts *time.Time) {
	for i := 0; i < n; i++ {
		s.OnFrame(frame(speaker, amplitude, *ts))
		*ts = ts.Add(20 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Signaling.Token = ""
	if _, err := New(Options{Config: cfg, Metrics: metrics.New(prometheus.NewRegistry())}); err == nil {
		t.Fatalf("missing token should be rejected")
	}
}

func TestSpeakingEventBindsRoute(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.handleSpeaking("alice", 41)

	if !s.Tracked("alice") {
		t.Fatalf("alice should be tracked after a speaking event")
	}
	if s.Tracked("bob") {
		t.Fatalf("bob was never announced")
	}
	if st := s.Stats(); st.TrackedSpeakers != 1 {
		t.Fatalf("tracked speakers = %d; want 1", st.TrackedSpeakers)
	}
}

func TestFrameFlowEmitsLevelsAndTranscription(t *testing.T) {
	s, ev, _ := newTestSession(t)
	s.handleSpeaking("alice", 41)
	s.pool.Start()
	defer s.pool.Shutdown()

	ts := time.Now()
	feedFrames(s, "alice", 4000, 25, &ts) // 500 ms of speech
	feedFrames(s, "alice", 0, 15, &ts)    // 300 ms of silence

	select {
	case got := <-ev.transcriptions:
		if !strings.HasPrefix(got, "alice: transcript for ") {
			t.Fatalf("transcription = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no transcription event")
	}

	// Every frame produced an audio-level event.
	if len(ev.levels) < 30 {
		t.Fatalf("audio level events = %d; want one per frame", len(ev.levels))
	}

	last, ok := s.LastActivity("alice")
	if !ok || last.IsZero() {
		t.Fatalf("last activity not recorded")
	}
	if st := s.Stats(); st.UtterancesEmitted != 1 {
		t.Fatalf("utterances emitted = %d; want 1", st.UtterancesEmitted)
	}
}

func TestDisconnectDuringTransportWiring(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.handleSpeaking("alice", 41)

	// A client disconnect can arrive on the signaling goroutine while Start
	// is still publishing the transport handle.
	done := make(chan struct{})
	go func() {
		s.handleClientDisconnect("alice")
		close(done)
	}()

	tr := transport.New(transport.Config{
		Routes:  s.routes,
		Metrics: s.opts.Metrics,
	})
	s.mu.Lock()
	s.transport = tr
	s.mu.Unlock()
	<-done

	if s.Tracked("alice") {
		t.Fatalf("route should be gone after client disconnect")
	}
	tr.ReleaseDecoder(41) // no-op when the handler already released it
}

func TestClientDisconnectReleasesSpeakerState(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.handleSpeaking("alice", 41)

	ts := time.Now()
	feedFrames(s, "alice", 4000, 20, &ts) // mid-utterance

	s.handleClientDisconnect("alice")

	if s.Tracked("alice") {
		t.Fatalf("route should be gone after client disconnect")
	}
	if _, ok := s.LastActivity("alice"); ok {
		t.Fatalf("buffer state should be gone after client disconnect")
	}
	st := s.Stats()
	if st.UtterancesDiscarded != 1 {
		t.Fatalf("in-progress utterance should be discarded, got %d", st.UtterancesDiscarded)
	}
	if st.UtterancesEmitted != 0 {
		t.Fatalf("no utterance should have been emitted")
	}
}

func TestQuietFramesNeverOpenUtterance(t *testing.T) {
	s, _, tr := newTestSession(t)
	s.handleSpeaking("alice", 41)
	s.pool.Start()
	defer s.pool.Shutdown()

	ts := time.Now()
	feedFrames(s, "alice", 10, 100, &ts) // 2 s of near-silence

	if st := s.Stats(); st.UtterancesEmitted != 0 {
		t.Fatalf("silence produced %d utterances", st.UtterancesEmitted)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.calls != 0 {
		t.Fatalf("transcriber called %d times for silence", tr.calls)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.Stop()
	s.Stop()
	if st := s.Stats(); st.Signaling.State != "closed" {
		t.Fatalf("state after stop = %s", st.Signaling.State)
	}
}
