// Package voice wires the signaling channel, media transport, VAD pipeline
// and transcription pool into one ingestion session.
package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relay-voice-lab/internal/audio"
	"github.com/relay-voice-lab/internal/codec"
	"github.com/relay-voice-lab/internal/config"
	"github.com/relay-voice-lab/internal/logging"
	"github.com/relay-voice-lab/internal/metrics"
	"github.com/relay-voice-lab/internal/pool"
	"github.com/relay-voice-lab/internal/route"
	"github.com/relay-voice-lab/internal/signaling"
	"github.com/relay-voice-lab/internal/transcribe"
	"github.com/relay-voice-lab/internal/transport"
	"github.com/relay-voice-lab/internal/vad"
)

// Events are the session's outward surface. Handlers run on pipeline
// goroutines and must not block.
type Events struct {
	// AudioLevel reports per-frame speaker activity.
	AudioLevel func(speaker string, level float64, isSpeech bool)
	// Transcription delivers one finished utterance.
	Transcription func(speaker, text string, confidence float64, language string, duration time.Duration)
	// ProcessingError reports a failed or timed-out utterance.
	ProcessingError func(speaker string, err error)
	// Closed reports an unexpected session teardown. The caller decides
	// whether to re-establish; the session never retries on its own.
	Closed func(err error)
}

// Options wires a Session.
type Options struct {
	Config  *config.Config
	Events  Events
	Metrics *metrics.Metrics
	// Transcriber overrides the whisper client, used by tests.
	Transcriber transcribe.Transcriber
}

// Stats aggregates the snapshots of every pipeline stage.
type Stats struct {
	Signaling           signaling.Snapshot
	Transport           transport.Stats
	Pool                pool.Stats
	TrackedSpeakers     int
	UtterancesEmitted   uint64
	UtterancesDiscarded uint64
}

// Session owns one end-to-end voice ingestion pipeline.
type Session struct {
	opts Options

	channel   *signaling.Channel
	pool      *pool.Pool
	routes    *route.Table
	detector  *vad.Detector
	segmenter *vad.Segmenter

	mu            sync.Mutex
	transport     *transport.Transport // nil until Start wires the media path
	speakers      map[string]*audio.Buffer
	lastDiscarded uint64
	started       bool
	stopping      bool
}

// New builds a session from configuration. Call Start to connect.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{
		opts:     opts,
		routes:   route.NewTable(),
		detector: vad.NewDetector(cfg.VAD.EnergyThresholdDB),
		segmenter: vad.NewSegmenter(vad.Config{
			MinSpeech:      cfg.VAD.MinSpeech,
			SilenceTimeout: cfg.VAD.SilenceTimeout,
			MinUtterance:   cfg.VAD.MinUtterance,
			MaxUtterance:   cfg.VAD.MaxUtterance,
		}),
		speakers: make(map[string]*audio.Buffer),
	}

	transcriber := opts.Transcriber
	if transcriber == nil {
		wc, err := transcribe.NewWhisperClient(cfg.Transcription)
		if err != nil {
			return nil, err
		}
		transcriber = wc
	}

	s.pool = pool.New(pool.Options{
		Config:      cfg.Pool,
		TaskTimeout: cfg.Transcription.Timeout,
		Transcriber: transcriber,
		Directory:   s,
		Metrics:     opts.Metrics,
		Events: pool.Events{
			Result: s.handleResult,
			Error:  s.handleError,
		},
	})

	s.channel = signaling.New(signaling.Config{
		Credentials: signaling.Credentials{
			Endpoint:  cfg.Signaling.Endpoint,
			ServerID:  cfg.Signaling.ServerID,
			UserID:    cfg.Signaling.UserID,
			SessionID: cfg.Signaling.SessionID,
			Token:     cfg.Signaling.Token,
		},
		DiscoveryTimeout: cfg.Signaling.DiscoveryTimeout,
		DiscoveryRetries: cfg.Signaling.DiscoveryRetries,
		Events: signaling.Events{
			Speaking:         s.handleSpeaking,
			ClientDisconnect: s.handleClientDisconnect,
			Closed:           s.handleChannelClosed,
		},
	})

	return s, nil
}

// Start connects to the relay and launches the media and worker pipelines.
// Handshake failures come back as SignalingError or DiscoveryError.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.mu.Unlock()

	sess, err := s.channel.Connect(ctx)
	if err != nil {
		return err
	}

	cipher, err := transport.NewSecretboxCipher(sess.SecretKey)
	if err != nil {
		s.channel.Disconnect()
		sess.Conn.Close()
		return err
	}

	cfg := s.opts.Config
	tr := transport.New(transport.Config{
		Conn:   sess.Conn,
		Cipher: cipher,
		NewDecoder: codec.OpusFactory(codec.OpusConfig{
			SourceRate:     48000,
			SourceChannels: 2,
			TargetRate:     cfg.Audio.SampleRate,
		}),
		Routes:     s.routes,
		Sink:       s,
		Metrics:    s.opts.Metrics,
		SampleRate: cfg.Audio.SampleRate,
	})
	// The signaling read loop is already dispatching events on its own
	// goroutine, so the transport handle must be published under the lock.
	s.mu.Lock()
	s.transport = tr
	s.mu.Unlock()
	tr.Start()
	s.pool.Start()

	logging.Infow("voice session running",
		"endpoint", cfg.Signaling.Endpoint,
		"external_ip", sess.ExternalIP,
		"external_port", sess.ExternalPort,
		"ssrc", sess.SSRC)
	return nil
}

// OnFrame classifies, buffers and segments one decoded frame. Invoked by
// the transport in per-speaker arrival order.
func (s *Session) OnFrame(f audio.Frame) {
	s.detector.Classify(&f)

	s.mu.Lock()
	b, ok := s.speakers[f.Speaker]
	if !ok {
		b = audio.NewBuffer(f.Speaker, s.opts.Config.Audio.BufferDuration)
		s.speakers[f.Speaker] = b
	}
	b.Add(f)
	s.mu.Unlock()

	if s.opts.Events.AudioLevel != nil {
		s.opts.Events.AudioLevel(f.Speaker, f.Level, f.IsSpeech)
	}

	u, emitted := s.segmenter.Process(f)
	if emitted {
		s.opts.Metrics.UtterancesEmitted.Inc()
		s.opts.Metrics.UtteranceDuration.Observe(u.Duration.Seconds())
		fields := append(logging.UtteranceFields(u.ID, u.Speaker, u.Duration.Milliseconds()),
			"confidence", u.MeanConfidence)
		logging.Debugw("utterance finalized", fields...)
		s.pool.Enqueue(u)
	}
	s.noteDiscards()
}

// noteDiscards mirrors the segmenter's discard count into the counter.
func (s *Session) noteDiscards() {
	_, discarded := s.segmenter.Stats()
	s.mu.Lock()
	delta := discarded - s.lastDiscarded
	s.lastDiscarded = discarded
	s.mu.Unlock()
	if delta > 0 {
		s.opts.Metrics.UtterancesDiscarded.Add(float64(delta))
	}
}

// handleSpeaking binds an announced SSRC to its speaker.
func (s *Session) handleSpeaking(speaker string, ssrc uint32) {
	s.routes.Bind(ssrc, speaker)
	s.opts.Metrics.ActiveSpeakers.Set(float64(s.routes.Len()))
}

// media returns the transport handle under the session lock. It is nil
// until Start has wired the media path.
func (s *Session) media() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// handleClientDisconnect releases every piece of per-speaker state: the
// route, the decoder, the buffer and any in-progress utterance.
func (s *Session) handleClientDisconnect(speaker string) {
	ssrc, ok := s.routes.Unbind(speaker)
	if tr := s.media(); ok && tr != nil {
		tr.ReleaseDecoder(ssrc)
	}
	s.segmenter.Remove(speaker)
	s.noteDiscards()

	s.mu.Lock()
	delete(s.speakers, speaker)
	s.mu.Unlock()
	s.opts.Metrics.ActiveSpeakers.Set(float64(s.routes.Len()))
	logging.Infow("speaker left", logging.SpeakerFields(speaker, ssrc)...)
}

// handleChannelClosed tears the session down after an unexpected control
// channel loss and notifies the caller.
func (s *Session) handleChannelClosed(err error) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return
	}
	logging.Errorw("session lost", "error", err)
	s.teardown()
	if s.opts.Events.Closed != nil {
		s.opts.Events.Closed(err)
	}
}

func (s *Session) handleResult(u *audio.Utterance, res transcribe.Result, latency time.Duration) {
	if s.opts.Events.Transcription != nil {
		s.opts.Events.Transcription(u.Speaker, res.Text, res.Confidence, res.Language, u.Duration)
	}
}

func (s *Session) handleError(u *audio.Utterance, err error) {
	if s.opts.Events.ProcessingError != nil {
		s.opts.Events.ProcessingError(u.Speaker, err)
	}
}

// teardown stops the pipelines and clears per-speaker state.
func (s *Session) teardown() {
	s.channel.Disconnect()
	if tr := s.media(); tr != nil {
		tr.Close()
	}
	s.pool.Shutdown()
	s.routes.Clear()

	s.mu.Lock()
	s.speakers = make(map[string]*audio.Buffer)
	s.mu.Unlock()
	s.opts.Metrics.ActiveSpeakers.Set(0)
}

// Stop disconnects deliberately. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	s.teardown()
	logging.Infow("voice session stopped")
}

// SendSpeaking forwards our own speaking state to the relay.
func (s *Session) SendSpeaking(speaking bool) error {
	return s.channel.SendSpeaking(speaking)
}

// Tracked reports whether the speaker still has a live route. Part of the
// pool's speaker directory.
func (s *Session) Tracked(speaker string) bool {
	for _, sp := range s.routes.Speakers() {
		if sp == speaker {
			return true
		}
	}
	return false
}

// LastActivity reports when the speaker last produced audio, read from the
// speaker's buffer. Part of the pool's speaker directory.
func (s *Session) LastActivity(speaker string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.speakers[speaker]
	if !ok {
		return time.Time{}, false
	}
	return b.LastActivity(), true
}

// Stats aggregates a snapshot across all pipeline stages.
func (s *Session) Stats() Stats {
	emitted, discarded := s.segmenter.Stats()
	st := Stats{
		Signaling:           s.channel.Stats(),
		Pool:                s.pool.Stats(),
		TrackedSpeakers:     s.routes.Len(),
		UtterancesEmitted:   emitted,
		UtterancesDiscarded: discarded,
	}
	if tr := s.media(); tr != nil {
		st.Transport = tr.Stats()
	}
	return st
}
