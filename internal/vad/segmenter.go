package vad

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay-voice-lab/internal/audio"
)

// Config holds the segmentation thresholds.
type Config struct {
	// MinSpeech is the sustained speech required before an utterance opens.
	MinSpeech time.Duration
	// SilenceTimeout is the continuous silence that closes an utterance.
	SilenceTimeout time.Duration
	// MinUtterance discards finalized utterances shorter than this.
	MinUtterance time.Duration
	// MaxUtterance force-finalizes an utterance that grows past this cap.
	MaxUtterance time.Duration
}

// speakerState tracks one speaker's position in the two-state machine.
type speakerState struct {
	inSpeech   bool
	speechRun  time.Duration
	silenceRun time.Duration
	pending    []audio.Frame // speech run not yet confirmed as an utterance
	frames     []audio.Frame // open utterance
	start      time.Time
	duration   time.Duration
}

// Segmenter turns classified frame streams into utterances, one state
// machine per speaker. Brief pauses shorter than SilenceTimeout do not
// split an utterance. Safe for concurrent use.
type Segmenter struct {
	cfg Config

	mu        sync.Mutex
	speakers  map[string]*speakerState
	emitted   uint64
	discarded uint64
}

// NewSegmenter creates a segmenter with the given thresholds.
func NewSegmenter(cfg Config) *Segmenter {
	return &Segmenter{
		cfg:      cfg,
		speakers: make(map[string]*speakerState),
	}
}

// Process advances the speaker's state machine with one classified frame.
// It returns a finalized utterance when the frame closes one, either by
// silence timeout or by hitting the max-utterance cap.
func (s *Segmenter) Process(f audio.Frame) (*audio.Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.speakers[f.Speaker]
	if !ok {
		st = &speakerState{}
		s.speakers[f.Speaker] = st
	}

	if !st.inSpeech {
		if !f.IsSpeech {
			// Sustained speech requirement: noise bursts reset the run.
			st.speechRun = 0
			st.pending = nil
			return nil, false
		}
		if len(st.pending) == 0 {
			st.start = f.Timestamp
		}
		st.pending = append(st.pending, f)
		st.speechRun += f.Duration()
		if st.speechRun >= s.cfg.MinSpeech {
			st.inSpeech = true
			st.frames = st.pending
			st.duration = st.speechRun
			st.pending = nil
			st.speechRun = 0
			st.silenceRun = 0
		}
		return nil, false
	}

	if f.IsSpeech {
		st.silenceRun = 0
		st.frames = append(st.frames, f)
		st.duration += f.Duration()
		if st.duration >= s.cfg.MaxUtterance {
			return s.finalizeLocked(f.Speaker, st)
		}
		return nil, false
	}

	st.silenceRun += f.Duration()
	if st.silenceRun >= s.cfg.SilenceTimeout {
		return s.finalizeLocked(f.Speaker, st)
	}
	return nil, false
}

// finalizeLocked closes the speaker's open utterance and resets the state.
// Utterances shorter than MinUtterance are dropped.
func (s *Segmenter) finalizeLocked(speaker string, st *speakerState) (*audio.Utterance, bool) {
	frames := st.frames
	duration := st.duration
	start := st.start
	*st = speakerState{}

	if duration < s.cfg.MinUtterance || len(frames) == 0 {
		s.discarded++
		return nil, false
	}

	var confSum float64
	for i := range frames {
		confSum += frames[i].Confidence
	}
	s.emitted++
	return &audio.Utterance{
		ID:             uuid.NewString(),
		Speaker:        speaker,
		Start:          start,
		Frames:         frames,
		Duration:       duration,
		MeanConfidence: confSum / float64(len(frames)),
	}, true
}

// Remove tears down a speaker's state, discarding any in-progress
// utterance. Called when the speaker leaves mid-speech.
func (s *Segmenter) Remove(speaker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.speakers[speaker]; ok {
		if st.inSpeech {
			s.discarded++
		}
		delete(s.speakers, speaker)
	}
}

// Active reports whether the speaker currently has an open utterance.
func (s *Segmenter) Active(speaker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.speakers[speaker]
	return ok && st.inSpeech
}

// Stats reports emitted and discarded utterance counts.
func (s *Segmenter) Stats() (emitted, discarded uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted, s.discarded
}
