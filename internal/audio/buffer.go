package audio

import "time"

// Buffer is a duration-bounded ordered sequence of frames for one speaker.
// Once total buffered duration exceeds the cap the oldest frames are
// evicted, which bounds memory regardless of stream rate. Not safe for
// concurrent use; all mutation happens on the transport/VAD path.
type Buffer struct {
	speaker      string
	maxDuration  time.Duration
	frames       []Frame
	total        time.Duration
	lastActivity time.Time
}

// NewBuffer creates a buffer capped at maxDuration of audio.
func NewBuffer(speaker string, maxDuration time.Duration) *Buffer {
	return &Buffer{
		speaker:     speaker,
		maxDuration: maxDuration,
	}
}

// Add appends a frame, evicting oldest frames while the cap is exceeded.
func (b *Buffer) Add(f Frame) {
	b.frames = append(b.frames, f)
	b.total += f.Duration()
	b.lastActivity = f.Timestamp

	for b.total > b.maxDuration && len(b.frames) > 0 {
		b.total -= b.frames[0].Duration()
		b.frames[0] = Frame{} // release PCM backing array
		b.frames = b.frames[1:]
	}
	if b.total < 0 {
		b.total = 0
	}
}

// Duration reports the total buffered audio time.
func (b *Buffer) Duration() time.Duration { return b.total }

// Len reports the number of buffered frames.
func (b *Buffer) Len() int { return len(b.frames) }

// LastActivity reports the capture timestamp of the newest frame.
func (b *Buffer) LastActivity() time.Time { return b.lastActivity }
