// Package audio holds the PCM data model of the pipeline: decoded frames,
// per-speaker bounded buffers, finalized utterances and WAV encoding.
package audio

import (
	"math"
	"time"
)

// Frame is one decoded, resampled PCM frame attributed to a speaker.
// Ownership passes to the buffer or segmenter once enqueued.
type Frame struct {
	Speaker    string
	Timestamp  time.Time
	PCM        []int16
	SampleRate int
	Channels   int
	Level      float64 // RMS level in dBFS, floored at LevelFloorDB
	IsSpeech   bool
	Confidence float64
}

// LevelFloorDB is the silence floor reported for empty or all-zero frames.
const LevelFloorDB = -60.0

// Duration returns the play time of the frame's samples.
func (f *Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.PCM) / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Level computes the RMS level of pcm in dBFS relative to int16 full scale,
// floored at LevelFloorDB.
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return LevelFloorDB
	}
	var sumSq float64
	for _, s := range pcm {
		v := float64(s)
		sumSq += v * v
	}
	rms := math.Sqrt(sumSq / float64(len(pcm)))
	if rms <= 0 {
		return LevelFloorDB
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < LevelFloorDB {
		return LevelFloorDB
	}
	return db
}

// Utterance is one contiguous speech segment from a single speaker, bounded
// by silence on both sides. Immutable after finalization.
type Utterance struct {
	ID             string
	Speaker        string
	Start          time.Time
	Frames         []Frame
	Duration       time.Duration
	MeanConfidence float64
}

// PCM concatenates the utterance's frames into a single sample slice.
func (u *Utterance) PCM() []int16 {
	total := 0
	for i := range u.Frames {
		total += len(u.Frames[i].PCM)
	}
	out := make([]int16, 0, total)
	for i := range u.Frames {
		out = append(out, u.Frames[i].PCM...)
	}
	return out
}

// SampleRate reports the rate of the utterance's frames (all frames in one
// utterance share the pipeline's target format).
func (u *Utterance) SampleRate() int {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[0].SampleRate
}
