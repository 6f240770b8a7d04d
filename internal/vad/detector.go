// Package vad classifies PCM frames as speech or non-speech and segments
// per-speaker frame streams into utterances bounded by silence.
package vad

import "github.com/relay-voice-lab/internal/audio"

// Detector is the frame-level energy classifier. A frame is speech when its
// RMS level clears the configured dBFS threshold; confidence grows with the
// distance from the threshold.
type Detector struct {
	thresholdDB float64
}

// NewDetector creates a detector with the given energy threshold in dBFS
// (e.g. -40). Frames at or above the threshold classify as speech.
func NewDetector(thresholdDB float64) *Detector {
	return &Detector{thresholdDB: thresholdDB}
}

// Classify sets IsSpeech and Confidence on the frame from its Level. The
// confidence scale saturates 20 dB away from the threshold.
func (d *Detector) Classify(f *audio.Frame) {
	f.IsSpeech = f.Level >= d.thresholdDB
	dist := f.Level - d.thresholdDB
	if dist < 0 {
		dist = -dist
	}
	conf := dist / 20.0
	if conf > 1 {
		conf = 1
	}
	f.Confidence = conf
}
