// Package codec decodes Opus payloads into mono PCM at the pipeline's
// target sample rate.
package codec

// Decoder turns one Opus packet into mono PCM samples at the target rate.
// A nil, nil return means the packet carried no audio (DTX) or the
// resampler is still priming.
type Decoder interface {
	Decode(packet []byte) ([]int16, error)
	Close() error
}

// Factory builds a fresh Decoder. The transport uses it to rebuild a
// speaker's decoder after repeated decode failures.
type Factory func() (Decoder, error)

// DownmixToMono averages interleaved channels into a single channel. Mono
// input is returned unchanged.
func DownmixToMono(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(pcm[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}
