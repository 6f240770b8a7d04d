package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hraban/opus"
	soxr "github.com/zaf/resample"
)

// maxFrameSamples is the largest Opus frame: 120 ms at 48 kHz per channel.
const maxFrameSamples = 5760

// OpusConfig describes the source stream and the pipeline target format.
type OpusConfig struct {
	SourceRate     int // Opus decode rate, 48000 for voice relays
	SourceChannels int
	TargetRate     int // pipeline PCM rate, e.g. 16000
}

// opusDecoder decodes Opus at the source rate, downmixes to mono and
// resamples to the target rate. The resampler writes into buf, which is
// drained after every frame.
type opusDecoder struct {
	cfg       OpusConfig
	mu        sync.Mutex
	dec       *opus.Decoder
	resampler *soxr.Resampler
	buf       *bytes.Buffer
	pcm       []int16 // source-rate decode scratch
	inBytes   []byte  // resampler input scratch
}

// NewOpusDecoder creates a production decoder for one speaker's stream.
func NewOpusDecoder(cfg OpusConfig) (Decoder, error) {
	dec, err := opus.NewDecoder(cfg.SourceRate, cfg.SourceChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	buf := &bytes.Buffer{}
	resampler, err := soxr.New(buf, float64(cfg.SourceRate), float64(cfg.TargetRate), 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	return &opusDecoder{
		cfg:       cfg,
		dec:       dec,
		resampler: resampler,
		buf:       buf,
		pcm:       make([]int16, maxFrameSamples*cfg.SourceChannels),
	}, nil
}

// OpusFactory returns a Factory producing decoders with cfg.
func OpusFactory(cfg OpusConfig) Factory {
	return func() (Decoder, error) { return NewOpusDecoder(cfg) }
}

func (d *opusDecoder) Decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, nil // DTX
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	mono := DownmixToMono(d.pcm[:n*d.cfg.SourceChannels], d.cfg.SourceChannels)

	need := len(mono) * 2
	if cap(d.inBytes) < need {
		d.inBytes = make([]byte, need)
	}
	in := d.inBytes[:need]
	for i, s := range mono {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(s))
	}

	d.buf.Reset()
	if _, err := d.resampler.Write(in); err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	out := d.buf.Bytes()
	if len(out) == 0 {
		return nil, nil // resampler still priming
	}
	samples := make([]int16, len(out)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	return samples, nil
}

func (d *opusDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resampler != nil {
		err := d.resampler.Close()
		d.resampler = nil
		return err
	}
	return nil
}
