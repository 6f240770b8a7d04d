// Package transport receives encrypted media datagrams over UDP, decrypts
// and decodes them, and hands PCM frames to the pipeline. Packet-level
// failures are dropped and counted, never fatal.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/relay-voice-lab/internal/audio"
	"github.com/relay-voice-lab/internal/codec"
	"github.com/relay-voice-lab/internal/logging"
	"github.com/relay-voice-lab/internal/metrics"
	"github.com/relay-voice-lab/internal/route"
)

// headerSize is the fixed media header: version/flags, marker, be16
// sequence, be32 timestamp, be32 source id.
const headerSize = 12

// decoder state is rebuilt after this many consecutive failures, since
// codec state is stream-order-dependent and a desynced decoder never
// recovers on its own.
const maxConsecutiveDecodeFailures = 3

// FrameSink receives decoded PCM frames in per-speaker arrival order.
type FrameSink interface {
	OnFrame(f audio.Frame)
}

// Config wires a Transport. Conn is the session's single media socket,
// handed over after address discovery.
type Config struct {
	Conn       net.PacketConn
	Cipher     Cipher
	NewDecoder codec.Factory
	Routes     *route.Table
	Sink       FrameSink
	Metrics    *metrics.Metrics
	SampleRate int // target PCM rate of decoded frames
}

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	PacketsReceived uint64
	DroppedShort    uint64
	DroppedVersion  uint64
	DroppedUnknown  uint64
	DecryptFailures uint64
	DecodeFailures  uint64
	DecoderResets   uint64
	SequenceGaps    uint64
	FramesProduced  uint64
}

type speakerDecoder struct {
	dec      codec.Decoder
	failures int // consecutive decode failures
}

// Transport owns the UDP receive loop after session establishment.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	decoders map[uint32]*speakerDecoder
	closed   bool

	wg sync.WaitGroup

	received        atomic.Uint64
	droppedShort    atomic.Uint64
	droppedVersion  atomic.Uint64
	droppedUnknown  atomic.Uint64
	decryptFailures atomic.Uint64
	decodeFailures  atomic.Uint64
	decoderResets   atomic.Uint64
	sequenceGaps    atomic.Uint64
	framesProduced  atomic.Uint64
}

// New creates a transport over an established media socket.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:      cfg,
		decoders: make(map[uint32]*speakerDecoder),
	}
}

// Start launches the receive loop. It returns immediately; the loop runs
// until Close.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.receiveLoop()
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, _, err := t.cfg.Conn.ReadFrom(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warnw("media socket read failed", "error", err)
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.handlePacket(pkt)
	}
}

// handlePacket runs the full per-datagram path: header checks, route
// lookup, loss tracking, decrypt, decode, frame emission.
func (t *Transport) handlePacket(pkt []byte) {
	t.received.Add(1)
	t.cfg.Metrics.PacketsReceived.Inc()

	if len(pkt) < headerSize {
		t.droppedShort.Add(1)
		t.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropShort).Inc()
		return
	}

	var hdr rtp.Header
	if _, err := hdr.Unmarshal(pkt); err != nil {
		t.droppedShort.Add(1)
		t.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropShort).Inc()
		return
	}
	if hdr.Version != 2 {
		t.droppedVersion.Add(1)
		t.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropVersion).Inc()
		return
	}

	speaker, ok := t.cfg.Routes.Lookup(hdr.SSRC)
	if !ok {
		// No route means no buffering: unknown sources never allocate state.
		t.droppedUnknown.Add(1)
		t.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropUnknownSource).Inc()
		return
	}

	if gap, known := t.cfg.Routes.Track(hdr.SSRC, hdr.SequenceNumber); known && gap > 0 {
		t.sequenceGaps.Add(uint64(gap))
		t.cfg.Metrics.SequenceGaps.Add(float64(gap))
		logging.Debugw("sequence gap detected", "ssrc", hdr.SSRC, "speaker", speaker, "missed", gap)
	}

	plain, err := t.cfg.Cipher.Open(pkt[:headerSize], pkt[headerSize:])
	if err != nil {
		t.decryptFailures.Add(1)
		t.cfg.Metrics.DecryptFailures.Inc()
		logging.Debugw("packet decrypt failed", "ssrc", hdr.SSRC, "speaker", speaker)
		return
	}

	pcm, err := t.decode(hdr.SSRC, speaker, plain)
	if err != nil || len(pcm) == 0 {
		return
	}

	frame := audio.Frame{
		Speaker:    speaker,
		Timestamp:  time.Now(),
		PCM:        pcm,
		SampleRate: t.cfg.SampleRate,
		Channels:   1,
		Level:      audio.Level(pcm),
	}
	t.framesProduced.Add(1)
	t.cfg.Metrics.FramesProduced.Inc()
	t.cfg.Sink.OnFrame(frame)
}

// decode runs the per-speaker decoder, rebuilding it after repeated
// failures.
func (t *Transport) decode(ssrc uint32, speaker string, payload []byte) ([]int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sd, ok := t.decoders[ssrc]
	if !ok {
		dec, err := t.cfg.NewDecoder()
		if err != nil {
			logging.Errorw("decoder create failed", "ssrc", ssrc, "error", err)
			return nil, err
		}
		sd = &speakerDecoder{dec: dec}
		t.decoders[ssrc] = sd
	}

	pcm, err := sd.dec.Decode(payload)
	if err != nil {
		sd.failures++
		t.decodeFailures.Add(1)
		t.cfg.Metrics.DecodeFailures.Inc()
		logging.Debugw("decode failed", "ssrc", ssrc, "speaker", speaker, "consecutive", sd.failures)
		if sd.failures >= maxConsecutiveDecodeFailures {
			sd.dec.Close()
			delete(t.decoders, ssrc)
			t.decoderResets.Add(1)
			t.cfg.Metrics.DecoderResets.Inc()
			logging.Warnw("decoder reset after consecutive failures", "ssrc", ssrc, "speaker", speaker)
		}
		return nil, err
	}
	sd.failures = 0
	return pcm, nil
}

// ReleaseDecoder frees the decoder state for a source, called when its
// speaker leaves the session.
func (t *Transport) ReleaseDecoder(ssrc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sd, ok := t.decoders[ssrc]; ok {
		sd.dec.Close()
		delete(t.decoders, ssrc)
	}
}

// Close stops the receive loop, closes the socket and frees all decoders.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.cfg.Conn.Close()
	t.wg.Wait()

	t.mu.Lock()
	for ssrc, sd := range t.decoders {
		sd.dec.Close()
		delete(t.decoders, ssrc)
	}
	t.mu.Unlock()
	return err
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		PacketsReceived: t.received.Load(),
		DroppedShort:    t.droppedShort.Load(),
		DroppedVersion:  t.droppedVersion.Load(),
		DroppedUnknown:  t.droppedUnknown.Load(),
		DecryptFailures: t.decryptFailures.Load(),
		DecodeFailures:  t.decodeFailures.Load(),
		DecoderResets:   t.decoderResets.Load(),
		SequenceGaps:    t.sequenceGaps.Load(),
		FramesProduced:  t.framesProduced.Load(),
	}
}
