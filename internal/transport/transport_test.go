package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/relay-voice-lab/internal/audio"
	"github.com/relay-voice-lab/internal/codec"
	"github.com/relay-voice-lab/internal/metrics"
	"github.com/relay-voice-lab/internal/route"
)

// nopCipher passes ciphertext through unchanged.
type nopCipher struct{}

func (nopCipher) Open(_, ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

// byteDecoder turns each payload byte into one PCM sample. A payload
// starting with 0xFF fails to decode.
type byteDecoder struct {
	closed bool
}

func (d *byteDecoder) Decode(packet []byte) ([]int16, error) {
	if len(packet) > 0 && packet[0] == 0xFF {
		return nil, errors.New("corrupt payload")
	}
	out := make([]int16, len(packet))
	for i, b := range packet {
		out[i] = int16(b)
	}
	return out, nil
}

func (d *byteDecoder) Close() error {
	d.closed = true
	return nil
}

// collector records frames in arrival order.
type collector struct {
	frames chan audio.Frame
}

func newCollector() *collector {
	return &collector{frames: make(chan audio.Frame, 64)}
}

func (c *collector) OnFrame(f audio.Frame) { c.frames <- f }

type fixture struct {
	tr      *Transport
	routes  *route.Table
	sink    *collector
	created int
	last    *byteDecoder
}

func newFixture(t *testing.T, cipher Cipher) *fixture {
	t.Helper()
	fx := &fixture{
		routes: route.NewTable(),
		sink:   newCollector(),
	}
	factory := codec.Factory(func() (codec.Decoder, error) {
		fx.created++
		fx.last = &byteDecoder{}
		return fx.last, nil
	})
	fx.tr = New(Config{
		Conn:       nil,
		Cipher:     cipher,
		NewDecoder: factory,
		Routes:     fx.routes,
		Sink:       fx.sink,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		SampleRate: 16000,
	})
	return fx
}

// packet builds a 12-byte media header followed by payload.
func packet(ssrc uint32, seq uint16, payload []byte) []byte {
	pkt := make([]byte, 12+len(payload))
	pkt[0] = 0x80 // version 2
	binary.BigEndian.PutUint16(pkt[2:4], seq)
	binary.BigEndian.PutUint32(pkt[4:8], 1000)
	binary.BigEndian.PutUint32(pkt[8:12], ssrc)
	copy(pkt[12:], payload)
	return pkt
}

func (fx *fixture) wantFrame(t *testing.T) audio.Frame {
	t.Helper()
	select {
	case f := <-fx.sink.frames:
		return f
	default:
		t.Fatalf("expected a frame, got none")
		return audio.Frame{}
	}
}

func TestDropsShortPacket(t *testing.T) {
	fx := newFixture(t, nopCipher{})
	fx.tr.handlePacket([]byte{0x80, 0x00, 0x01})
	s := fx.tr.Stats()
	if s.DroppedShort != 1 || s.FramesProduced != 0 {
		t.Fatalf("short packet not dropped: %+v", s)
	}
}

func TestDropsBadVersion(t *testing.T) {
	fx := newFixture(t, nopCipher{})
	fx.routes.Bind(7, "alice")
	pkt := packet(7, 1, []byte{1})
	pkt[0] = 0x40 // version 1
	fx.tr.handlePacket(pkt)
	s := fx.tr.Stats()
	if s.DroppedVersion != 1 || s.FramesProduced != 0 {
		t.Fatalf("bad-version packet not dropped: %+v", s)
	}
}

func TestDropsUnknownSource(t *testing.T) {
	fx := newFixture(t, nopCipher{})
	fx.tr.handlePacket(packet(99, 1, []byte{1, 2}))
	s := fx.tr.Stats()
	if s.DroppedUnknown != 1 || s.FramesProduced != 0 {
		t.Fatalf("unknown source not dropped: %+v", s)
	}
	if fx.created != 0 {
		t.Fatalf("unknown source must not allocate a decoder")
	}
}

func TestDecryptFailureDropsPacketAndStreamContinues(t *testing.T) {
	var key [32]byte
	rand.Read(key[:])
	cipher, err := NewSecretboxCipher(key[:])
	if err != nil {
		t.Fatalf("create cipher: %v", err)
	}
	fx := newFixture(t, cipher)
	fx.routes.Bind(7, "alice")

	seal := func(seq uint16, payload []byte) []byte {
		hdr := packet(7, seq, nil)
		var nonce [24]byte
		copy(nonce[:], hdr)
		return append(hdr, secretbox.Seal(nil, payload, &nonce, &key)...)
	}

	good := seal(1, []byte{5, 6})
	bad := seal(2, []byte{7, 8})
	bad[len(bad)-1] ^= 0x01 // single bit flip breaks authentication

	fx.tr.handlePacket(bad)
	if s := fx.tr.Stats(); s.DecryptFailures != 1 {
		t.Fatalf("decrypt failures = %d; want 1", s.DecryptFailures)
	}

	fx.tr.handlePacket(good)
	f := fx.wantFrame(t)
	if f.Speaker != "alice" || len(f.PCM) != 2 || f.PCM[0] != 5 {
		t.Fatalf("stream did not continue after decrypt failure: %+v", f)
	}
}

func TestDecoderRebuiltAfterThreeConsecutiveFailures(t *testing.T) {
	fx := newFixture(t, nopCipher{})
	fx.routes.Bind(7, "alice")

	bad := []byte{0xFF, 0x00}
	for seq := uint16(1); seq <= 3; seq++ {
		fx.tr.handlePacket(packet(7, seq, bad))
	}
	s := fx.tr.Stats()
	if s.DecodeFailures != 3 || s.DecoderResets != 1 {
		t.Fatalf("failures=%d resets=%d; want 3/1", s.DecodeFailures, s.DecoderResets)
	}
	first := fx.last
	if !first.closed {
		t.Fatalf("failed decoder was not closed on reset")
	}

	fx.tr.handlePacket(packet(7, 4, []byte{9}))
	if fx.created != 2 {
		t.Fatalf("decoder instances = %d; want a fresh one after reset", fx.created)
	}
	if f := fx.wantFrame(t); f.PCM[0] != 9 {
		t.Fatalf("frame after reset = %+v", f)
	}
}

func TestDecodeFailuresInterleavedWithSuccessDoNotReset(t *testing.T) {
	fx := newFixture(t, nopCipher{})
	fx.routes.Bind(7, "alice")

	fx.tr.handlePacket(packet(7, 1, []byte{0xFF}))
	fx.tr.handlePacket(packet(7, 2, []byte{0xFF}))
	fx.tr.handlePacket(packet(7, 3, []byte{1})) // success resets the run
	fx.tr.handlePacket(packet(7, 4, []byte{0xFF}))

	s := fx.tr.Stats()
	if s.DecoderResets != 0 {
		t.Fatalf("non-consecutive failures must not reset the decoder")
	}
	if fx.created != 1 {
		t.Fatalf("decoder instances = %d; want 1", fx.created)
	}
}

func TestSequenceGapCounted(t *testing.T) {
	fx := newFixture(t, nopCipher{})
	fx.routes.Bind(7, "alice")

	fx.tr.handlePacket(packet(7, 10, []byte{1}))
	fx.tr.handlePacket(packet(7, 13, []byte{2}))
	if s := fx.tr.Stats(); s.SequenceGaps != 2 {
		t.Fatalf("sequence gaps = %d; want 2 missed packets", s.SequenceGaps)
	}
	// Gaps are logged, not blocking: both packets produced frames.
	if s := fx.tr.Stats(); s.FramesProduced != 2 {
		t.Fatalf("frames = %d; want 2", s.FramesProduced)
	}
}

func TestPerSpeakerArrivalOrderPreserved(t *testing.T) {
	fx := newFixture(t, nopCipher{})
	fx.routes.Bind(7, "alice")

	for i := byte(1); i <= 5; i++ {
		fx.tr.handlePacket(packet(7, uint16(i), []byte{i}))
	}
	for i := int16(1); i <= 5; i++ {
		f := fx.wantFrame(t)
		if f.PCM[0] != i {
			t.Fatalf("frame %d out of order: got sample %d", i, f.PCM[0])
		}
	}
}

func TestReceiveLoopOverLoopback(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	routes := route.NewTable()
	routes.Bind(7, "alice")
	sink := newCollector()
	tr := New(Config{
		Conn:       conn,
		Cipher:     nopCipher{},
		NewDecoder: func() (codec.Decoder, error) { return &byteDecoder{}, nil },
		Routes:     routes,
		Sink:       sink,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		SampleRate: 16000,
	})
	tr.Start()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(packet(7, 1, []byte{42})); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-sink.frames:
		if f.Speaker != "alice" || f.PCM[0] != 42 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame received over loopback")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestSecretboxCipherRejectsBadKeyLength(t *testing.T) {
	if _, err := NewSecretboxCipher(make([]byte, 16)); err == nil {
		t.Fatalf("16-byte key should be rejected")
	}
}
