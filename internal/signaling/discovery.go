package signaling

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Address discovery datagram layout: a fixed 74-byte probe carrying our
// SSRC; the reply holds our external IP as NUL-terminated ASCII at offset
// 8 and the external port as big-endian 16 bits in the final two bytes.
const (
	discoveryPacketSize = 74
	discoveryType       = 1
	discoveryLength     = 70
	discoveryIPOffset   = 8
	discoveryPortOffset = 72
)

// buildDiscoveryProbe assembles the 74-byte request for ssrc.
func buildDiscoveryProbe(ssrc uint32) []byte {
	pkt := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(pkt[0:2], discoveryType)
	binary.BigEndian.PutUint16(pkt[2:4], discoveryLength)
	binary.BigEndian.PutUint32(pkt[4:8], ssrc)
	return pkt
}

// parseDiscoveryReply extracts the external address from a reply datagram.
func parseDiscoveryReply(pkt []byte) (string, int, error) {
	if len(pkt) < discoveryPacketSize {
		return "", 0, fmt.Errorf("discovery reply too short: %d bytes", len(pkt))
	}
	end := bytes.IndexByte(pkt[discoveryIPOffset:], 0)
	if end <= 0 {
		return "", 0, errors.New("discovery reply missing terminated address")
	}
	ip := string(pkt[discoveryIPOffset : discoveryIPOffset+end])
	port := int(binary.BigEndian.Uint16(pkt[discoveryPortOffset : discoveryPortOffset+2]))
	if net.ParseIP(ip) == nil {
		return "", 0, fmt.Errorf("discovery reply carries invalid address %q", ip)
	}
	return ip, port, nil
}

// discoverExternalAddress sends probes to the relay's media address until a
// valid reply arrives or retries are exhausted. Each attempt is bounded by
// timeout; exhaustion returns a DiscoveryError.
func discoverExternalAddress(conn net.PacketConn, relay net.Addr, ssrc uint32, timeout time.Duration, retries int) (string, int, error) {
	probe := buildDiscoveryProbe(ssrc)
	buf := make([]byte, 128)

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if _, err := conn.WriteTo(probe, relay); err != nil {
			lastErr = err
			continue
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			lastErr = err
			continue
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			lastErr = err
			continue
		}
		ip, port, err := parseDiscoveryReply(buf[:n])
		if err != nil {
			lastErr = err
			continue
		}
		conn.SetReadDeadline(time.Time{})
		return ip, port, nil
	}
	return "", 0, &DiscoveryError{Attempts: retries, Err: lastErr}
}
