// Package route maps transport-level source ids (SSRC) to logical speaker
// identities and tracks per-source sequence numbers for loss detection.
// Keeping all per-speaker routing state in one table makes teardown on
// disconnect a single removal.
package route

import "sync"

// Route is one SSRC -> speaker binding with its sequence-tracking state.
type Route struct {
	SSRC    uint32
	Speaker string
	LastSeq uint16
	hasSeq  bool
}

// Table is the speaker route arena. It is safe for concurrent use: the
// signaling channel binds and unbinds routes while the media transport
// resolves and tracks sequence numbers.
type Table struct {
	mu     sync.RWMutex
	bySSRC map[uint32]*Route
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{bySSRC: make(map[uint32]*Route)}
}

// Bind associates ssrc with a speaker identity. An SSRC maps to at most one
// speaker; rebinding replaces the previous identity and resets sequence
// tracking only when the identity actually changed.
func (t *Table) Bind(ssrc uint32, speaker string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.bySSRC[ssrc]; ok {
		if r.Speaker != speaker {
			r.Speaker = speaker
			r.hasSeq = false
		}
		return
	}
	t.bySSRC[ssrc] = &Route{SSRC: ssrc, Speaker: speaker}
}

// Lookup resolves an SSRC to its speaker identity.
func (t *Table) Lookup(ssrc uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.bySSRC[ssrc]
	if !ok {
		return "", false
	}
	return r.Speaker, true
}

// Unbind removes the route for a speaker identity and returns the SSRC it
// occupied. Used on client-disconnect events.
func (t *Table) Unbind(speaker string) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ssrc, r := range t.bySSRC {
		if r.Speaker == speaker {
			delete(t.bySSRC, ssrc)
			return ssrc, true
		}
	}
	return 0, false
}

// Track records an observed sequence number for ssrc and returns the number
// of packets missed since the last observation. Sequence numbers are 16-bit
// and wrap; a gap of zero means in-order delivery. A distance of 0x8000 or
// more reads as a late or reordered packet, not loss, and leaves the
// baseline at the newest sequence seen. The first packet for a source
// establishes the baseline and reports no gap.
func (t *Table) Track(ssrc uint32, seq uint16) (gap int, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.bySSRC[ssrc]
	if !ok {
		return 0, false
	}
	if !r.hasSeq {
		r.LastSeq = seq
		r.hasSeq = true
		return 0, true
	}
	expected := r.LastSeq + 1 // wraps naturally on uint16
	if d := seq - expected; d < 0x8000 {
		gap = int(d)
		r.LastSeq = seq
	}
	return gap, true
}

// Len reports the number of active routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySSRC)
}

// Speakers returns the identities currently routed, in no particular order.
func (t *Table) Speakers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.bySSRC))
	for _, r := range t.bySSRC {
		out = append(out, r.Speaker)
	}
	return out
}

// Clear drops every route. Used on session teardown.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySSRC = make(map[uint32]*Route)
}
