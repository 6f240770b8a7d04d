package route

import "testing"

func TestBindLookupUnbind(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(42, "speaker-a")

	if got, ok := tbl.Lookup(42); !ok || got != "speaker-a" {
		t.Fatalf("Lookup(42) = %q,%v; want speaker-a,true", got, ok)
	}
	if _, ok := tbl.Lookup(99); ok {
		t.Fatalf("unknown ssrc should not resolve")
	}

	ssrc, ok := tbl.Unbind("speaker-a")
	if !ok || ssrc != 42 {
		t.Fatalf("Unbind = %d,%v; want 42,true", ssrc, ok)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table should be empty after unbind")
	}
}

func TestRebindSameSSRCReplacesSpeaker(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(7, "first")
	tbl.Bind(7, "second")

	if got, _ := tbl.Lookup(7); got != "second" {
		t.Fatalf("rebind should replace identity, got %q", got)
	}
	if tbl.Len() != 1 {
		t.Fatalf("ssrc must map to at most one speaker, len=%d", tbl.Len())
	}
}

func TestTrackDetectsGapsAndWrap(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(1, "a")

	if gap, known := tbl.Track(1, 100); !known || gap != 0 {
		t.Fatalf("first packet establishes baseline, gap=%d known=%v", gap, known)
	}
	if gap, _ := tbl.Track(1, 101); gap != 0 {
		t.Fatalf("in-order packet reported gap %d", gap)
	}
	if gap, _ := tbl.Track(1, 105); gap != 3 {
		t.Fatalf("expected gap 3 after skipping 102-104, got %d", gap)
	}

	// Wraparound: 65535 -> 0 is in order.
	tbl.Bind(2, "b")
	tbl.Track(2, 65535)
	if gap, _ := tbl.Track(2, 0); gap != 0 {
		t.Fatalf("wraparound should not report a gap, got %d", gap)
	}
}

func TestTrackReorderedPacketIsNotLoss(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(1, "a")

	tbl.Track(1, 100)
	tbl.Track(1, 102) // 101 delayed, counted as one missed
	if gap, _ := tbl.Track(1, 101); gap != 0 {
		t.Fatalf("late packet reported as loss, gap=%d", gap)
	}
	// The baseline stays at the newest sequence, so the stream resumes
	// in order.
	if gap, _ := tbl.Track(1, 103); gap != 0 {
		t.Fatalf("packet after reorder reported gap %d", gap)
	}
	if gap, _ := tbl.Track(1, 103); gap != 0 {
		t.Fatalf("duplicate packet reported gap %d", gap)
	}
}

func TestTrackUnknownSource(t *testing.T) {
	tbl := NewTable()
	if _, known := tbl.Track(9, 1); known {
		t.Fatalf("unrouted ssrc must not be tracked")
	}
}

func TestClear(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(1, "a")
	tbl.Bind(2, "b")
	tbl.Clear()
	if tbl.Len() != 0 {
		t.Fatalf("Clear should drop all routes")
	}
}
