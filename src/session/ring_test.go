package session

import (
	"testing"

	"sctl/src/handler/constants"
)

func TestRingAppendAssignsMonotonicSeq(t *testing.T) {
	r := newRing(4)
	e0 := r.append(constants.StreamStdout, []byte("a"), 1)
	e1 := r.append(constants.StreamStdout, []byte("b"), 2)
	if e0.Seq != 0 || e1.Seq != 1 {
		t.Fatalf("seqs = %d, %d; want 0, 1", e0.Seq, e1.Seq)
	}
}

func TestRingSinceReturnsOnlyNewerEntries(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 4; i++ {
		r.append(constants.StreamStdout, []byte{byte(i)}, int64(i))
	}
	entries, dropped := r.since(1)
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (seq 2 and 3)", len(entries))
	}
	if entries[0].Seq != 2 || entries[1].Seq != 3 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := newRing(2)
	r.append(constants.StreamStdout, []byte("a"), 0)
	r.append(constants.StreamStdout, []byte("b"), 1)
	r.append(constants.StreamStdout, []byte("c"), 2) // evicts seq 0

	entries, dropped := r.since(0)
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Errorf("unexpected surviving entries: %+v", entries)
	}
}

func TestRingSinceAllEvictedReportsFullyDropped(t *testing.T) {
	r := newRing(1)
	r.append(constants.StreamStdout, []byte("a"), 0)
	r.append(constants.StreamStdout, []byte("b"), 1)
	r.append(constants.StreamStdout, []byte("c"), 2)

	_, dropped := r.since(0)
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}
