// Replicates blob/custodian metadata between peers with convergent merge
// semantics: merging any two documents in any order yields the same state.
package syncengine

import (
	"github.com/function61/holvi/pkg/holtypes"
)

// LWWString is a last-writer-wins register. "last" is decided by highest
// lamport clock, ties broken by actor ID so that merge stays deterministic.
type LWWString struct {
	Value string
	Clock uint64
	Actor string
}

type LWWInt64 struct {
	Value int64
	Clock uint64
	Actor string
}

// Counter is a grow-only counter: per-actor tallies merged by max, totalled by
// sum. concurrent increments by different actors never cancel each other.
type Counter map[string]int64

func (c Counter) Total() int64 {
	total := int64(0)
	for _, n := range c {
		total += n
	}

	return total
}

// BlobEntry describes one blob we know to exist in the network (whether or not
// we hold its bytes).
type BlobEntry struct {
	Size        LWWInt64
	ContentType LWWString
	// lamport time of the most recent field update, for delta extraction
	Touched uint64
}

// CommitmentEntry is the replicated form of a custodian's claim. keyed by
// (peer, ref), so concurrent claims for the same blob by different peers both
// survive a merge as separate entries.
type CommitmentEntry struct {
	Peer        string
	Ref         string // hex
	State       LWWString
	Successes   Counter
	Failures    Counter
	LastSuccess LWWInt64 // unix seconds
	Touched     uint64
}

// Document is this node's mergeable view of blobs and custodians
type Document struct {
	Actor       string
	Clock       uint64
	Blobs       map[string]BlobEntry       // key: ref hex
	Commitments map[string]CommitmentEntry // key: peer + "/" + ref hex
}

func NewDocument(actor string) *Document {
	return &Document{
		Actor:       actor,
		Blobs:       map[string]BlobEntry{},
		Commitments: map[string]CommitmentEntry{},
	}
}

// lamport tick. call before stamping any local change.
func (d *Document) tick() uint64 {
	d.Clock++
	return d.Clock
}

// folds a locally stored blob into the document
func (d *Document) ApplyLocalBlob(blob holtypes.Blob) {
	now := d.tick()
	key := blob.Ref.AsHex()

	entry := d.Blobs[key]
	entry.Size = LWWInt64{blob.Size, now, d.Actor}
	entry.ContentType = LWWString{blob.ContentType, now, d.Actor}
	entry.Touched = now

	d.Blobs[key] = entry
}

// folds a local custodian record into the document
func (d *Document) ApplyLocalCommitment(rec holtypes.CustodianRecord) {
	now := d.tick()
	key := rec.ID()

	entry, known := d.Commitments[key]
	if !known {
		entry = CommitmentEntry{
			Peer:      rec.Peer,
			Ref:       rec.Ref.AsHex(),
			Successes: Counter{},
			Failures:  Counter{},
		}
	}

	entry.State = LWWString{string(rec.State), now, d.Actor}

	// counters are grow-only: only ever raise our own tally
	if rec.Successes > entry.Successes[d.Actor] {
		entry.Successes[d.Actor] = rec.Successes
	}
	if rec.Failures > entry.Failures[d.Actor] {
		entry.Failures[d.Actor] = rec.Failures
	}

	if !rec.LastSuccess.IsZero() && rec.LastSuccess.Unix() > entry.LastSuccess.Value {
		entry.LastSuccess = LWWInt64{rec.LastSuccess.Unix(), now, d.Actor}
	}

	entry.Touched = now

	d.Commitments[key] = entry
}

// extracts entries touched after the given lamport clock, for delta sync
func (d *Document) DeltaSince(clock uint64) *Document {
	delta := NewDocument(d.Actor)
	delta.Clock = d.Clock

	for key, entry := range d.Blobs {
		if entry.Touched > clock {
			delta.Blobs[key] = entry
		}
	}

	for key, entry := range d.Commitments {
		if entry.Touched > clock {
			delta.Commitments[key] = entry
		}
	}

	return delta
}

// deep copy, so callers can hand documents across goroutines
func (d *Document) Clone() *Document {
	clone := NewDocument(d.Actor)
	clone.Clock = d.Clock

	for key, entry := range d.Blobs {
		clone.Blobs[key] = entry
	}

	for key, entry := range d.Commitments {
		clone.Commitments[key] = cloneCommitment(entry)
	}

	return clone
}

func cloneCommitment(entry CommitmentEntry) CommitmentEntry {
	successes := Counter{}
	for actor, n := range entry.Successes {
		successes[actor] = n
	}

	failures := Counter{}
	for actor, n := range entry.Failures {
		failures[actor] = n
	}

	entry.Successes = successes
	entry.Failures = failures

	return entry
}
