package syncengine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var (
	syncDocBucket = []byte("syncdoc")
	syncDocKey    = []byte("doc")
)

// receives custodian commitments learned from remote documents.
// implemented by custodian.Registry.
type CommitmentSink interface {
	RecordCommitment(peerID string, ref holtypes.BlobRef) error
	Disavow(peerID string, ref holtypes.BlobRef) error
}

// delta exchange with one remote peer. implemented by peernet.
type Exchanger interface {
	ConnectedPeers() []string
	// sends our delta, asks for the remote's changes after sinceClock.
	// returns the remote's delta.
	ExchangeDelta(ctx context.Context, peerID string, sinceClock uint64, delta *Document) (*Document, error)
}

type Engine struct {
	mu   sync.Mutex
	doc  *Document
	db   *bbolt.DB
	sink CommitmentSink
	logl *logex.Leveled
}

func New(db *bbolt.DB, actorID string, sink CommitmentSink, logger *log.Logger) (*Engine, error) {
	engine := &Engine{
		db:   db,
		sink: sink,
		logl: logex.Levels(logex.NonNil(logger)),
	}

	if err := db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(syncDocBucket)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(syncDocKey)
		if data == nil {
			return nil
		}

		doc := &Document{}
		if err := cbor.Unmarshal(data, doc); err != nil {
			return err
		}

		engine.doc = doc

		return nil
	}); err != nil {
		return nil, err
	}

	if engine.doc == nil {
		engine.doc = NewDocument(actorID)
	}

	return engine, nil
}

// folds a local mutation (new blob) into the document and persists it.
// propagation to peers happens on the next delta push.
func (e *Engine) ApplyLocalBlob(blob holtypes.Blob) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.doc.ApplyLocalBlob(blob)

	return e.persistLocked()
}

func (e *Engine) ApplyLocalCommitment(rec holtypes.CustodianRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.doc.ApplyLocalCommitment(rec)

	return e.persistLocked()
}

// brings the document up to date with the node's current blobs and custodian
// records. unchanged entries are skipped so periodic reconciliation does not
// inflate the clock (and thereby the deltas peers have to pull).
func (e *Engine) ReconcileLocal(blobs []holtypes.Blob, records []holtypes.CustodianRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false

	for _, blob := range blobs {
		entry, known := e.doc.Blobs[blob.Ref.AsHex()]
		if known && entry.Size.Value == blob.Size {
			continue
		}

		e.doc.ApplyLocalBlob(blob)
		changed = true
	}

	for _, rec := range records {
		entry, known := e.doc.Commitments[rec.ID()]
		if known &&
			entry.State.Value == string(rec.State) &&
			entry.Successes[e.doc.Actor] >= rec.Successes &&
			entry.Failures[e.doc.Actor] >= rec.Failures {
			continue
		}

		e.doc.ApplyLocalCommitment(rec)
		changed = true
	}

	if !changed {
		return nil
	}

	return e.persistLocked()
}

// merges an incoming delta. newly learned (or revived) commitments feed the
// custodian registry; disavowals expire. repeated merges of the same delta
// are no-ops.
func (e *Engine) ReceiveRemoteDelta(peerID string, delta *Document) error {
	e.mu.Lock()

	before := e.doc
	merged := Merge(before, delta)
	e.doc = merged

	persistErr := e.persistLocked()

	e.mu.Unlock()

	if persistErr != nil {
		return persistErr
	}

	// apply learned custodian state outside our lock (sink does its own I/O)
	for key, entry := range delta.Commitments {
		mergedEntry := merged.Commitments[key]

		oldEntry, existed := before.Commitments[key]
		if existed && oldEntry.State.Value == mergedEntry.State.Value {
			continue
		}

		ref, err := holtypes.BlobRefFromHex(mergedEntry.Ref)
		if err != nil {
			e.logl.Error.Printf("remote delta from %s: bad ref %q", peerID, mergedEntry.Ref)
			continue
		}

		var sinkErr error
		if mergedEntry.State.Value == string(holtypes.CommitmentExpired) {
			sinkErr = e.sink.Disavow(entry.Peer, *ref)
		} else {
			sinkErr = e.sink.RecordCommitment(entry.Peer, *ref)
		}

		if sinkErr != nil {
			return sinkErr
		}
	}

	return e.updateCursor(peerID, func(cursor *holtypes.SyncCursor) {
		if delta.Clock > cursor.RemoteClock {
			cursor.RemoteClock = delta.Clock
		}
	})
}

// complete state exchange; used on first contact with a peer or when local
// state was lost. safe and idempotent to run any time.
func (e *Engine) FullSync(ctx context.Context, exchanger Exchanger, peerID string) error {
	return e.syncWithPeer(ctx, exchanger, peerID, true)
}

// changes-only exchange for steady-state propagation
func (e *Engine) DeltaSync(ctx context.Context, exchanger Exchanger, peerID string) error {
	return e.syncWithPeer(ctx, exchanger, peerID, false)
}

func (e *Engine) syncWithPeer(ctx context.Context, exchanger Exchanger, peerID string, full bool) error {
	cursor, err := e.cursorFor(peerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	var outgoing *Document
	if full {
		outgoing = e.doc.Clone()
	} else {
		outgoing = e.doc.DeltaSince(cursor.SentClock)
	}

	ourClock := e.doc.Clock
	e.mu.Unlock()

	sinceClock := cursor.RemoteClock
	if full {
		sinceClock = 0
	}

	remoteDelta, err := exchanger.ExchangeDelta(ctx, peerID, sinceClock, outgoing)
	if err != nil {
		return err
	}

	if err := e.ReceiveRemoteDelta(peerID, remoteDelta); err != nil {
		return err
	}

	return e.updateCursor(peerID, func(cursor *holtypes.SyncCursor) {
		if ourClock > cursor.SentClock {
			cursor.SentClock = ourClock
		}
	})
}

// our document's changes after the given clock, plus our current clock, for
// answering a remote peer's exchange request
func (e *Engine) DeltaSince(clock uint64) *Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.doc.DeltaSince(clock)
}

func (e *Engine) Snapshot() *Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.doc.Clone()
}

// long-running steady-state propagation. cancelled only on node shutdown.
func (e *Engine) PropagationTask(exchanger Exchanger, interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, peerID := range exchanger.ConnectedPeers() {
					if err := e.DeltaSync(ctx, exchanger, peerID); err != nil {
						// transient peer errors must not kill the propagation loop
						e.logl.Debug.Printf("delta sync with %s: %v", peerID, err)
					}
				}
			}
		}
	}
}

func (e *Engine) persistLocked() error {
	data, err := cbor.Marshal(e.doc)
	if err != nil {
		return err
	}

	return e.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(syncDocBucket)
		if err != nil {
			return err
		}

		return bucket.Put(syncDocKey, data)
	})
}

func (e *Engine) cursorFor(peerID string) (*holtypes.SyncCursor, error) {
	cursor := &holtypes.SyncCursor{Peer: peerID}

	if err := e.db.View(func(tx *bbolt.Tx) error {
		err := holdb.SyncCursorRepository.OpenByPrimaryKey([]byte(peerID), cursor, tx)
		if err == holdb.ErrNotFound {
			return nil
		}

		return err
	}); err != nil {
		return nil, err
	}

	return cursor, nil
}

func (e *Engine) updateCursor(peerID string, mutate func(*holtypes.SyncCursor)) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		cursor := &holtypes.SyncCursor{Peer: peerID}

		err := holdb.SyncCursorRepository.OpenByPrimaryKey([]byte(peerID), cursor, tx)
		if err != nil && err != holdb.ErrNotFound {
			return err
		}

		mutate(cursor)
		cursor.Updated = time.Now()

		return holdb.SyncCursorRepository.Update(cursor, tx)
	})
}
