package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
)

type recordingSink struct {
	commitments []string
	disavowals  []string
}

func (r *recordingSink) RecordCommitment(peerID string, ref holtypes.BlobRef) error {
	r.commitments = append(r.commitments, holtypes.CustodianRecordID(peerID, ref))
	return nil
}

func (r *recordingSink) Disavow(peerID string, ref holtypes.BlobRef) error {
	r.disavowals = append(r.disavowals, holtypes.CustodianRecordID(peerID, ref))
	return nil
}

// routes exchange requests straight into the other node's engine
type loopbackExchanger struct {
	peers map[string]*Engine
}

func (l *loopbackExchanger) ConnectedPeers() []string {
	peerIDs := []string{}
	for peerID := range l.peers {
		peerIDs = append(peerIDs, peerID)
	}

	return peerIDs
}

func (l *loopbackExchanger) ExchangeDelta(ctx context.Context, peerID string, sinceClock uint64, delta *Document) (*Document, error) {
	remote := l.peers[peerID]

	if err := remote.ReceiveRemoteDelta(delta.Actor, delta); err != nil {
		return nil, err
	}

	return remote.DeltaSince(sinceClock), nil
}

func TestDocumentSurvivesRestart(t *testing.T) {
	dir, cleanup := testDir(t)
	defer cleanup()

	dbPath := filepath.Join(dir, "holvi.db")

	db, err := holdb.Open(dbPath)
	assert.Ok(t, err)
	assert.Ok(t, holdb.Bootstrap(db))

	engine, err := New(db, "node1", &recordingSink{}, nil)
	assert.Ok(t, err)

	assert.Ok(t, engine.ApplyLocalBlob(holtypes.Blob{Ref: refOf("survivor"), Size: 42}))

	assert.Ok(t, db.Close())

	db, err = holdb.Open(dbPath)
	assert.Ok(t, err)

	defer db.Close()

	reloaded, err := New(db, "node1", &recordingSink{}, nil)
	assert.Ok(t, err)

	snapshot := reloaded.Snapshot()
	entry, exists := snapshot.Blobs[refOf("survivor").AsHex()]
	assert.Assert(t, exists)
	assert.Assert(t, entry.Size.Value == 42)
}

func TestRemoteDeltaFeedsCommitmentSink(t *testing.T) {
	engine, sink, cleanup := testEngine(t, "node1")
	defer cleanup()

	remote := NewDocument("node2")
	remote.ApplyLocalCommitment(holtypes.CustodianRecord{
		Peer:  "node2",
		Ref:   refOf("payload"),
		State: holtypes.CommitmentConfirmed,
	})

	assert.Ok(t, engine.ReceiveRemoteDelta("node2", remote.DeltaSince(0)))

	assert.Assert(t, len(sink.commitments) == 1)
	assert.EqualString(t, sink.commitments[0], holtypes.CustodianRecordID("node2", refOf("payload")))

	// merging the same delta again must not re-apply
	assert.Ok(t, engine.ReceiveRemoteDelta("node2", remote.DeltaSince(0)))
	assert.Assert(t, len(sink.commitments) == 1)
}

func TestRemoteDisavowalExpires(t *testing.T) {
	engine, sink, cleanup := testEngine(t, "node1")
	defer cleanup()

	remote := NewDocument("node2")
	remote.ApplyLocalCommitment(holtypes.CustodianRecord{
		Peer:  "node2",
		Ref:   refOf("gone"),
		State: holtypes.CommitmentExpired,
	})

	assert.Ok(t, engine.ReceiveRemoteDelta("node2", remote.DeltaSince(0)))

	assert.Assert(t, len(sink.disavowals) == 1)
	assert.Assert(t, len(sink.commitments) == 0)
}

// spec'd network behaviour: two nodes record commitments for the same blob
// from different peers concurrently; after sync both records exist on both
func TestConcurrentCommitmentsConvergeAcrossNodes(t *testing.T) {
	engineA, _, cleanupA := testEngine(t, "nodeA")
	defer cleanupA()

	engineB, _, cleanupB := testEngine(t, "nodeB")
	defer cleanupB()

	ref := refOf("contested")

	assert.Ok(t, engineA.ApplyLocalCommitment(holtypes.CustodianRecord{Peer: "peerX", Ref: ref, State: holtypes.CommitmentClaimed}))
	assert.Ok(t, engineB.ApplyLocalCommitment(holtypes.CustodianRecord{Peer: "peerY", Ref: ref, State: holtypes.CommitmentClaimed}))

	exchangerForA := &loopbackExchanger{peers: map[string]*Engine{"nodeB": engineB}}

	assert.Ok(t, engineA.FullSync(context.Background(), exchangerForA, "nodeB"))

	assert.Assert(t, len(engineA.Snapshot().Commitments) == 2)
	assert.Assert(t, len(engineB.Snapshot().Commitments) == 2)
}

func TestDeltaSyncUsesCursor(t *testing.T) {
	engineA, _, cleanupA := testEngine(t, "nodeA")
	defer cleanupA()

	engineB, _, cleanupB := testEngine(t, "nodeB")
	defer cleanupB()

	exchangerForA := &loopbackExchanger{peers: map[string]*Engine{"nodeB": engineB}}

	assert.Ok(t, engineA.ApplyLocalBlob(holtypes.Blob{Ref: refOf("one"), Size: 1}))
	assert.Ok(t, engineA.DeltaSync(context.Background(), exchangerForA, "nodeB"))

	_, exists := engineB.Snapshot().Blobs[refOf("one").AsHex()]
	assert.Assert(t, exists)

	// second change syncs too (cursor advanced, not stuck)
	assert.Ok(t, engineA.ApplyLocalBlob(holtypes.Blob{Ref: refOf("two"), Size: 2}))
	assert.Ok(t, engineA.DeltaSync(context.Background(), exchangerForA, "nodeB"))

	assert.Assert(t, len(engineB.Snapshot().Blobs) == 2)
}

func TestReconcileSkipsUnchangedState(t *testing.T) {
	engine, _, cleanup := testEngine(t, "node1")
	defer cleanup()

	blobs := []holtypes.Blob{{Ref: refOf("present"), Size: 10}}
	records := []holtypes.CustodianRecord{{
		Peer:      "node2",
		Ref:       refOf("present"),
		State:     holtypes.CommitmentConfirmed,
		Successes: 3,
	}}

	assert.Ok(t, engine.ReconcileLocal(blobs, records))
	clockAfterFirst := engine.Snapshot().Clock

	// same state again must not tick the clock
	assert.Ok(t, engine.ReconcileLocal(blobs, records))
	assert.Assert(t, engine.Snapshot().Clock == clockAfterFirst)

	// an actual change does
	records[0].Successes = 4
	assert.Ok(t, engine.ReconcileLocal(blobs, records))
	assert.Assert(t, engine.Snapshot().Clock > clockAfterFirst)
}

func testEngine(t *testing.T, actor string) (*Engine, *recordingSink, func()) {
	dir, cleanup := testDir(t)

	db, err := holdb.Open(filepath.Join(dir, "holvi.db"))
	assert.Ok(t, err)
	assert.Ok(t, holdb.Bootstrap(db))

	sink := &recordingSink{}

	engine, err := New(db, actor, sink, nil)
	assert.Ok(t, err)

	return engine, sink, func() {
		db.Close()
		cleanup()
	}
}

func testDir(t *testing.T) (string, func()) {
	dir, err := os.MkdirTemp("", "holvitest")
	assert.Ok(t, err)

	return dir, func() { os.RemoveAll(dir) }
}
