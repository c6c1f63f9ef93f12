package custodian

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"go.etcd.io/bbolt"
)

// scripted prober: peer ID present in "failing" set => probe fails
type fakeProber struct {
	failing map[string]bool
}

func (f *fakeProber) Probe(ctx context.Context, peerID string, ref holtypes.BlobRef) error {
	if f.failing[peerID] {
		return errors.New("peer unreachable")
	}

	return nil
}

func TestCommitmentLifecycle(t *testing.T) {
	registry, prober, cleanup := testRegistry(t)
	defer cleanup()

	ref := testRef("aa")

	assert.Ok(t, registry.RecordCommitment("peer1", ref))
	assert.EqualString(t, string(recordState(t, registry, "peer1", ref)), "claimed")

	// first successful probe confirms
	assert.Ok(t, registry.Probe(context.Background(), "peer1", ref))
	assert.EqualString(t, string(recordState(t, registry, "peer1", ref)), "confirmed")

	// failures below the threshold don't expire
	prober.failing["peer1"] = true
	for i := 0; i < registry.conf.FailureThreshold-1; i++ {
		_ = registry.Probe(context.Background(), "peer1", ref)
	}
	assert.EqualString(t, string(recordState(t, registry, "peer1", ref)), "confirmed")

	// the threshold'th consecutive failure expires
	_ = registry.Probe(context.Background(), "peer1", ref)
	assert.EqualString(t, string(recordState(t, registry, "peer1", ref)), "expired")

	// re-announcement gives the custodian a fresh chance
	assert.Ok(t, registry.RecordCommitment("peer1", ref))
	assert.EqualString(t, string(recordState(t, registry, "peer1", ref)), "claimed")
}

func TestSuccessfulProbeInterruptsFailureRun(t *testing.T) {
	registry, prober, cleanup := testRegistry(t)
	defer cleanup()

	ref := testRef("bb")

	assert.Ok(t, registry.RecordCommitment("peer1", ref))

	prober.failing["peer1"] = true
	for i := 0; i < registry.conf.FailureThreshold-1; i++ {
		_ = registry.Probe(context.Background(), "peer1", ref)
	}

	prober.failing["peer1"] = false
	assert.Ok(t, registry.Probe(context.Background(), "peer1", ref))

	// counter reset - another run must start from zero
	prober.failing["peer1"] = true
	for i := 0; i < registry.conf.FailureThreshold-1; i++ {
		_ = registry.Probe(context.Background(), "peer1", ref)
	}
	assert.EqualString(t, string(recordState(t, registry, "peer1", ref)), "confirmed")
}

func TestSelectCustodiansExcludesExpired(t *testing.T) {
	registry, prober, cleanup := testRegistry(t)
	defer cleanup()

	ref := testRef("cc")

	assert.Ok(t, registry.RecordCommitment("good", ref))
	assert.Ok(t, registry.RecordCommitment("bad", ref))

	assert.Ok(t, registry.Probe(context.Background(), "good", ref))

	prober.failing["bad"] = true
	for i := 0; i < registry.conf.FailureThreshold; i++ {
		_ = registry.Probe(context.Background(), "bad", ref)
	}

	selected, err := registry.SelectCustodians(ref, 10)
	assert.Ok(t, err)
	assert.Assert(t, len(selected) == 1)
	assert.EqualString(t, selected[0].Peer, "good")
}

func TestSelectCustodiansRanking(t *testing.T) {
	registry, _, cleanup := testRegistry(t)
	defer cleanup()

	ref := testRef("dd")

	// confirmed beats merely-claimed
	assert.Ok(t, registry.RecordCommitment("confirmed", ref))
	assert.Ok(t, registry.RecordCommitment("claimedonly", ref))
	assert.Ok(t, registry.Probe(context.Background(), "confirmed", ref))

	selected, err := registry.SelectCustodians(ref, 10)
	assert.Ok(t, err)
	assert.Assert(t, len(selected) == 2)
	assert.EqualString(t, selected[0].Peer, "confirmed")
	assert.EqualString(t, selected[1].Peer, "claimedonly")

	// n caps the result
	selected, err = registry.SelectCustodians(ref, 1)
	assert.Ok(t, err)
	assert.Assert(t, len(selected) == 1)
}

func TestDisavow(t *testing.T) {
	registry, _, cleanup := testRegistry(t)
	defer cleanup()

	ref := testRef("ee")

	assert.Ok(t, registry.RecordCommitment("peer1", ref))
	assert.Ok(t, registry.Disavow("peer1", ref))

	selected, err := registry.SelectCustodians(ref, 10)
	assert.Ok(t, err)
	assert.Assert(t, len(selected) == 0)
}

func TestSweepOnceProbesActiveCommitments(t *testing.T) {
	registry, prober, cleanup := testRegistry(t)
	defer cleanup()

	ref := testRef("ff")

	assert.Ok(t, registry.RecordCommitment("peer1", ref))
	assert.Ok(t, registry.RecordCommitment("peer2", ref))
	prober.failing["peer2"] = true

	assert.Ok(t, registry.SweepOnce(context.Background()))

	assert.EqualString(t, string(recordState(t, registry, "peer1", ref)), "confirmed")

	rec := openRecord(t, registry, "peer2", ref)
	assert.Assert(t, rec.Failures == 1)
}

func testRegistry(t *testing.T) (*Registry, *fakeProber, func()) {
	dir, err := os.MkdirTemp("", "holvitest")
	assert.Ok(t, err)

	db, err := holdb.Open(filepath.Join(dir, "holvi.db"))
	assert.Ok(t, err)

	assert.Ok(t, holdb.Bootstrap(db))

	prober := &fakeProber{failing: map[string]bool{}}

	registry := NewRegistry(db, prober, DefaultConfig(), nil)

	return registry, prober, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func testRef(prefix string) holtypes.BlobRef {
	hexDigest := prefix
	for len(hexDigest) < 64 {
		hexDigest += "0"
	}

	ref, err := holtypes.BlobRefFromHex(hexDigest)
	if err != nil {
		panic(err)
	}

	return *ref
}

func openRecord(t *testing.T, registry *Registry, peerID string, ref holtypes.BlobRef) *holtypes.CustodianRecord {
	rec := &holtypes.CustodianRecord{}

	assert.Ok(t, registry.db.View(func(tx *bbolt.Tx) error {
		return holdb.CustodianRepository.OpenByPrimaryKey([]byte(holtypes.CustodianRecordID(peerID, ref)), rec, tx)
	}))

	return rec
}

func recordState(t *testing.T, registry *Registry, peerID string, ref holtypes.BlobRef) holtypes.CommitmentState {
	return openRecord(t, registry, peerID, ref).State
}
