// Bookkeeping of which peers claim to hold which blobs, probing those claims
// and ranking custodians for retrieval.
package custodian

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"go.etcd.io/bbolt"
)

// performs one bounded-time "does peer X actually have blob Y" check against
// the remote peer. implemented by peernet.
type Prober interface {
	Probe(ctx context.Context, peerID string, ref holtypes.BlobRef) error
}

type Config struct {
	// consecutive probe failures before a confirmed commitment expires. a
	// single failure must not evict a good custodian over a network blip.
	FailureThreshold int
	// decay half-life of the probe success estimate
	ScoreHalfLife time.Duration
	// per-probe attempt budget, distinct from any caller deadline
	ProbeTimeout time.Duration
	// cron spec for the background probe sweep
	SweepSchedule string
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ScoreHalfLife:    30 * time.Minute,
		ProbeTimeout:     10 * time.Second,
		SweepSchedule:    "@every 5m",
	}
}

type Registry struct {
	db     *bbolt.DB
	prober Prober
	conf   Config
	logl   *logex.Leveled
}

func NewRegistry(db *bbolt.DB, prober Prober, conf Config, logger *log.Logger) *Registry {
	return &Registry{
		db:     db,
		prober: prober,
		conf:   conf,
		logl:   logex.Levels(logex.NonNil(logger)),
	}
}

// upserts a commitment in claimed state. an existing confirmed commitment is
// not downgraded; a re-announced expired commitment gets a fresh chance.
func (r *Registry) RecordCommitment(peerID string, ref holtypes.BlobRef) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		rec := &holtypes.CustodianRecord{}

		err := holdb.CustodianRepository.OpenByPrimaryKey([]byte(holtypes.CustodianRecordID(peerID, ref)), rec, tx)
		switch {
		case err == holdb.ErrNotFound:
			rec = &holtypes.CustodianRecord{
				Peer:      peerID,
				Ref:       ref,
				State:     holtypes.CommitmentClaimed,
				FirstSeen: time.Now(),
			}
		case err != nil:
			return err
		case rec.State == holtypes.CommitmentExpired:
			rec.State = holtypes.CommitmentClaimed
			rec.ConsecutiveFailures = 0
		default: // claimed or confirmed already - nothing to change
			return nil
		}

		return holdb.CustodianRepository.Update(rec, tx)
	})
}

// explicit removal of a commitment (peer told us it no longer holds the blob)
func (r *Registry) Disavow(peerID string, ref holtypes.BlobRef) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		rec := &holtypes.CustodianRecord{}

		if err := holdb.CustodianRepository.OpenByPrimaryKey([]byte(holtypes.CustodianRecordID(peerID, ref)), rec, tx); err != nil {
			if err == holdb.ErrNotFound {
				return nil
			}

			return err
		}

		rec.State = holtypes.CommitmentExpired

		return holdb.CustodianRepository.Update(rec, tx)
	})
}

// probes the peer's claim and folds the outcome into the record. outcome is
// persisted immediately so registry state survives restarts.
func (r *Registry) Probe(ctx context.Context, peerID string, ref holtypes.BlobRef) error {
	ctx, cancel := context.WithTimeout(ctx, r.conf.ProbeTimeout)
	defer cancel()

	probeErr := r.prober.Probe(ctx, peerID, ref)
	if probeErr != nil {
		r.logl.Debug.Printf("probe %s @ %s: %v", ref.AsHex(), peerID, probeErr)
	}

	if err := r.applyProbeOutcome(peerID, ref, probeErr == nil); err != nil {
		return err
	}

	return probeErr
}

// the only mutation path for health scores
func (r *Registry) applyProbeOutcome(peerID string, ref holtypes.BlobRef, success bool) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		rec := &holtypes.CustodianRecord{}

		err := holdb.CustodianRepository.OpenByPrimaryKey([]byte(holtypes.CustodianRecordID(peerID, ref)), rec, tx)
		switch {
		case err == holdb.ErrNotFound:
			// observed possession without a prior claim counts as one
			rec = &holtypes.CustodianRecord{
				Peer:      peerID,
				Ref:       ref,
				State:     holtypes.CommitmentClaimed,
				FirstSeen: time.Now(),
			}
		case err != nil:
			return err
		}

		foldProbeOutcome(rec, success, time.Now(), r.conf.ScoreHalfLife)

		switch {
		case success && rec.State == holtypes.CommitmentClaimed:
			rec.State = holtypes.CommitmentConfirmed
		case !success && rec.State != holtypes.CommitmentExpired && rec.ConsecutiveFailures >= r.conf.FailureThreshold:
			r.logl.Info.Printf("commitment %s expired after %d consecutive failures", rec.ID(), rec.ConsecutiveFailures)
			rec.State = holtypes.CommitmentExpired
		}

		return holdb.CustodianRepository.Update(rec, tx)
	})
}

// returns up to n candidate custodians for the blob, best first. peers with
// expired commitments never appear.
func (r *Registry) SelectCustodians(ref holtypes.BlobRef, n int) ([]holtypes.CustodianRecord, error) {
	candidates := []holtypes.CustodianRecord{}

	if err := r.db.View(func(tx *bbolt.Tx) error {
		return holdb.CustodiansByRefIndex.Query([]byte(ref.AsHex()), func(id []byte) error {
			rec := &holtypes.CustodianRecord{}

			if err := holdb.CustodianRepository.OpenByPrimaryKey(id, rec, tx); err != nil {
				return err
			}

			if rec.State != holtypes.CommitmentExpired {
				candidates = append(candidates, *rec)
			}

			return nil
		}, tx)
	}); err != nil {
		return nil, err
	}

	now := time.Now()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]

		scoreA, scoreB := rankScore(a, now, r.conf.ScoreHalfLife), rankScore(b, now, r.conf.ScoreHalfLife)
		if scoreA != scoreB {
			return scoreA > scoreB
		}

		if !a.LastSuccess.Equal(b.LastSuccess) {
			return a.LastSuccess.After(b.LastSuccess)
		}

		return a.Peer < b.Peer // stable order for tests and sanity
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}

	return candidates, nil
}

func (r *Registry) Records() ([]holtypes.CustodianRecord, error) {
	records := []holtypes.CustodianRecord{}

	if err := r.db.View(func(tx *bbolt.Tx) error {
		return holdb.CustodianRepository.Each(holdb.CustodianRecordAppender(&records), tx)
	}); err != nil {
		return nil, err
	}

	return records, nil
}
