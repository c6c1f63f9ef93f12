package custodian

import (
	"context"
	"sync"
	"time"

	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// builds a cancellable task (for taskrunner) that probes all non-expired
// commitments on the configured schedule
func (r *Registry) SweepTask() (func(context.Context) error, error) {
	schedule, err := cronParser.Parse(r.conf.SweepSchedule)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		for {
			next := schedule.Next(time.Now())

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Until(next)):
				if err := r.SweepOnce(ctx); err != nil {
					r.logl.Error.Printf("probe sweep: %v", err)
				}
			}
		}
	}, nil
}

// probes every active commitment once. probes of different records run
// concurrently; each outcome is applied in its own transaction.
func (r *Registry) SweepOnce(ctx context.Context) error {
	sweepable := []holtypes.CustodianRecord{}

	if err := r.db.View(func(tx *bbolt.Tx) error {
		return holdb.CustodiansActiveIndex.Query(func(id []byte) error {
			rec := &holtypes.CustodianRecord{}

			if err := holdb.CustodianRepository.OpenByPrimaryKey(id, rec, tx); err != nil {
				return err
			}

			sweepable = append(sweepable, *rec)

			return nil
		}, tx)
	}); err != nil {
		return err
	}

	jobQueue := make(chan *holtypes.CustodianRecord, 4)

	runnersDone := sync.WaitGroup{}

	runner := func() {
		defer runnersDone.Done()

		for rec := range jobQueue {
			// probe errors fold into health scoring, they are not sweep errors
			_ = r.Probe(ctx, rec.Peer, rec.Ref)
		}
	}

	for i := 0; i < cap(jobQueue); i++ {
		runnersDone.Add(1)
		go runner()
	}

	for i := range sweepable {
		select {
		case <-ctx.Done():
			close(jobQueue)
			runnersDone.Wait()
			return ctx.Err()
		case jobQueue <- &sweepable[i]:
		}
	}

	close(jobQueue)
	runnersDone.Wait()

	return nil
}
