package blobstore

import (
	"sync"

	"github.com/function61/holvi/pkg/holtypes"
)

// per-ref write serialization. writes of the same ref queue behind each other,
// writes of different refs never contend.
type refMutexMap struct {
	locks    map[string]chan struct{}
	masterMu sync.Mutex
}

func newRefMutexMap() *refMutexMap {
	return &refMutexMap{
		locks: map[string]chan struct{}{},
	}
}

func (r *refMutexMap) Lock(ref holtypes.BlobRef) func() {
	key := ref.AsHex()

	for {
		unlock, tryAgain := r.tryLockInternal(key)
		if tryAgain != nil {
			// wait for unlock (signalled by close of the chan), then try again.
			// not guaranteed to succeed - someone else might grab the same lock.
			<-tryAgain
			continue
		}

		return unlock
	}
}

func (r *refMutexMap) tryLockInternal(key string) (func(), chan struct{}) {
	r.masterMu.Lock()
	defer r.masterMu.Unlock()

	if tryAgain, taken := r.locks[key]; taken {
		return nil, tryAgain
	}

	unlocked := make(chan struct{})
	r.locks[key] = unlocked

	return func() {
		r.masterMu.Lock()
		defer r.masterMu.Unlock()

		delete(r.locks, key)
		close(unlocked)
	}, nil
}
