// Encapsulates access to the metadata database
package holdb

import (
	"fmt"

	"github.com/function61/holvi/pkg/blorm"
	"github.com/function61/holvi/pkg/holtypes"
	"go.etcd.io/bbolt"
)

// re-export so not all holdb-importing packages have to import blorm
var (
	StartFromFirst = blorm.StartFromFirst
	StopIteration  = blorm.ErrStopIteration
	ErrNotFound    = blorm.ErrNotFound
)

var BlobRepository = register("Blob", blorm.NewSimpleRepo(
	"blobs",
	func() interface{} { return &holtypes.Blob{} },
	func(record interface{}) []byte { return record.(*holtypes.Blob).Ref }))

var CustodianRepository = register("CustodianRecord", blorm.NewSimpleRepo(
	"custodians",
	func() interface{} { return &holtypes.CustodianRecord{} },
	func(record interface{}) []byte { return []byte(record.(*holtypes.CustodianRecord).ID()) }))

// selection always starts from "all custodians of this blob"
var CustodiansByRefIndex = blorm.NewValueIndex("by_ref", CustodianRepository, func(record interface{}, index func(val []byte)) {
	index([]byte(record.(*holtypes.CustodianRecord).Ref.AsHex()))
})

// probe sweep only cares about non-expired commitments
var CustodiansActiveIndex = blorm.NewSetIndex("active", CustodianRepository, func(record interface{}) bool {
	return record.(*holtypes.CustodianRecord).State != holtypes.CommitmentExpired
})

var PeerRepository = register("Peer", blorm.NewSimpleRepo(
	"peers",
	func() interface{} { return &holtypes.Peer{} },
	func(record interface{}) []byte { return []byte(record.(*holtypes.Peer).ID) }))

var SyncCursorRepository = register("SyncCursor", blorm.NewSimpleRepo(
	"synccursors",
	func() interface{} { return &holtypes.SyncCursor{} },
	func(record interface{}) []byte { return []byte(record.(*holtypes.SyncCursor).Peer) }))

// appenders. Go surely would need some generic love..

func CustodianRecordAppender(slice *[]holtypes.CustodianRecord) func(record interface{}) error {
	return func(record interface{}) error {
		*slice = append(*slice, *record.(*holtypes.CustodianRecord))
		return nil
	}
}

func PeerAppender(slice *[]holtypes.Peer) func(record interface{}) error {
	return func(record interface{}) error {
		*slice = append(*slice, *record.(*holtypes.Peer))
		return nil
	}
}

func BlobAppender(slice *[]holtypes.Blob) func(record interface{}) error {
	return func(record interface{}) error {
		*slice = append(*slice, *record.(*holtypes.Blob))
		return nil
	}
}

var allRepos = map[string]blorm.Repository{}

func register(key string, repo *blorm.SimpleRepository) *blorm.SimpleRepository {
	allRepos[key] = repo
	return repo
}

func Open(dbLocation string) (*bbolt.DB, error) {
	return bbolt.Open(dbLocation, 0700, nil)
}

// creates buckets for all known repositories. idempotent - safe to call on
// each server start.
func Bootstrap(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for key, repo := range allRepos {
			if err := repo.Bootstrap(tx); err != nil {
				if err == bbolt.ErrBucketExists {
					continue
				}

				return fmt.Errorf("bootstrap %s: %w", key, err)
			}
		}

		return nil
	})
}
