package blorm

import (
	"bytes"

	"go.etcd.io/bbolt"
)

/*	types of indices
	================

	setIndex (example: custodian records pending probe)
	--------
	(" ", id) = nil

	valueIndex (example: custodian records by blob ref)
	----------
	(value, id) = nil
*/

// fully qualified index entry, incl. the index name
type qualifiedIndexRef struct {
	indexName []byte // looks like custodians:by_ref
	partition []byte // for setIndex this is always " "
	sortKey   []byte // primary key of the record this entry refers to
}

func (i *qualifiedIndexRef) Equals(other *qualifiedIndexRef) bool {
	return bytes.Equal(i.indexName, other.indexName) &&
		bytes.Equal(i.partition, other.partition) &&
		bytes.Equal(i.sortKey, other.sortKey)
}

func (i *qualifiedIndexRef) Write(tx *bbolt.Tx) error {
	return indexBucketRefForWrite(i, tx).Put(i.sortKey, nil)
}

func (i *qualifiedIndexRef) Drop(tx *bbolt.Tx) error {
	return indexBucketRefForWrite(i, tx).Delete(i.sortKey)
}

func indexBucketRefForWrite(ref *qualifiedIndexRef, tx *bbolt.Tx) *bbolt.Bucket {
	indexBucket, err := tx.CreateBucketIfNotExists(ref.indexName)
	if err != nil {
		panic(err)
	}

	partitionBucket, err := indexBucket.CreateBucketIfNotExists(ref.partition)
	if err != nil {
		panic(err)
	}

	return partitionBucket
}

type SetIndexApi interface {
	// return ErrStopIteration from "fn" to stop mid-iteration (Query() returns nil)
	Query(fn func(sortKey []byte) error, tx *bbolt.Tx) error
	Index
}

type setIndex struct {
	repo            *SimpleRepository
	indexName       []byte
	memberEvaluator func(record interface{}) bool
}

func NewSetIndex(name string, repo *SimpleRepository, memberEvaluator func(record interface{}) bool) SetIndexApi {
	idx := &setIndex{
		repo:            repo,
		indexName:       append(append([]byte{}, repo.bucketName...), []byte(":"+name)...),
		memberEvaluator: memberEvaluator,
	}

	repo.indices = append(repo.indices, idx)

	return idx
}

func (s *setIndex) extractIndexRefs(record interface{}) []qualifiedIndexRef {
	if s.memberEvaluator(record) {
		return []qualifiedIndexRef{
			{s.indexName, []byte(" "), s.repo.idExtractor(record)},
		}
	}

	return nil
}

func (s *setIndex) Query(fn func(sortKey []byte) error, tx *bbolt.Tx) error {
	// " " because empty bucket name is not supported
	return indexQueryShared(s.indexName, []byte(" "), fn, tx)
}

type ValueIndexApi interface {
	// queries all records whose indexed value equals "partition".
	// return ErrStopIteration from "fn" to stop mid-iteration (Query() returns nil)
	Query(partition []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error
	Index
}

type valueIndex struct {
	repo      *SimpleRepository
	indexName []byte
	extractor func(record interface{}, index func(val []byte))
}

func NewValueIndex(name string, repo *SimpleRepository, extractor func(record interface{}, index func(val []byte))) ValueIndexApi {
	idx := &valueIndex{
		repo:      repo,
		indexName: append(append([]byte{}, repo.bucketName...), []byte(":"+name)...),
		extractor: extractor,
	}

	repo.indices = append(repo.indices, idx)

	return idx
}

func (v *valueIndex) extractIndexRefs(record interface{}) []qualifiedIndexRef {
	refs := []qualifiedIndexRef{}

	v.extractor(record, func(val []byte) {
		refs = append(refs, qualifiedIndexRef{v.indexName, val, v.repo.idExtractor(record)})
	})

	return refs
}

func (v *valueIndex) Query(partition []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error {
	return indexQueryShared(v.indexName, partition, fn, tx)
}

func indexQueryShared(indexName []byte, partition []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error {
	indexBucket := tx.Bucket(indexName)
	if indexBucket == nil { // no entries written yet
		return nil
	}

	partitionBucket := indexBucket.Bucket(partition)
	if partitionBucket == nil {
		return nil
	}

	all := partitionBucket.Cursor()
	for sortKey, _ := all.First(); sortKey != nil; sortKey, _ = all.Next() {
		if err := fn(sortKey); err != nil {
			if err == ErrStopIteration {
				return nil
			}

			return err
		}
	}

	return nil
}
