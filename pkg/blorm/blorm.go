// "Bolt Light ORM", doesn't do much else than persist structs into Bolt..
package blorm

import (
	"errors"

	"go.etcd.io/bbolt"
)

var (
	ErrNotFound       = errors.New("database: record not found")
	ErrBucketNotFound = errors.New("database: bucket not found")
	// return from an iteration callback to stop iteration. not returned to the
	// API caller
	ErrStopIteration = errors.New("blorm: stop iteration")
)

var (
	StartFromFirst = []byte("")
)

type Repository interface {
	Bootstrap(tx *bbolt.Tx) error
	OpenByPrimaryKey(id []byte, record interface{}, tx *bbolt.Tx) error
	Update(record interface{}, tx *bbolt.Tx) error
	Delete(record interface{}, tx *bbolt.Tx) error
	// return ErrStopIteration from "fn" to stop iteration
	Each(fn func(record interface{}) error, tx *bbolt.Tx) error
	// rules of Each() also apply here
	EachFrom(from []byte, fn func(record interface{}) error, tx *bbolt.Tx) error
	Alloc() interface{}
}

type Index interface {
	// internal use only
	extractIndexRefs(record interface{}) []qualifiedIndexRef
}
