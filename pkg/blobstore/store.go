package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/function61/gokit/hashverifyreader"
	"github.com/function61/gokit/logex"
	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/minio/sha256-simd"
	"go.etcd.io/bbolt"
)

// Store adds hashing, verification and metadata bookkeeping on top of a raw
// Driver. all blob access should go through here.
type Store struct {
	driver     Driver
	db         *bbolt.DB
	writeLocks *refMutexMap
	logl       *logex.Leveled
}

func New(driver Driver, db *bbolt.DB, logger *log.Logger) *Store {
	return &Store{
		driver:     driver,
		db:         db,
		writeLocks: newRefMutexMap(),
		logl:       logex.Levels(logex.NonNil(logger)),
	}
}

// computes the content hash while spooling to a temp file, then commits the
// bytes under the resulting ref. writing identical bytes twice is a no-op
// success yielding the same ref.
func (s *Store) Put(ctx context.Context, content io.Reader, contentTypeHint string) (*holtypes.Blob, error) {
	spool, err := os.CreateTemp("", "holvi-put-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := sha256.New()

	size, err := io.Copy(io.MultiWriter(spool, hasher), content)
	if err != nil {
		return nil, err
	}

	ref, err := holtypes.BlobRefFromBytes(hasher.Sum(nil))
	if err != nil {
		return nil, err
	}

	unlock := s.writeLocks.Lock(*ref)
	defer unlock()

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if err := s.driver.RawStore(ctx, *ref, spool); err != nil {
		return nil, fmt.Errorf("blob %s store: %w", ref.AsHex(), err)
	}

	blob := &holtypes.Blob{
		Ref:         *ref,
		Size:        size,
		ContentType: contentTypeHint,
		Arrived:     time.Now(),
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		existing := &holtypes.Blob{}
		if err := holdb.BlobRepository.OpenByPrimaryKey(*ref, existing, tx); err == nil {
			blob = existing // duplicate put - keep original arrival time
			return nil
		}

		return holdb.BlobRepository.Update(blob, tx)
	}); err != nil {
		return nil, err
	}

	return blob, nil
}

// returns a stream whose bytes are verified against the ref. a digest mismatch
// (or failure to finish reading the stream) surfaces as ErrCorruption from
// Read, so callers can trigger a remote re-fetch instead of giving up.
func (s *Store) Get(ctx context.Context, ref holtypes.BlobRef) (io.ReadCloser, error) {
	raw, err := s.driver.RawFetch(ctx, ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, holtypes.ErrBlobNotFound
		}

		return nil, err
	}

	tagged := &taggedReader{inner: raw}

	return &verifiedReader{
		verified: hashverifyreader.New(tagged, sha256.New(), ref.AsSha256Sum()),
		raw:      raw,
	}, nil
}

// random access for ranged serving. bytes are not verified on this path -
// callers verify separately (VerifyOne) before serving from it.
func (s *Store) OpenRandomAccess(ctx context.Context, ref holtypes.BlobRef) (ReadSeekCloser, *holtypes.Blob, error) {
	blob, err := s.Stat(ref)
	if err != nil {
		return nil, nil, err
	}

	raw, err := s.driver.RawFetch(ctx, ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, holtypes.ErrBlobNotFound
		}

		return nil, nil, err
	}

	seeker, ok := raw.(ReadSeekCloser)
	if !ok {
		raw.Close()
		return nil, nil, fmt.Errorf("blob %s: driver does not support random access", ref.AsHex())
	}

	return seeker, blob, nil
}

func (s *Store) Exists(ctx context.Context, ref holtypes.BlobRef) (bool, error) {
	return s.driver.RawExists(ctx, ref)
}

func (s *Store) Stat(ref holtypes.BlobRef) (*holtypes.Blob, error) {
	blob := &holtypes.Blob{}

	if err := s.db.View(func(tx *bbolt.Tx) error {
		return holdb.BlobRepository.OpenByPrimaryKey(ref, blob, tx)
	}); err != nil {
		if err == holdb.ErrNotFound {
			return nil, holtypes.ErrBlobNotFound
		}

		return nil, err
	}

	return blob, nil
}

// reads the blob end-to-end, verifying its digest
func (s *Store) VerifyOne(ctx context.Context, ref holtypes.BlobRef) error {
	verified, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	defer verified.Close()

	_, err = io.Copy(io.Discard, verified)
	return err
}

// drops the stored bytes for a ref whose verification failed. the metadata row
// stays, so a later re-fetch from a custodian restores the blob under the same
// identity.
func (s *Store) Evict(ctx context.Context, ref holtypes.BlobRef) error {
	unlock := s.writeLocks.Lock(ref)
	defer unlock()

	return s.driver.RawRemove(ctx, ref)
}

// verifies every stored blob end-to-end, evicting the ones whose bytes no
// longer match their ref so they get re-fetched instead of served
func (s *Store) SweepVerify(ctx context.Context) error {
	blobs, err := s.Blobs()
	if err != nil {
		return err
	}

	for _, blob := range blobs {
		if ctx.Err() != nil {
			return nil
		}

		err := s.VerifyOne(ctx, blob.Ref)
		switch {
		case err == nil:
		case errors.Is(err, holtypes.ErrCorruption):
			s.logl.Error.Printf("blob %s failed verification - evicting for re-fetch", blob.Ref.AsHex())

			if err := s.Evict(ctx, blob.Ref); err != nil {
				return err
			}
		case errors.Is(err, holtypes.ErrBlobNotFound):
			// bytes already gone. nothing to verify, nothing to evict.
		default:
			return err
		}
	}

	return nil
}

func (s *Store) Blobs() ([]holtypes.Blob, error) {
	blobs := []holtypes.Blob{}

	if err := s.db.View(func(tx *bbolt.Tx) error {
		return holdb.BlobRepository.Each(holdb.BlobAppender(&blobs), tx)
	}); err != nil {
		return nil, err
	}

	return blobs, nil
}

type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
}

type verifiedReader struct {
	verified io.Reader
	raw      io.ReadCloser
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	n, err := v.verified.Read(p)
	if err != nil && err != io.EOF {
		// disk read failures pass through as-is - only a failure born inside
		// the verifying reader (digest mismatch, short stream) means the
		// on-disk bytes are not what the ref promises
		var readErr *storageReadError
		if errors.As(err, &readErr) {
			return n, readErr.err
		}

		return n, fmt.Errorf("%w: %v", holtypes.ErrCorruption, err)
	}

	return n, err
}

func (v *verifiedReader) Close() error {
	return v.raw.Close()
}

// marks errors that originated in the driver, as opposed to in verification
type storageReadError struct {
	err error
}

func (s *storageReadError) Error() string { return s.err.Error() }
func (s *storageReadError) Unwrap() error { return s.err }

type taggedReader struct {
	inner io.Reader
}

func (t *taggedReader) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if err != nil && err != io.EOF {
		return n, &storageReadError{err}
	}

	return n, err
}
