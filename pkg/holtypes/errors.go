package holtypes

import (
	"errors"
)

var (
	ErrBadBlobRef     = errors.New("bad blob ref")
	ErrInvalidAddress = errors.New("invalid content address")
	ErrBlobNotFound   = errors.New("blob not found")
	// on-disk bytes no longer hash to the blob's ref. distinct from not-found so
	// callers know to re-fetch from a custodian instead of giving up
	ErrCorruption = errors.New("blob corrupted")
)
