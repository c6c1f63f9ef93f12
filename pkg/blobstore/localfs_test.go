package blobstore

import (
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/holvi/pkg/holtypes"
)

func TestGetPath(t *testing.T) {
	driver := NewLocalFs("/tmp/blobs", nil).(*localFs)

	ref, _ := holtypes.BlobRefFromHex("d7a8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592")

	assert.EqualString(t,
		driver.getPath(*ref),
		"/tmp/blobs/d7/a/8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592.blob")
}
