package holtypes

import (
	"encoding/hex"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// BlobRef is the canonical identifier of a blob: its SHA-256 digest
type BlobRef []byte

const blobRefSize = 32

func BlobRefFromHex(serialized string) (*BlobRef, error) {
	bytes, err := hex.DecodeString(serialized)
	if err != nil {
		return nil, ErrBadBlobRef
	}

	return BlobRefFromBytes(bytes)
}

func BlobRefFromBytes(bytes []byte) (*BlobRef, error) {
	if len(bytes) != blobRefSize {
		return nil, ErrBadBlobRef
	}

	br := BlobRef(bytes)
	return &br, nil
}

func (b BlobRef) AsHex() string {
	return hex.EncodeToString(b)
}

func (b BlobRef) AsSha256Sum() []byte {
	return []byte(b)
}

// CIDv1 with raw codec, i.e. the "bafkrei…" form
func (b BlobRef) AsCid() cid.Cid {
	mh, err := multihash.Encode(b, multihash.SHA2_256)
	if err != nil {
		// only fails for unknown hash code or wrong digest length, and
		// BlobRef is validated to 32 bytes on construction
		panic(err)
	}

	return cid.NewCidV1(cid.Raw, mh)
}

func (b BlobRef) Equal(other BlobRef) bool {
	if len(b) != len(other) {
		return false
	}

	for i := range b {
		if b[i] != other[i] {
			return false
		}
	}

	return true
}

// ParseContentAddress normalizes the address encodings we accept into a BlobRef:
//
//	CID             bafkreihdwdce… (must carry a sha2-256 multihash)
//	prefixed hash   sha256-<64 hex chars>
//	raw digest      <64 hex chars>
func ParseContentAddress(address string) (*BlobRef, error) {
	switch {
	case strings.HasPrefix(address, "baf") || strings.HasPrefix(address, "Qm") || strings.HasPrefix(address, "z"):
		decoded, err := cid.Decode(address)
		if err != nil {
			return nil, ErrInvalidAddress
		}

		mh, err := multihash.Decode(decoded.Hash())
		if err != nil || mh.Code != multihash.SHA2_256 {
			return nil, ErrInvalidAddress
		}

		return BlobRefFromBytes(mh.Digest)
	case strings.HasPrefix(address, "sha256-"):
		ref, err := BlobRefFromHex(strings.TrimPrefix(address, "sha256-"))
		if err != nil {
			return nil, ErrInvalidAddress
		}

		return ref, nil
	case len(address) == 2*blobRefSize:
		ref, err := BlobRefFromHex(address)
		if err != nil {
			return nil, ErrInvalidAddress
		}

		return ref, nil
	default:
		return nil, ErrInvalidAddress
	}
}
