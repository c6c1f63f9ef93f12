package peernet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
)

// connection attempts fail fast with a distinguishable kind, because callers
// react differently: timeouts count against health scores, rejections are
// not worth retrying on the next candidate iteration, etc.
var (
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrConnectionRejected = errors.New("connection rejected by peer")
	ErrRequestTimeout     = errors.New("peer request timed out")
	ErrBadPeerID          = errors.New("bad peer ID")
	// the peer answered but does not hold the blob. expected during fallback.
	ErrRemoteBlobNotFound = errors.New("peer does not have blob")
)

// how long an address learned from a shard hint stays usable
const peerAddressTTL = 1 * time.Hour

func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	case errors.Is(err, network.ErrReset):
		return fmt.Errorf("%w: %v", ErrConnectionRejected, err)
	default:
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
}

func parseMultiaddr(address string) (ma.Multiaddr, error) {
	addr, err := ma.NewMultiaddr(address)
	if err != nil {
		return nil, fmt.Errorf("bad multiaddr %q: %v", address, err)
	}

	return addr, nil
}
