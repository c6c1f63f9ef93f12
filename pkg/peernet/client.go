package peernet

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/function61/holvi/pkg/holtypes"
	"github.com/function61/holvi/pkg/syncengine"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// asks a peer whether it holds a blob. implements the prober the custodian
// registry drives its health scoring with.
func (n *Node) Probe(ctx context.Context, peerID string, ref holtypes.BlobRef) error {
	stream, err := n.openStream(ctx, peerID, protocolProbe)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := writeMessage(stream, &probeRequest{Ref: ref.AsHex()}); err != nil {
		return classifyTransportError(err)
	}

	resp := probeResponse{}
	if err := readMessage(stream, &resp); err != nil {
		return classifyTransportError(err)
	}

	if !resp.Has {
		return ErrRemoteBlobNotFound
	}

	return nil
}

type RemoteBlob struct {
	Content     io.ReadCloser
	Size        int64 // total blob size, not the range's
	ContentType string
}

// fetches [offset, offset+length) of a blob from a peer. length -1 means to
// the end. the content reader must be drained or closed by the caller.
func (n *Node) Fetch(ctx context.Context, peerID string, ref holtypes.BlobRef, offset int64, length int64) (*RemoteBlob, error) {
	stream, err := n.openStream(ctx, peerID, protocolFetch)
	if err != nil {
		return nil, err
	}

	if err := writeMessage(stream, &fetchRequest{
		Ref:    ref.AsHex(),
		Offset: offset,
		Length: length,
	}); err != nil {
		stream.Close()
		return nil, classifyTransportError(err)
	}

	resp := fetchResponse{}
	if err := readMessage(stream, &resp); err != nil {
		stream.Close()
		return nil, classifyTransportError(err)
	}

	if !resp.Found {
		stream.Close()
		return nil, ErrRemoteBlobNotFound
	}

	remaining := length
	if remaining < 0 || offset+remaining > resp.Size {
		remaining = resp.Size - offset
	}

	return &RemoteBlob{
		Content: &remoteBlobReader{
			stream:    stream,
			remaining: remaining,
		},
		Size:        resp.Size,
		ContentType: resp.ContentType,
	}, nil
}

// part of syncengine.Exchanger. pushes our delta, pulls the peer's.
func (n *Node) ExchangeDelta(
	ctx context.Context,
	peerID string,
	sinceClock uint64,
	delta *syncengine.Document,
) (*syncengine.Document, error) {
	stream, err := n.openStream(ctx, peerID, protocolSync)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := writeMessage(stream, &syncExchangeRequest{
		Since: sinceClock,
		Delta: delta,
	}); err != nil {
		return nil, classifyTransportError(err)
	}

	resp := syncExchangeResponse{}
	if err := readMessage(stream, &resp); err != nil {
		return nil, classifyTransportError(err)
	}

	return resp.Delta, nil
}

func (n *Node) openStream(ctx context.Context, peerID string, proto protocol.ID) (network.Stream, error) {
	decoded, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerID, err)
	}

	if n.connectionUpgradeHook != nil && len(n.host.Peerstore().Addrs(decoded)) == 0 {
		if err := n.connectionUpgradeHook(ctx, decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, n.conf.RequestTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, decoded, proto)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	// covers the request/response round trip. content streaming on a fetch
	// stream extends this per read.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(n.conf.RequestTimeout)
	}
	_ = stream.SetDeadline(deadline)

	return stream, nil
}

// reads exactly the requested range, then EOF. closing resets the stream so a
// half-read fetch does not leave the peer blocked on writes.
type remoteBlobReader struct {
	stream    network.Stream
	remaining int64
}

func (r *remoteBlobReader) Read(buf []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}

	if int64(len(buf)) > r.remaining {
		buf = buf[:r.remaining]
	}

	// allow slow but progressing transfers of large blobs
	_ = r.stream.SetReadDeadline(time.Now().Add(1 * time.Minute))

	n, err := r.stream.Read(buf)
	r.remaining -= int64(n)

	if err != nil && err != io.EOF {
		return n, classifyTransportError(err)
	}
	if err == io.EOF && r.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}

	return n, nil
}

func (r *remoteBlobReader) Close() error {
	if r.remaining > 0 {
		return r.stream.Reset()
	}

	return r.stream.Close()
}
