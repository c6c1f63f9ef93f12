package peernet

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/function61/holvi/pkg/holtypes"
	"github.com/libp2p/go-libp2p/core/network"
)

func (n *Node) registerProtocolHandlers() {
	n.host.SetStreamHandler(protocolProbe, n.handleProbe)
	n.host.SetStreamHandler(protocolFetch, n.handleFetch)
	n.host.SetStreamHandler(protocolSync, n.handleSync)
}

// "do you hold this blob?" - the cheapest question a peer can ask us
func (n *Node) handleProbe(stream network.Stream) {
	defer stream.Close()

	req := probeRequest{}
	if err := readMessage(stream, &req); err != nil {
		n.logl.Debug.Printf("probe from %s: %v", stream.Conn().RemotePeer(), err)
		return
	}

	resp, err := n.answerProbe(req)
	if err != nil {
		n.logl.Error.Printf("probe: %v", err)
		return
	}

	if err := writeMessage(stream, resp); err != nil {
		n.logl.Debug.Printf("probe response: %v", err)
	}
}

func (n *Node) answerProbe(req probeRequest) (*probeResponse, error) {
	ref, err := holtypes.BlobRefFromHex(req.Ref)
	if err != nil {
		return &probeResponse{Has: false}, nil
	}

	blob, err := n.store.Stat(*ref)
	if err != nil {
		if err == holtypes.ErrBlobNotFound {
			return &probeResponse{Has: false}, nil
		}

		return nil, err
	}

	return &probeResponse{Has: true, Size: blob.Size}, nil
}

// response header first, then the requested byte range raw on the same stream
func (n *Node) handleFetch(stream network.Stream) {
	defer stream.Close()

	req := fetchRequest{}
	if err := readMessage(stream, &req); err != nil {
		n.logl.Debug.Printf("fetch from %s: %v", stream.Conn().RemotePeer(), err)
		return
	}

	if err := n.answerFetch(stream, req); err != nil {
		n.logl.Error.Printf("fetch %s: %v", req.Ref, err)
	}
}

func (n *Node) answerFetch(stream network.Stream, req fetchRequest) error {
	ref, err := holtypes.BlobRefFromHex(req.Ref)
	if err != nil {
		return writeMessage(stream, &fetchResponse{Found: false})
	}

	content, blob, err := n.store.OpenRandomAccess(context.Background(), *ref)
	if err != nil {
		if os.IsNotExist(err) || err == holtypes.ErrBlobNotFound {
			return writeMessage(stream, &fetchResponse{Found: false})
		}

		return err
	}
	defer content.Close()

	if req.Offset < 0 || req.Offset > blob.Size {
		return writeMessage(stream, &fetchResponse{Found: false})
	}

	length := req.Length
	if length < 0 || req.Offset+length > blob.Size {
		length = blob.Size - req.Offset
	}

	if _, err := content.Seek(req.Offset, io.SeekStart); err != nil {
		return err
	}

	if err := writeMessage(stream, &fetchResponse{
		Found:       true,
		Size:        blob.Size,
		ContentType: blob.ContentType,
	}); err != nil {
		return err
	}

	if _, err := io.CopyN(stream, content, length); err != nil {
		return fmt.Errorf("streaming content: %w", err)
	}

	return nil
}

// a peer pushes its changes and pulls ours in one round trip
func (n *Node) handleSync(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer().String()

	req := syncExchangeRequest{}
	if err := readMessage(stream, &req); err != nil {
		n.logl.Debug.Printf("sync from %s: %v", remote, err)
		return
	}

	if req.Delta != nil {
		if err := n.sync.ReceiveRemoteDelta(remote, req.Delta); err != nil {
			n.logl.Error.Printf("sync merge from %s: %v", remote, err)
			return
		}
	}

	if err := writeMessage(stream, &syncExchangeResponse{
		Delta: n.sync.DeltaSince(req.Since),
	}); err != nil {
		n.logl.Debug.Printf("sync response to %s: %v", remote, err)
	}
}
