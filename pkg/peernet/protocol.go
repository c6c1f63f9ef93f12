package peernet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/function61/holvi/pkg/syncengine"
	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// wire protocols. request and response are CBOR-framed; fetch additionally
// streams the raw blob bytes after its response header.
const (
	protocolProbe = protocol.ID("/holvi/probe/1")
	protocolFetch = protocol.ID("/holvi/fetch/1")
	protocolSync  = protocol.ID("/holvi/sync/1")
)

type probeRequest struct {
	Ref string // hex
}

type probeResponse struct {
	Has  bool
	Size int64
}

type fetchRequest struct {
	Ref    string // hex
	Offset int64
	// -1 = to end of blob
	Length int64
}

type fetchResponse struct {
	Found       bool
	Size        int64 // total blob size, not the range's
	ContentType string
}

type syncExchangeRequest struct {
	// remote wants our changes after this clock
	Since uint64
	Delta *syncengine.Document
}

type syncExchangeResponse struct {
	Delta *syncengine.Document
}

// 16 MB. sync documents are the largest messages and grow with the number of
// known blobs; blob content itself is never inside a CBOR frame.
const maxMessageSize = 16 * 1024 * 1024

// messages are length-prefixed so the fetch protocol can follow its response
// header with raw blob bytes on the same stream - a self-delimiting decoder
// could read ahead into them
func writeMessage(stream io.Writer, message interface{}) error {
	payload, err := cbor.Marshal(message)
	if err != nil {
		return err
	}

	frame := make([]byte, 4)
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))

	if _, err := stream.Write(frame); err != nil {
		return err
	}

	_, err = stream.Write(payload)
	return err
}

func readMessage(stream io.Reader, message interface{}) error {
	frame := make([]byte, 4)
	if _, err := io.ReadFull(stream, frame); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(frame)
	if size > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(stream, payload); err != nil {
		return err
	}

	return cbor.Unmarshal(payload, message)
}
