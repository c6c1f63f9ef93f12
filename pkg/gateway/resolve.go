package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/function61/gokit/hashverifyreader"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/minio/sha256-simd"
)

// resolution walks: local store -> ranked custodians -> shard hint -> not
// found. transient peer failures advance to the next candidate and are never
// surfaced to the client unless everything is exhausted.
func (g *Gateway) resolveAndServe(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	ref holtypes.BlobRef,
) error {
	exists, err := g.store.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		err := g.serveLocal(ctx, w, r, ref)
		if err == nil || !errors.Is(err, holtypes.ErrCorruption) {
			return err
		}

		// local bytes no longer match the ref. evict them and recover from
		// the network like any other miss.
		g.logl.Error.Printf("local %s corrupt - recovering from custodians", ref.AsHex())

		if err := g.store.Evict(ctx, ref); err != nil {
			return err
		}
	}

	hintPeer := r.URL.Query().Get("hint")

	// a hint is new information, worth trying even for a memoized miss
	if hintPeer == "" && g.recentlyFailed(ref) {
		return holtypes.ErrBlobNotFound
	}

	candidates, err := g.custodians.SelectCustodians(ref, g.conf.CandidateCount)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := g.serveRemote(ctx, w, r, ref, candidate.Peer); err != nil {
			// the custodian has the blob, only the requested range is bad.
			// not a miss - must not advance candidates nor poison the memo.
			if errors.Is(err, errRangeUnsatisfiable) {
				return err
			}

			g.logl.Debug.Printf("custodian %s for %s: %v", candidate.Peer, ref.AsHex(), err)
			continue
		}

		g.forgetNegative(ref)
		return nil
	}

	if hintPeer != "" {
		if hintAddr := r.URL.Query().Get("hintaddr"); hintAddr != "" {
			if err := g.fetcher.AddKnownAddress(hintPeer, hintAddr); err != nil {
				g.logl.Debug.Printf("shard hint address: %v", err)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := g.serveRemote(ctx, w, r, ref, hintPeer); err != nil {
			if errors.Is(err, errRangeUnsatisfiable) {
				return err
			}

			g.logl.Debug.Printf("shard hint %s for %s: %v", hintPeer, ref.AsHex(), err)
		} else {
			g.forgetNegative(ref)
			return nil
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	g.rememberNegative(ref)

	return holtypes.ErrBlobNotFound
}

func (g *Gateway) serveLocal(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	ref holtypes.BlobRef,
) error {
	// verify before committing to a response. once headers are written there
	// is no way to signal that the bytes turned out to be wrong.
	if err := g.store.VerifyOne(ctx, ref); err != nil {
		return err
	}

	content, blob, err := g.store.OpenRandomAccess(ctx, ref)
	if err != nil {
		return err
	}
	defer content.Close()

	rng, err := parseRange(r.Header.Get("Range"), blob.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", blob.Size))
		return err
	}

	writeBlobHeaders(w, blob.ContentType, blob.Size, rng)

	if r.Method == http.MethodHead {
		return nil
	}

	if rng != nil {
		if _, err := content.Seek(rng.start, io.SeekStart); err != nil {
			g.logl.Error.Printf("seek %s: %v", ref.AsHex(), err)
			return nil
		}

		if _, err := io.CopyN(w, content, rng.length); err != nil {
			g.logl.Error.Printf("streaming %s: %v", ref.AsHex(), err)
		}

		return nil
	}

	if _, err := io.Copy(w, content); err != nil {
		g.logl.Error.Printf("streaming %s: %v", ref.AsHex(), err)
	}

	return nil
}

// streams the blob from a peer directly to the client, while tee'ing the full
// content into the local store. the cache write is best-effort - its failure
// must not fail the client response.
func (g *Gateway) serveRemote(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	ref holtypes.BlobRef,
	peerID string,
) error {
	remote, err := g.fetcher.Fetch(ctx, peerID, ref, 0, -1)
	if err != nil {
		return err
	}
	defer remote.Content.Close()

	rng, err := parseRange(r.Header.Get("Range"), remote.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", remote.Size))
		return err
	}

	var streamErr error
	cacheContent, cacheDone := g.cacheInBackground(ref, remote.ContentType)
	defer func() {
		// a broken stream must not complete as a (junk) cached blob
		cacheContent.CloseWithError(streamErr)
		<-cacheDone
	}()

	// mismatching bytes error the stream before it finishes, so the client
	// never receives a complete-looking but wrong response
	verified := hashverifyreader.New(remote.Content, sha256.New(), ref.AsSha256Sum())
	content := io.TeeReader(verified, cacheContent)

	writeBlobHeaders(w, remote.ContentType, remote.Size, rng)

	if r.Method == http.MethodHead {
		// client needs no body but the cache wants all of it
		if _, streamErr = io.Copy(io.Discard, content); streamErr != nil {
			g.logl.Error.Printf("caching %s from %s: %v", ref.AsHex(), peerID, streamErr)
		}

		return nil
	}

	if streamErr = streamRange(w, content, rng); streamErr != nil {
		g.logl.Error.Printf("streaming %s from %s: %v", ref.AsHex(), peerID, streamErr)
		return nil
	}

	// remainder past the client's range still feeds the cache
	if _, streamErr = io.Copy(io.Discard, content); streamErr != nil {
		g.logl.Error.Printf("caching %s from %s: %v", ref.AsHex(), peerID, streamErr)
	}

	return nil
}

// returns a sink whose bytes end up in the local store via an idempotent put.
// a failing put drains the sink instead, so the tee'd client stream is never
// blocked by cache trouble.
func (g *Gateway) cacheInBackground(ref holtypes.BlobRef, contentType string) (*io.PipeWriter, <-chan struct{}) {
	pipeOut, pipeIn := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)

		blob, err := g.store.Put(context.Background(), pipeOut, contentType)
		if err != nil {
			g.logl.Error.Printf("cache put %s: %v", ref.AsHex(), err)
			_, _ = io.Copy(io.Discard, pipeOut)
			return
		}

		if !blob.Ref.Equal(ref) {
			g.logl.Error.Printf("cache put %s: peer served bytes hashing to %s", ref.AsHex(), blob.Ref.AsHex())
		}
	}()

	return pipeIn, done
}

func streamRange(w io.Writer, content io.Reader, rng *byteRange) error {
	if rng == nil {
		_, err := io.Copy(w, content)
		return err
	}

	if _, err := io.CopyN(io.Discard, content, rng.start); err != nil {
		return err
	}

	_, err := io.CopyN(w, content, rng.length)
	return err
}

func writeBlobHeaders(w http.ResponseWriter, contentType string, totalSize int64, rng *byteRange) {
	w.Header().Set("Accept-Ranges", "bytes")

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	if rng != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(rng.length, 10))
		w.Header().Set("Content-Range", rng.contentRange(totalSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(totalSize, 10))
	}
}
