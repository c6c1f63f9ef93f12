package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/holvi/pkg/blobstore"
	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/function61/holvi/pkg/peernet"
	"github.com/gorilla/mux"
)

func TestServeLocalBlob(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.putLocal("hello, world", "text/plain")

	resp := env.request("GET", "/store/"+ref.AsHex(), "")

	assert.Assert(t, resp.Code == http.StatusOK)
	assert.EqualString(t, resp.Body.String(), "hello, world")
	assert.EqualString(t, resp.Header().Get("Content-Type"), "text/plain")
	assert.EqualString(t, resp.Header().Get("Accept-Ranges"), "bytes")
	assert.EqualString(t, resp.Header().Get("Content-Length"), "12")
}

func TestAllAddressEncodingsResolveSameBytes(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.putLocal("same bytes behind three names", "")

	for _, address := range []string{
		ref.AsCid().String(),
		"sha256-" + ref.AsHex(),
		ref.AsHex(),
	} {
		resp := env.request("GET", "/store/"+address, "")

		assert.Assert(t, resp.Code == http.StatusOK)
		assert.EqualString(t, resp.Body.String(), "same bytes behind three names")
	}
}

func TestBadAddress(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	resp := env.request("GET", "/store/certainly-not-an-address", "")

	assert.Assert(t, resp.Code == http.StatusBadRequest)
}

func TestRangeRequests(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	content := strings.Repeat("x", 900) + strings.Repeat("y", 100) // 1000 bytes
	ref := env.putLocal(content, "")

	t.Run("firstHundredBytes", func(t *testing.T) {
		resp := env.request("GET", "/store/"+ref.AsHex(), "bytes=0-99")

		assert.Assert(t, resp.Code == http.StatusPartialContent)
		assert.EqualString(t, resp.Header().Get("Content-Range"), "bytes 0-99/1000")
		assert.Assert(t, resp.Body.Len() == 100)
		assert.EqualString(t, resp.Body.String(), strings.Repeat("x", 100))
	})

	t.Run("openEnded", func(t *testing.T) {
		resp := env.request("GET", "/store/"+ref.AsHex(), "bytes=900-")

		assert.Assert(t, resp.Code == http.StatusPartialContent)
		assert.EqualString(t, resp.Header().Get("Content-Range"), "bytes 900-999/1000")
		assert.EqualString(t, resp.Body.String(), strings.Repeat("y", 100))
	})

	t.Run("suffix", func(t *testing.T) {
		resp := env.request("GET", "/store/"+ref.AsHex(), "bytes=-50")

		assert.Assert(t, resp.Code == http.StatusPartialContent)
		assert.EqualString(t, resp.Header().Get("Content-Range"), "bytes 950-999/1000")
		assert.EqualString(t, resp.Body.String(), strings.Repeat("y", 50))
	})

	t.Run("unsatisfiable", func(t *testing.T) {
		resp := env.request("GET", "/store/"+ref.AsHex(), "bytes=5000-")

		assert.Assert(t, resp.Code == http.StatusRequestedRangeNotSatisfiable)
		assert.EqualString(t, resp.Header().Get("Content-Range"), "bytes */1000")
	})
}

func TestCorruptLocalBlobIsNeverServed(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.putLocal("precious data", "")
	env.corruptLocal(ref, "not precious!")

	// nobody else has the blob either, so this surfaces as a miss
	resp := env.request("GET", "/store/"+ref.AsHex(), "")

	assert.Assert(t, resp.Code == http.StatusNotFound)
	assert.Assert(t, !strings.Contains(resp.Body.String(), "not precious!"))
}

func TestCorruptLocalBlobRecoversFromCustodian(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.putLocal("precious data", "")
	env.corruptLocal(ref, "not precious!")

	env.fetcher.addRemoteBlob("peer-1", "precious data")
	env.selector.custodians[ref.AsHex()] = []string{"peer-1"}

	resp := env.request("GET", "/store/"+ref.AsHex(), "")

	assert.Assert(t, resp.Code == http.StatusOK)
	assert.EqualString(t, resp.Body.String(), "precious data")

	// the re-fetch also healed the local copy
	assert.Ok(t, env.store.VerifyOne(context.Background(), ref))
}

func TestUnsatisfiableRangeOnRemoteBlob(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.fetcher.addRemoteBlob("peer-1", "bytes")
	env.selector.custodians[ref.AsHex()] = []string{"peer-1"}

	resp := env.request("GET", "/store/"+ref.AsHex(), "bytes=5000-")

	assert.Assert(t, resp.Code == http.StatusRequestedRangeNotSatisfiable)
	assert.EqualString(t, resp.Header().Get("Content-Range"), "bytes */5")

	// the blob itself stayed fetchable - the bad range did not memoize a miss
	again := env.request("GET", "/store/"+ref.AsHex(), "")

	assert.Assert(t, again.Code == http.StatusOK)
	assert.EqualString(t, again.Body.String(), "bytes")
}

func TestHeadRequest(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.putLocal("some content here", "application/octet-stream")

	resp := env.request("HEAD", "/store/"+ref.AsHex(), "")

	assert.Assert(t, resp.Code == http.StatusOK)
	assert.EqualString(t, resp.Header().Get("Content-Length"), "17")
	assert.Assert(t, resp.Body.Len() == 0)
}

func TestRemoteFetchSeedsLocalCopy(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.fetcher.addRemoteBlob("peer-1", "bytes held elsewhere")
	env.selector.custodians[ref.AsHex()] = []string{"peer-1"}

	resp := env.request("GET", "/store/"+ref.AsHex(), "")

	assert.Assert(t, resp.Code == http.StatusOK)
	assert.EqualString(t, resp.Body.String(), "bytes held elsewhere")

	// popular content self-replicates toward demand
	cached, err := env.store.Exists(context.Background(), ref)
	assert.Ok(t, err)
	assert.Assert(t, cached)
}

func TestRemoteFetchAdvancesPastFailingCustodian(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	ref := env.fetcher.addRemoteBlob("peer-good", "eventually found")
	env.fetcher.unreachable["peer-bad"] = true
	env.selector.custodians[ref.AsHex()] = []string{"peer-bad", "peer-good"}

	resp := env.request("GET", "/store/"+ref.AsHex(), "")

	assert.Assert(t, resp.Code == http.StatusOK)
	assert.EqualString(t, resp.Body.String(), "eventually found")
}

func TestShardHintFallback(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	// no custodian records at all, only the hint knows where the bytes are
	ref := env.fetcher.addRemoteBlob("peer-hinted", "only the hint knows")

	resp := env.request("GET", "/store/"+ref.AsHex()+"?hint=peer-hinted", "")

	assert.Assert(t, resp.Code == http.StatusOK)
	assert.EqualString(t, resp.Body.String(), "only the hint knows")
}

func TestStaleShardHintDegradesToNotFound(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	env.fetcher.unreachable["peer-gone"] = true

	resp := env.request("GET", "/store/"+testDigestHex("nobody has this")+"?hint=peer-gone", "")

	assert.Assert(t, resp.Code == http.StatusNotFound)
}

func TestNegativeMemoDampsHotMisses(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	missing := testDigestHex("nobody has this either")
	env.selector.custodians[missing] = []string{"peer-absent"}

	first := env.request("GET", "/store/"+missing, "")
	assert.Assert(t, first.Code == http.StatusNotFound)
	assert.Assert(t, env.fetcher.fetchCalls == 1)

	// memoized - custodians are not re-hammered
	second := env.request("GET", "/store/"+missing, "")
	assert.Assert(t, second.Code == http.StatusNotFound)
	assert.Assert(t, env.fetcher.fetchCalls == 1)
}

func TestIngest(t *testing.T) {
	env := testEnv(t)
	defer env.cleanup()

	req := httptest.NewRequest("POST", "/store", bytes.NewBufferString("ingested bytes"))
	req.Header.Set("Content-Type", "text/plain")
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	assert.Assert(t, resp.Code == http.StatusCreated)
	assert.Assert(t, strings.Contains(resp.Body.String(), "sha256-"+testDigestHex("ingested bytes")))

	fetchBack := env.request("GET", "/store/"+testDigestHex("ingested bytes"), "")
	assert.EqualString(t, fetchBack.Body.String(), "ingested bytes")
}

// test doubles

type fakeSelector struct {
	custodians map[string][]string // ref hex -> peer IDs
}

func (f *fakeSelector) SelectCustodians(ref holtypes.BlobRef, n int) ([]holtypes.CustodianRecord, error) {
	records := []holtypes.CustodianRecord{}
	for _, peerID := range f.custodians[ref.AsHex()] {
		records = append(records, holtypes.CustodianRecord{Peer: peerID, Ref: ref})
		if len(records) == n {
			break
		}
	}

	return records, nil
}

type fakeFetcher struct {
	blobs       map[string]string // "peerID/refhex" -> content
	unreachable map[string]bool
	fetchCalls  int
}

func (f *fakeFetcher) addRemoteBlob(peerID string, content string) holtypes.BlobRef {
	digest := sha256.Sum256([]byte(content))
	ref, _ := holtypes.BlobRefFromBytes(digest[:])

	f.blobs[peerID+"/"+ref.AsHex()] = content

	return *ref
}

func (f *fakeFetcher) Fetch(ctx context.Context, peerID string, ref holtypes.BlobRef, offset int64, length int64) (*peernet.RemoteBlob, error) {
	f.fetchCalls++

	if f.unreachable[peerID] {
		return nil, peernet.ErrPeerUnreachable
	}

	content, found := f.blobs[peerID+"/"+ref.AsHex()]
	if !found {
		return nil, peernet.ErrRemoteBlobNotFound
	}

	return &peernet.RemoteBlob{
		Content: io.NopCloser(strings.NewReader(content)),
		Size:    int64(len(content)),
	}, nil
}

func (f *fakeFetcher) AddKnownAddress(peerID string, address string) error {
	return nil
}

type gatewayTestEnv struct {
	dir      string
	store    *blobstore.Store
	selector *fakeSelector
	fetcher  *fakeFetcher
	router   *mux.Router
	cleanup  func()
}

func testEnv(t *testing.T) *gatewayTestEnv {
	dir, err := os.MkdirTemp("", "holvitest")
	assert.Ok(t, err)

	db, err := holdb.Open(filepath.Join(dir, "holvi.db"))
	assert.Ok(t, err)

	assert.Ok(t, holdb.Bootstrap(db))

	store := blobstore.New(blobstore.NewLocalFs(dir, nil), db, nil)

	selector := &fakeSelector{custodians: map[string][]string{}}
	fetcher := &fakeFetcher{blobs: map[string]string{}, unreachable: map[string]bool{}}

	router := mux.NewRouter()
	New(store, selector, fetcher, DefaultConfig(), nil).RegisterRoutes(router)

	return &gatewayTestEnv{
		dir:      dir,
		store:    store,
		selector: selector,
		fetcher:  fetcher,
		router:   router,
		cleanup: func() {
			db.Close()
			os.RemoveAll(dir)
		},
	}
}

func (env *gatewayTestEnv) putLocal(content string, contentType string) holtypes.BlobRef {
	blob, err := env.store.Put(context.Background(), bytes.NewBufferString(content), contentType)
	if err != nil {
		panic(err)
	}

	return blob.Ref
}

// overwrites the on-disk bytes behind the store's back
func (env *gatewayTestEnv) corruptLocal(ref holtypes.BlobRef, junk string) {
	hexHash := ref.AsHex()

	path := filepath.Join(env.dir, hexHash[0:2], hexHash[2:3], hexHash[3:]+".blob")
	if err := os.WriteFile(path, []byte(junk), 0644); err != nil {
		panic(err)
	}
}

func (env *gatewayTestEnv) request(method string, path string, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	return resp
}

func testDigestHex(content string) string {
	digest := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", digest)
}
