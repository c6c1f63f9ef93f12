// Retrieval gateway: the HTTP surface clients fetch content through. Serves
// from the local blob store when it can, falls back across custodian peers
// (and an optional shard hint) when it cannot.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/holvi/pkg/blobstore"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/function61/holvi/pkg/peernet"
	"github.com/golang/groupcache/lru"
	"github.com/gorilla/mux"
)

type Config struct {
	// whole-request budget covering every candidate attempted
	RequestDeadline time.Duration
	// how many ranked custodians one resolution tries at most
	CandidateCount int
	// recent failed resolutions short-circuit to 404 for this long
	NegativeMemoTTL time.Duration
	// bound on remembered failed resolutions
	NegativeMemoSize int
}

func DefaultConfig() Config {
	return Config{
		RequestDeadline:  30 * time.Second,
		CandidateCount:   3,
		NegativeMemoTTL:  30 * time.Second,
		NegativeMemoSize: 512,
	}
}

// ranks which peers to try for a blob. implemented by custodian.Registry.
type CustodianSelector interface {
	SelectCustodians(ref holtypes.BlobRef, n int) ([]holtypes.CustodianRecord, error)
}

// fetches blob content from a peer. implemented by peernet.Node.
type Fetcher interface {
	Fetch(ctx context.Context, peerID string, ref holtypes.BlobRef, offset int64, length int64) (*peernet.RemoteBlob, error)
	AddKnownAddress(peerID string, address string) error
}

type Gateway struct {
	store      *blobstore.Store
	custodians CustodianSelector
	fetcher    Fetcher
	conf       Config

	// lru.Cache is not safe for concurrent use
	negativeMu   sync.Mutex
	negativeMemo *lru.Cache

	logl *logex.Leveled
}

func New(
	store *blobstore.Store,
	custodians CustodianSelector,
	fetcher Fetcher,
	conf Config,
	logger *log.Logger,
) *Gateway {
	return &Gateway{
		store:        store,
		custodians:   custodians,
		fetcher:      fetcher,
		conf:         conf,
		negativeMemo: lru.New(conf.NegativeMemoSize),
		logl:         logex.Levels(logex.NonNil(logger)),
	}
}

func (g *Gateway) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/store/{address}", g.handleGetBlob).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/store", g.handlePutBlob).Methods(http.MethodPost)
	router.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
}

func (g *Gateway) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	ref, err := holtypes.ParseContentAddress(address)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.conf.RequestDeadline)
	defer cancel()

	if err := g.resolveAndServe(ctx, w, r, *ref); err != nil {
		switch {
		case errors.Is(err, holtypes.ErrBlobNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, errRangeUnsatisfiable):
			// Content-Range was set by the range parser caller
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		case errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "resolution deadline exceeded", http.StatusGatewayTimeout)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func (g *Gateway) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	blob, err := g.store.Put(r.Context(), r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// the manifest shape the coordination layer consumes
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)

	_ = json.NewEncoder(w).Encode(&holtypes.Manifest{
		ContentID:   blob.Ref.AsCid().String(),
		Size:        blob.Size,
		ContentHash: "sha256-" + blob.Ref.AsHex(),
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	_ = json.NewEncoder(w).Encode(struct {
		Healthy bool   `json:"healthy"`
		Version string `json:"version"`
	}{
		Healthy: true,
		Version: dynversion.Version,
	})
}

// recent resolution failures are remembered briefly so a hot miss does not
// hammer the same unreachable custodians on every request

func (g *Gateway) rememberNegative(ref holtypes.BlobRef) {
	g.negativeMu.Lock()
	defer g.negativeMu.Unlock()

	g.negativeMemo.Add(ref.AsHex(), time.Now().Add(g.conf.NegativeMemoTTL))
}

func (g *Gateway) recentlyFailed(ref holtypes.BlobRef) bool {
	g.negativeMu.Lock()
	defer g.negativeMu.Unlock()

	expires, found := g.negativeMemo.Get(ref.AsHex())
	if !found {
		return false
	}

	if time.Now().After(expires.(time.Time)) {
		g.negativeMemo.Remove(ref.AsHex())
		return false
	}

	return true
}

func (g *Gateway) forgetNegative(ref holtypes.BlobRef) {
	g.negativeMu.Lock()
	defer g.negativeMu.Unlock()

	g.negativeMemo.Remove(ref.AsHex())
}
