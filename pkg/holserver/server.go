// The server component: wires the blob store, custodian registry, peer
// transport, sync engine and retrieval gateway together into one process.
package holserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/holvi/pkg/blobstore"
	"github.com/function61/holvi/pkg/custodian"
	"github.com/function61/holvi/pkg/gateway"
	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/function61/holvi/pkg/peernet"
	"github.com/function61/holvi/pkg/syncengine"
	"github.com/gorilla/mux"
	"go.etcd.io/bbolt"
)

const (
	syncPropagationInterval = 30 * time.Second
	dhtProvideInterval      = 10 * time.Minute
	reconcileInterval       = 1 * time.Minute
	metricsRefreshInterval  = 30 * time.Second
	integritySweepInterval  = 12 * time.Hour
	peerPruneInterval       = 1 * time.Hour
	peerRetention           = 72 * time.Hour
)

func runServer(ctx context.Context, logger *log.Logger) error {
	logl := logex.Levels(logger)

	scf, err := readServerConfigFile()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(scf.blobsPath(), 0700); err != nil {
		return err
	}

	db, err := holdb.Open(scf.dbLocation())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := holdb.Bootstrap(db); err != nil {
		return err
	}

	store := blobstore.New(
		blobstore.NewLocalFs(scf.blobsPath(), logex.Prefix("blobstore", logger)),
		db,
		logex.Prefix("blobstore", logger))

	metrics := newMetricsController()

	// registry probes through the node, the node answers syncs through the
	// engine, the engine feeds learned commitments back to the registry.
	// the prober is bound late to close that cycle.
	prober := &lateBoundProber{}

	registry := custodian.NewRegistry(db, prober, custodian.Config{
		FailureThreshold: 5,
		ScoreHalfLife:    30 * time.Minute,
		ProbeTimeout:     10 * time.Second,
		SweepSchedule:    scf.ProbeSweepSchedule,
	}, logex.Prefix("custodian", logger))

	actorID, err := peernet.IdentityID(scf.identityFile())
	if err != nil {
		return err
	}

	engine, err := syncengine.New(db, actorID, registry, logex.Prefix("syncengine", logger))
	if err != nil {
		return err
	}

	peernetConf := peernet.DefaultConfig(scf.DataDir)
	peernetConf.ListenAddrs = scf.PeerListenAddrs
	peernetConf.BootstrapPeers = scf.BootstrapPeers
	peernetConf.EnableMdns = !scf.DisableMdns
	if scf.Mode == "client" {
		peernetConf.Mode = holtypes.NodeModeClient
	}

	node, err := peernet.New(ctx, peernetConf, store, engine, db, logex.Prefix("peernet", logger))
	if err != nil {
		return err
	}
	defer node.Close()

	prober.bind(metrics.WrapProber(node))

	logl.Info.Printf("we are peer %s", node.ID())

	gw := gateway.New(store, registry, node, gateway.DefaultConfig(), logex.Prefix("gateway", logger))

	router := mux.NewRouter()
	gw.RegisterRoutes(router)
	router.Handle("/metrics", metrics.MetricsHandler())
	router.HandleFunc("/api/peers", func(w http.ResponseWriter, r *http.Request) {
		known, err := node.Peers()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(known)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    scf.GatewayAddr,
		Handler: metrics.WrapHTTPServer(router),
	}

	sweep, err := registry.SweepTask()
	if err != nil {
		return err
	}

	tasks := taskrunner.New(ctx, logger)

	tasks.Start("gateway "+scf.GatewayAddr, func(_ context.Context) error {
		return httputils.RemoveGracefulServerClosedError(srv.ListenAndServe())
	})
	tasks.Start("gatewayshutdowner", httputils.ServerShutdownTask(srv))
	tasks.Start("dht", node.DHTBootstrapTask())
	tasks.Start("mdns", node.MdnsDiscoveryTask())
	tasks.Start("peerbook", node.PeerBookTask())
	tasks.Start("provide", node.ProvideTask(dhtProvideInterval))
	tasks.Start("probesweep", sweep)
	tasks.Start("syncpropagation", engine.PropagationTask(node, syncPropagationInterval))
	tasks.Start("reconcile", reconcileTask(store, registry, engine))
	tasks.Start("integritysweep", integritySweepTask(store))
	tasks.Start("peerprune", peerPruneTask(node, logl))
	tasks.Start("metricsrefresh", metrics.RefreshTask(&nodeStats{db, store, registry}, metricsRefreshInterval))

	return tasks.Wait()
}

// folds current local state (blobs on disk, custodian records) into the sync
// document, so it reaches peers even when a mutation path bypassed the engine
func reconcileTask(
	store *blobstore.Store,
	registry *custodian.Registry,
	engine *syncengine.Engine,
) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()

		for {
			if err := reconcileOnce(store, registry, engine); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

func reconcileOnce(
	store *blobstore.Store,
	registry *custodian.Registry,
	engine *syncengine.Engine,
) error {
	blobs, err := store.Blobs()
	if err != nil {
		return err
	}

	records, err := registry.Records()
	if err != nil {
		return err
	}

	return engine.ReconcileLocal(blobs, records)
}

// re-verifies stored blobs in the background. corrupt ones get evicted, so the
// gateway re-fetches them from custodians instead of serving bad bytes.
func integritySweepTask(store *blobstore.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(integritySweepInterval)
		defer ticker.Stop()

		for {
			if err := store.SweepVerify(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

// forgets peers that have been silent past the retention window
func peerPruneTask(node *peernet.Node, logl *logex.Leveled) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(peerPruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pruned, err := node.PruneStalePeers(peerRetention)
				if err != nil {
					return err
				}

				if pruned > 0 {
					logl.Info.Printf("peer book: pruned %d silent peer(s)", pruned)
				}
			}
		}
	}
}

type lateBoundProber struct {
	actual custodian.Prober
}

func (l *lateBoundProber) bind(actual custodian.Prober) {
	l.actual = actual
}

func (l *lateBoundProber) Probe(ctx context.Context, peerID string, ref holtypes.BlobRef) error {
	return l.actual.Probe(ctx, peerID, ref)
}

type nodeStats struct {
	db       *bbolt.DB
	store    *blobstore.Store
	registry *custodian.Registry
}

func (n *nodeStats) BlobStats() (int, int64, error) {
	blobs, err := n.store.Blobs()
	if err != nil {
		return 0, 0, err
	}

	totalBytes := int64(0)
	for _, blob := range blobs {
		totalBytes += blob.Size
	}

	return len(blobs), totalBytes, nil
}

func (n *nodeStats) CustodianRecordCounts() (map[holtypes.CommitmentState]int, error) {
	records, err := n.registry.Records()
	if err != nil {
		return nil, err
	}

	counts := map[holtypes.CommitmentState]int{}
	for _, record := range records {
		counts[record.State]++
	}

	return counts, nil
}

func (n *nodeStats) KnownPeerCount() (int, error) {
	known := []holtypes.Peer{}
	if err := n.db.View(func(tx *bbolt.Tx) error {
		return holdb.PeerRepository.Each(holdb.PeerAppender(&known), tx)
	}); err != nil {
		return 0, err
	}

	return len(known), nil
}
