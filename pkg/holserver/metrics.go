package holserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/function61/holvi/pkg/custodian"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsController struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	probes       *prometheus.CounterVec

	blobCount        prometheus.Gauge
	blobBytes        prometheus.Gauge
	custodianRecords *prometheus.GaugeVec
	knownPeers       prometheus.Gauge
}

func newMetricsController() *metricsController {
	registry := prometheus.NewRegistry()

	m := &metricsController{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holvi_gateway_http_requests_total",
			Help: "Gateway HTTP requests by method and response code",
		}, []string{"method", "code"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holvi_probes_total",
			Help: "Custodian probes by outcome",
		}, []string{"outcome"}),
		blobCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holvi_blobs",
			Help: "Blobs in the local store",
		}),
		blobBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holvi_blob_bytes",
			Help: "Total size of blobs in the local store",
		}),
		custodianRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "holvi_custodian_records",
			Help: "Custodian records by commitment state",
		}, []string{"state"}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holvi_known_peers",
			Help: "Peers in the peer book",
		}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.probes,
		m.blobCount,
		m.blobBytes,
		m.custodianRecords,
		m.knownPeers)

	return m
}

func (m *metricsController) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *metricsController) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

// decorates a prober so probe outcomes show up as counters, without the
// custodian registry knowing about metrics
func (m *metricsController) WrapProber(actual custodian.Prober) custodian.Prober {
	return &proxyProber{actual, m}
}

type proxyProber struct {
	actual  custodian.Prober
	metrics *metricsController
}

func (p *proxyProber) Probe(ctx context.Context, peerID string, ref holtypes.BlobRef) error {
	err := p.actual.Probe(ctx, peerID, ref)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}

	p.metrics.probes.With(prometheus.Labels{"outcome": outcome}).Inc()

	return err
}

type statsSource interface {
	BlobStats() (count int, totalBytes int64, err error)
	CustodianRecordCounts() (map[holtypes.CommitmentState]int, error)
	KnownPeerCount() (int, error)
}

// gauges are cheap to read stale, expensive to compute per-scrape
func (m *metricsController) RefreshTask(source statsSource, interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			m.refreshOnce(source)

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

func (m *metricsController) refreshOnce(source statsSource) {
	if count, totalBytes, err := source.BlobStats(); err == nil {
		m.blobCount.Set(float64(count))
		m.blobBytes.Set(float64(totalBytes))
	}

	if counts, err := source.CustodianRecordCounts(); err == nil {
		for _, state := range []holtypes.CommitmentState{
			holtypes.CommitmentClaimed,
			holtypes.CommitmentConfirmed,
			holtypes.CommitmentExpired,
		} {
			m.custodianRecords.With(prometheus.Labels{"state": string(state)}).Set(float64(counts[state]))
		}
	}

	if count, err := source.KnownPeerCount(); err == nil {
		m.knownPeers.Set(float64(count))
	}
}
