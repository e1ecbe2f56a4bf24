package api

import (
	"github.com/fieldbridge/fieldbridge/internal/health"
	"github.com/fieldbridge/fieldbridge/internal/metrics"
	"github.com/fieldbridge/fieldbridge/internal/store"
	"github.com/fieldbridge/fieldbridge/internal/stream"
	"go.uber.org/zap"
)

// Service bundles the read-only dependencies the HTTP surface needs:
// nothing here ever writes to the Store or touches a Transport — that's
// the poller's job. Grounded on the teacher's internal/api.Service
// aggregate-of-dependencies shape.
type Service struct {
	Store   *store.Store
	Health  *health.HealthChecker
	Metrics *metrics.Metrics
	Stream  *stream.Hub
	Log     *zap.Logger

	// MetricsEnabled gates the /metrics scrape endpoint per
	// server.metrics_enabled in config.
	MetricsEnabled bool

	// APIKeyHashes is the pre-hashed server.api_keys allowlist; empty
	// means no authentication is required.
	APIKeyHashes map[string]bool
}

// NewService builds a Service from its dependencies.
func NewService(st *store.Store, hc *health.HealthChecker, m *metrics.Metrics, hub *stream.Hub, log *zap.Logger, metricsEnabled bool, apiKeys []string) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:          st,
		Health:         hc,
		Metrics:        m,
		Stream:         hub,
		Log:            log,
		MetricsEnabled: metricsEnabled,
		APIKeyHashes:   hashKeys(apiKeys),
	}
}
