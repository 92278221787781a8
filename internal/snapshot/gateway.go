package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manpreetbhatti/lattice/relay/internal/metrics"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single store call.
const DefaultTimeout = 5 * time.Second

// Gateway wraps a Store with per-call timeouts, logging and metrics.
type Gateway struct {
	store   Store
	timeout time.Duration
	log     *zap.Logger
}

func NewGateway(store Store, timeout time.Duration, log *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{store: store, timeout: timeout, log: log}
}

// Load fetches the snapshot for documentID. ErrNotFound means none exists.
func (g *Gateway) Load(ctx context.Context, documentID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	data, err := g.store.Load(ctx, documentID)
	metrics.SnapshotDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.SnapshotOps.WithLabelValues("load", "ok").Inc()
		return data, nil
	case errors.Is(err, ErrNotFound):
		metrics.SnapshotOps.WithLabelValues("load", "not_found").Inc()
		return nil, err
	default:
		metrics.SnapshotOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
}

// Save stores data as the snapshot of documentID.
func (g *Gateway) Save(ctx context.Context, documentID string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := g.store.Save(ctx, documentID, data)
	metrics.SnapshotDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SnapshotOps.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("save snapshot %s: %w", documentID, err)
	}
	metrics.SnapshotOps.WithLabelValues("save", "ok").Inc()
	metrics.SnapshotBytes.Observe(float64(len(data)))
	g.log.Debug("Saved snapshot", zap.String("room", documentID), zap.Int("bytes", len(data)))
	return nil
}

// Stats returns store statistics when the store provides them.
func (g *Gateway) Stats(ctx context.Context) (map[string]interface{}, error) {
	sp, ok := g.store.(StatsProvider)
	if !ok {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return sp.Stats(ctx)
}

func (g *Gateway) Close() error {
	return g.store.Close()
}
