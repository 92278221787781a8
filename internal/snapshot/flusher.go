package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Target is something whose state can be flushed, a room in practice.
type Target interface {
	ID() string
	Flush(ctx context.Context, save func(context.Context, string, []byte) error, force bool) (bool, error)
}

// Source lists the targets to consider on each tick.
type Source interface {
	FlushTargets() []Target
}

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
	}
}

// Flusher saves changed targets on a fixed interval. Failed saves are
// retried on the next tick since the target stays dirty.
type Flusher struct {
	source  Source
	gateway *Gateway
	config  Config
	log     *zap.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewFlusher(source Source, gateway *Gateway, config Config, log *zap.Logger) *Flusher {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Flusher{
		source:  source,
		gateway: gateway,
		config:  config,
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.log.Info("Snapshot flusher started", zap.Duration("interval", f.config.Interval))
}

// Stop ends the ticker loop and runs one last flush of every changed target.
func (f *Flusher) Stop() {
	f.once.Do(func() {
		close(f.stop)
		f.wg.Wait()
		f.FlushAll(context.Background())
		f.log.Info("Snapshot flusher stopped")
	})
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.FlushAll(context.Background())
		}
	}
}

// FlushAll saves every target that changed since its last save and returns
// how many were saved.
func (f *Flusher) FlushAll(ctx context.Context) int {
	saved := 0
	for _, t := range f.source.FlushTargets() {
		ok, err := t.Flush(ctx, f.gateway.Save, false)
		if err != nil {
			f.log.Warn("Snapshot save failed, will retry", zap.String("room", t.ID()), zap.Error(err))
			continue
		}
		if ok {
			saved++
		}
	}
	if saved > 0 {
		f.log.Debug("Flushed rooms", zap.Int("count", saved))
	}
	return saved
}

// FlushNow forces a save of one target regardless of whether it changed.
func (f *Flusher) FlushNow(ctx context.Context, t Target) error {
	_, err := t.Flush(ctx, f.gateway.Save, true)
	return err
}
