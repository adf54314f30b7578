// Package probe samples whole-host resource usage on a fixed interval,
// persists each sample and pushes a fresh snapshot to subscribers.
package probe

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botdeck/internal/domain"
	"github.com/betbot/botdeck/internal/metrics"
	"github.com/betbot/botdeck/internal/storage"
	"github.com/betbot/botdeck/pkg/logger"
)

// Broadcaster is notified after every persisted sample.
type Broadcaster interface {
	BroadcastUpdate(ctx context.Context)
}

type Config struct {
	Interval time.Duration
	DiskPath string
}

type Probe struct {
	store       storage.Store
	sampler     Sampler
	broadcaster Broadcaster
	cfg         Config
	now         func() time.Time
	log         *logrus.Entry

	// 上一次网络计数，用于计算速率
	lastNet   uint64
	lastNetAt time.Time
}

func New(store storage.Store, sampler Sampler, b Broadcaster, cfg Config) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if sampler == nil {
		sampler = HostSampler{}
	}
	return &Probe{
		store:       store,
		sampler:     sampler,
		broadcaster: b,
		cfg:         cfg,
		now:         time.Now,
		log:         logger.WithField("component", "probe"),
	}
}

// Collect takes one sample. A failing sub-probe is logged and reads as zero.
func (p *Probe) Collect(ctx context.Context) domain.MetricSample {
	s := domain.MetricSample{Timestamp: p.now()}

	if v, err := p.sampler.CPU(ctx); err != nil {
		p.log.Warnf("cpu probe failed: %v", err)
	} else {
		s.CPUUsage = v
	}
	if used, total, err := p.sampler.Memory(ctx); err != nil {
		p.log.Warnf("memory probe failed: %v", err)
	} else {
		s.MemoryUsed, s.MemoryTotal = used, total
	}
	if used, total, err := p.sampler.Disk(ctx, p.cfg.DiskPath); err != nil {
		p.log.Errorf("disk probe failed: %v", err)
	} else {
		s.DiskUsed, s.DiskTotal = used, total
	}
	if bytes, err := p.sampler.NetworkBytes(ctx); err != nil {
		p.log.Warnf("network probe failed: %v", err)
	} else {
		s.NetworkUsage = p.rate(bytes, s.Timestamp)
	}
	return s
}

// rate 字节/秒；首次采样或计数器回绕时为 0
func (p *Probe) rate(bytes uint64, at time.Time) float64 {
	prev, prevAt := p.lastNet, p.lastNetAt
	p.lastNet, p.lastNetAt = bytes, at
	if prevAt.IsZero() || bytes < prev {
		return 0
	}
	elapsed := at.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes-prev) / elapsed
}

// SampleOnce collects, persists, exports and broadcasts one sample.
func (p *Probe) SampleOnce(ctx context.Context) {
	s := p.Collect(ctx)
	metrics.ObserveSample(s)
	if _, err := p.store.CreateMetrics(ctx, s); err != nil {
		p.log.Errorf("persist metric sample: %v", err)
	}
	if p.broadcaster != nil {
		p.broadcaster.BroadcastUpdate(ctx)
	}
}

// Run samples immediately, then every interval until ctx ends.
func (p *Probe) Run(ctx context.Context) error {
	p.log.Infof("metrics probe started (interval=%s disk=%s)", p.cfg.Interval, p.cfg.DiskPath)
	p.SampleOnce(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("metrics probe stopped")
			return nil
		case <-ticker.C:
			p.SampleOnce(ctx)
		}
	}
}
