package pool

import (
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/queue"
)

// AutoScaleConfig tunes the scaling monitor. Thresholds compare against the
// total workload: pending tasks plus tasks in progress.
type AutoScaleConfig struct {
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   int
	ScaleDownThreshold int
	ScaleUpStep        int
	ScaleDownStep      int
	CheckInterval      time.Duration
}

// DefaultAutoScaleConfig returns the standard scaling tuning.
func DefaultAutoScaleConfig() AutoScaleConfig {
	return AutoScaleConfig{
		MinWorkers:         2,
		MaxWorkers:         10,
		ScaleUpThreshold:   10,
		ScaleDownThreshold: 2,
		ScaleUpStep:        2,
		ScaleDownStep:      1,
		CheckInterval:      5 * time.Second,
	}
}

func (c *AutoScaleConfig) applyDefaults() {
	def := DefaultAutoScaleConfig()
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if c.ScaleDownThreshold < 0 {
		c.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if c.ScaleUpStep <= 0 {
		c.ScaleUpStep = def.ScaleUpStep
	}
	if c.ScaleDownStep <= 0 {
		c.ScaleDownStep = def.ScaleDownStep
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
}

// AutoScaleStats extends Stats with scaling observability.
type AutoScaleStats struct {
	Stats
	MinWorkers int   `json:"min_workers"`
	MaxWorkers int   `json:"max_workers"`
	ScaleUps   int64 `json:"scale_ups"`
	ScaleDowns int64 `json:"scale_downs"`
}

// AutoScalingPool is a WorkerPool with a background monitor that grows and
// shrinks the worker count between min and max bounds based on queue depth.
type AutoScalingPool struct {
	*WorkerPool

	scaleMu sync.Mutex
	asCfg   AutoScaleConfig

	scaleUps   int64
	scaleDowns int64

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewAutoScaling creates an auto-scaling pool. The base pool starts with
// MinWorkers workers.
func NewAutoScaling(cfg Config, asCfg AutoScaleConfig, q *queue.PriorityQueue, output *queue.PriorityQueue, process ProcessFunc) *AutoScalingPool {
	asCfg.applyDefaults()
	cfg.Workers = asCfg.MinWorkers
	return &AutoScalingPool{
		WorkerPool: New(cfg, q, output, process),
		asCfg:      asCfg,
	}
}

// Start launches the workers and the scaling monitor.
func (p *AutoScalingPool) Start() {
	p.WorkerPool.Start()

	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()
	if p.monitorDone != nil {
		return // Start was a no-op on the base pool too
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.monitorCancel = cancel
	p.monitorDone = make(chan struct{})
	go p.monitor(ctx)
}

// Stop cancels the monitor before stopping the workers so no resize races
// the shutdown.
func (p *AutoScalingPool) Stop(graceful bool, timeout time.Duration) {
	p.scaleMu.Lock()
	cancel, done := p.monitorCancel, p.monitorDone
	p.monitorCancel, p.monitorDone = nil, nil
	p.scaleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	p.WorkerPool.Stop(graceful, timeout)
}

// monitor evaluates the workload every CheckInterval and resizes within
// bounds. The interval is re-read each round so it can change at runtime.
func (p *AutoScalingPool) monitor(ctx context.Context) {
	defer close(p.monitorDone)
	for {
		timer := time.NewTimer(p.checkInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.evaluate()
	}
}

// evaluate applies one scaling decision based on the current workload.
func (p *AutoScalingPool) evaluate() {
	workload := p.queue.Len() + p.queue.InProgress()
	current := p.WorkerCount()

	p.scaleMu.Lock()
	cfg := p.asCfg
	p.scaleMu.Unlock()

	switch {
	case workload > cfg.ScaleUpThreshold && current < cfg.MaxWorkers:
		target := current + cfg.ScaleUpStep
		if target > cfg.MaxWorkers {
			target = cfg.MaxWorkers
		}
		p.Scale(target)
		p.scaleMu.Lock()
		p.scaleUps++
		p.scaleMu.Unlock()
		p.log.Info().Int("workload", workload).Int("workers", target).Msg("scaled up on workload")
	case workload < cfg.ScaleDownThreshold && current > cfg.MinWorkers:
		target := current - cfg.ScaleDownStep
		if target < cfg.MinWorkers {
			target = cfg.MinWorkers
		}
		p.Scale(target)
		p.scaleMu.Lock()
		p.scaleDowns++
		p.scaleMu.Unlock()
		p.log.Info().Int("workload", workload).Int("workers", target).Msg("scaled down on workload")
	}
}

func (p *AutoScalingPool) checkInterval() time.Duration {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()
	return p.asCfg.CheckInterval
}

// SetThresholds updates the scale-up and scale-down workload thresholds at
// runtime.
func (p *AutoScalingPool) SetThresholds(up, down int) {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()
	if up > 0 {
		p.asCfg.ScaleUpThreshold = up
	}
	if down >= 0 {
		p.asCfg.ScaleDownThreshold = down
	}
}

// SetCheckInterval updates the monitor interval; the new value takes effect
// on the next evaluation round.
func (p *AutoScalingPool) SetCheckInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()
	p.asCfg.CheckInterval = d
}

// AutoScaleStats returns pool stats extended with scaling counters.
func (p *AutoScalingPool) AutoScaleStats() AutoScaleStats {
	p.scaleMu.Lock()
	cfg := p.asCfg
	ups, downs := p.scaleUps, p.scaleDowns
	p.scaleMu.Unlock()
	return AutoScaleStats{
		Stats:      p.Stats(),
		MinWorkers: cfg.MinWorkers,
		MaxWorkers: cfg.MaxWorkers,
		ScaleUps:   ups,
		ScaleDowns: downs,
	}
}
