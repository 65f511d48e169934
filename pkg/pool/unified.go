package pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/guido-cesarano/forgeflow/pkg/queue"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

// UnifiedStats extends the auto-scale stats with the per-kind breakdown.
type UnifiedStats struct {
	AutoScaleStats
	DevProcessed int64   `json:"dev_processed"`
	FixProcessed int64   `json:"fix_processed"`
	DevPercent   float64 `json:"dev_percent"`
	FixPercent   float64 `json:"fix_percent"`
}

// UnifiedPool routes new development work and fix work through one
// auto-scaling pool. Fix tasks are expected to arrive at a numerically lower
// priority (tasks.PriorityFix) so the queue ordering prefers them; the pool
// only dispatches and reports, it never reorders.
type UnifiedPool struct {
	*AutoScalingPool

	devProcessed atomic.Int64
	fixProcessed atomic.Int64
}

// NewUnified creates a unified pool dispatching dev tasks to devProcess and
// fix tasks to fixProcess. Any other task type fails that task with an error;
// it is never silently dropped.
func NewUnified(cfg Config, asCfg AutoScaleConfig, q *queue.PriorityQueue, output *queue.PriorityQueue, devProcess, fixProcess ProcessFunc) *UnifiedPool {
	up := &UnifiedPool{}
	dispatch := func(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
		switch t.Type {
		case tasks.TypeDev:
			result, err := devProcess(ctx, t)
			if err == nil {
				up.devProcessed.Add(1)
			}
			return result, err
		case tasks.TypeFix:
			result, err := fixProcess(ctx, t)
			if err == nil {
				up.fixProcessed.Add(1)
			}
			return result, err
		default:
			return nil, fmt.Errorf("unified pool: task %s has unroutable type %q", t.ID, t.Type)
		}
	}
	up.AutoScalingPool = NewAutoScaling(cfg, asCfg, q, output, dispatch)
	return up
}

// UnifiedStats returns pool stats extended with the dev/fix breakdown.
func (p *UnifiedPool) UnifiedStats() UnifiedStats {
	dev := p.devProcessed.Load()
	fix := p.fixProcessed.Load()
	s := UnifiedStats{
		AutoScaleStats: p.AutoScaleStats(),
		DevProcessed:   dev,
		FixProcessed:   fix,
	}
	if total := dev + fix; total > 0 {
		s.DevPercent = float64(dev) / float64(total) * 100
		s.FixPercent = float64(fix) / float64(total) * 100
	}
	return s
}
