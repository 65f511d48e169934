// Package pool runs sets of concurrent workers draining a priority queue.
// Three flavors build on each other:
//   - WorkerPool: a fixed-size pool with graceful shutdown and manual resize
//   - AutoScalingPool: adds a monitor that resizes on queue depth
//   - UnifiedPool: routes dev and fix work through one auto-scaling pool
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/metrics"
	"github.com/guido-cesarano/forgeflow/pkg/queue"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/rs/zerolog"
)

// ProcessFunc handles one task. A non-nil result is forwarded to the pool's
// output queue when one is configured. A non-nil error sends the task through
// the queue's retry path.
type ProcessFunc func(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error)

// Config holds worker pool settings.
type Config struct {
	// Name tags logs and metrics.
	Name string
	// Workers is the initial worker count.
	Workers int
	// PollTimeout bounds each queue poll so workers notice shutdown
	// promptly. Defaults to 100ms.
	PollTimeout time.Duration
	// ErrorCooldown is slept after an unexpected internal error before the
	// worker loop continues. Defaults to 250ms.
	ErrorCooldown time.Duration
	// ForwardTimeout bounds the Put of a result into the output queue.
	// Defaults to 5s.
	ForwardTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = 250 * time.Millisecond
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 5 * time.Second
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name            string        `json:"name"`
	Workers         int           `json:"workers"`
	Running         bool          `json:"running"`
	Processed       int64         `json:"processed"`
	Failed          int64         `json:"failed"`
	Dropped         int64         `json:"dropped"`
	SuccessRate     float64       `json:"success_rate"`
	AvgProcessing   time.Duration `json:"avg_processing"`
	TotalProcessing time.Duration `json:"total_processing"`
	Uptime          time.Duration `json:"uptime"`
	Throughput      float64       `json:"throughput"`
}

// worker is one processing goroutine. Cancelling ctx force-stops it even
// mid-task; done is closed when the loop exits.
type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerPool drains one queue with a fixed set of concurrent workers,
// invoking the injected ProcessFunc and forwarding results downstream.
type WorkerPool struct {
	cfg     Config
	queue   *queue.PriorityQueue
	output  *queue.PriorityQueue
	process ProcessFunc

	mu           sync.Mutex
	running      bool
	quit         chan struct{}
	workers      []*worker
	nextWorkerID int

	processed       int64
	failed          int64
	dropped         int64
	totalProcessing time.Duration
	startedAt       time.Time

	log zerolog.Logger
}

// New creates a pool draining q. output may be nil; when set, non-nil
// ProcessFunc results are forwarded to it.
func New(cfg Config, q *queue.PriorityQueue, output *queue.PriorityQueue, process ProcessFunc) *WorkerPool {
	cfg.applyDefaults()
	return &WorkerPool{
		cfg:     cfg,
		queue:   q,
		output:  output,
		process: process,
		log:     logger.Component("pool").With().Str("pool", cfg.Name).Logger(),
	}
}

// Start spawns the configured number of workers. Calling Start on a running
// pool logs a warning and is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.log.Warn().Msg("pool already running, start ignored")
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.startedAt = time.Now()
	for i := 0; i < p.cfg.Workers; i++ {
		p.spawnLocked()
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("pool started")
}

// spawnLocked adds one worker. Caller holds p.mu.
func (p *WorkerPool) spawnLocked() {
	p.nextWorkerID++
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:     p.nextWorkerID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.workers = append(p.workers, w)
	quit := p.quit
	go p.run(w, quit)
}

// run is the worker loop: poll with a short timeout, process, record the
// outcome. Unexpected internal errors never kill the loop.
func (p *WorkerPool) run(w *worker, quit chan struct{}) {
	defer close(w.done)
	log := p.log.With().Int("worker", w.id).Logger()
	log.Debug().Msg("worker started")

	for {
		select {
		case <-quit:
			log.Debug().Msg("worker stopping")
			return
		case <-w.ctx.Done():
			log.Debug().Msg("worker cancelled")
			return
		default:
		}

		task, err := p.queue.Get(p.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			log.Error().Err(err).Msg("unexpected queue error")
			p.sleep(w.ctx, p.cfg.ErrorCooldown)
			continue
		}
		p.handle(w.ctx, task, log)
	}
}

// handle runs one task through the ProcessFunc and the retry bookkeeping.
func (p *WorkerPool) handle(ctx context.Context, task *tasks.QueueTask, log zerolog.Logger) {
	stage := string(task.Type)
	metrics.QueueLatency.WithLabelValues(stage).Observe(time.Since(task.CreatedAt).Seconds())

	start := time.Now()
	result, err := p.safeProcess(ctx, task)
	duration := time.Since(start)
	metrics.TaskDuration.WithLabelValues(stage).Observe(duration.Seconds())

	if err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Int("retries", task.Retries).Msg("task failed")
		if p.queue.TaskRetry(task) {
			metrics.TasksProcessed.WithLabelValues("retry", stage).Inc()
			return
		}
		p.mu.Lock()
		p.failed++
		p.totalProcessing += duration
		p.mu.Unlock()
		p.queue.TaskDone(task.ID, false, duration)
		metrics.TasksProcessed.WithLabelValues("failed", stage).Inc()
		log.Error().Str("task_id", task.ID).Msg("task permanently failed")
		return
	}

	// Forward before marking the task done: while the hand-off is pending
	// the task still counts as in-progress here, so the stage queues never
	// all report idle mid-transfer.
	if p.output != nil && result != nil {
		if err := p.output.Put(result, p.cfg.ForwardTimeout); err != nil {
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
			log.Error().Err(err).Str("task_id", result.ID).Msg("failed to forward result downstream, result dropped")
		}
	}

	p.mu.Lock()
	p.processed++
	p.totalProcessing += duration
	p.mu.Unlock()
	p.queue.TaskDone(task.ID, true, duration)
	metrics.TasksProcessed.WithLabelValues("success", stage).Inc()
}

// safeProcess invokes the ProcessFunc, converting panics into errors so a
// bad task cannot take the worker down.
func (p *WorkerPool) safeProcess(ctx context.Context, task *tasks.QueueTask) (result *tasks.QueueTask, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Str("task_id", task.ID).
				Bytes("stack", debug.Stack()).
				Msg("processing panicked")
			err = fmt.Errorf("processing panicked: %v", r)
		}
	}()
	return p.process(ctx, task)
}

func (p *WorkerPool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Stop shuts the pool down. In graceful mode workers finish their in-flight
// tasks and exit once they observe the stop signal, with stragglers
// force-cancelled after timeout. In immediate mode all workers are cancelled
// right away.
func (p *WorkerPool) Stop(graceful bool, timeout time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	workers := make([]*worker, len(p.workers))
	copy(workers, p.workers)
	p.workers = nil
	p.mu.Unlock()

	if !graceful {
		for _, w := range workers {
			w.cancel()
		}
	}

	deadline := time.After(timeout)
	for _, w := range workers {
		select {
		case <-w.done:
			continue
		case <-deadline:
			p.log.Warn().Int("worker", w.id).Msg("worker did not drain in time, force-cancelling")
			w.cancel()
		}
		// Bounded wait after force-cancel; a ProcessFunc that ignores its
		// context can still wedge, which we surface rather than hang on.
		select {
		case <-w.done:
		case <-time.After(time.Second):
			p.log.Error().Int("worker", w.id).Msg("worker did not exit after cancel")
		}
	}
	p.log.Info().Bool("graceful", graceful).Msg("pool stopped")
}

// Scale adjusts the worker count to target. Scaling down cancels the newest
// workers first. A no-op when already at target.
func (p *WorkerPool) Scale(target int) {
	if target < 0 {
		target = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Workers = target
	if !p.running {
		return
	}
	current := len(p.workers)
	switch {
	case target > current:
		for i := current; i < target; i++ {
			p.spawnLocked()
		}
		p.log.Info().Int("from", current).Int("to", target).Msg("scaled up")
	case target < current:
		excess := p.workers[target:]
		p.workers = p.workers[:target]
		for _, w := range excess {
			w.cancel()
		}
		p.log.Info().Int("from", current).Int("to", target).Msg("scaled down")
	}
}

// WorkerCount returns the current number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return 0
	}
	return len(p.workers)
}

// Healthy reports whether the pool is running and every spawned worker loop
// is still alive.
func (p *WorkerPool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	for _, w := range p.workers {
		select {
		case <-w.done:
			return false
		default:
		}
	}
	return true
}

// Queue returns the queue this pool drains.
func (p *WorkerPool) Queue() *queue.PriorityQueue {
	return p.queue
}

// Name returns the pool name.
func (p *WorkerPool) Name() string {
	return p.cfg.Name
}

// Stats returns a snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Name:            p.cfg.Name,
		Workers:         len(p.workers),
		Running:         p.running,
		Processed:       p.processed,
		Failed:          p.failed,
		Dropped:         p.dropped,
		TotalProcessing: p.totalProcessing,
	}
	if total := p.processed + p.failed; total > 0 {
		s.SuccessRate = float64(p.processed) / float64(total) * 100
		s.AvgProcessing = p.totalProcessing / time.Duration(total)
	}
	if p.running {
		s.Uptime = time.Since(p.startedAt)
		if secs := s.Uptime.Seconds(); secs > 0 {
			s.Throughput = float64(p.processed) / secs
		}
	}
	return s
}
