package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/forgeflow/pkg/breaker"
	"github.com/guido-cesarano/forgeflow/pkg/cache"
	"github.com/guido-cesarano/forgeflow/pkg/deps"
	"github.com/guido-cesarano/forgeflow/pkg/events"
	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/metrics"
	"github.com/guido-cesarano/forgeflow/pkg/pool"
	"github.com/guido-cesarano/forgeflow/pkg/queue"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/rs/zerolog"
)

// Breaker names, one per external dependency so failures in one don't
// obscure the health of the others.
const (
	BreakerDev = "dev"
	BreakerQA  = "qa"
	BreakerOps = "ops"
)

// EnhancedConfig extends Config with the event-routed variant's knobs.
type EnhancedConfig struct {
	Config
	AutoScale pool.AutoScaleConfig
	Breaker   breaker.Config
	Router    events.Config
	// RedisAddr enables the generation result cache when non-empty.
	RedisAddr string
	CacheTTL  time.Duration
}

// EnhancedStats aggregates every component's snapshot.
type EnhancedStats struct {
	Queues       []queue.Stats             `json:"queues"`
	Unified      pool.UnifiedStats         `json:"unified_pool"`
	QAPool       pool.Stats                `json:"qa_pool"`
	DeployPool   pool.Stats                `json:"deploy_pool"`
	Breakers     map[string]breaker.Counts `json:"breakers"`
	Router       events.Stats              `json:"router"`
	Cache        cache.Stats               `json:"cache"`
	TotalTasks   int64                     `json:"total_tasks"`
	Completed    int64                     `json:"completed"`
	Escalated    int64                     `json:"escalated"`
	Dependencies *deps.Statistics          `json:"dependencies,omitempty"`
}

// EnhancedManager is the event-routed pipeline variant: stage transitions
// travel through the event router (with retry, backoff and DLQ), external
// calls are guarded by per-dependency circuit breakers, dev generation is
// cached, and dev + fix work share one auto-scaling unified pool with fixes
// entering at elevated priority.
type EnhancedManager struct {
	cfg EnhancedConfig

	gen Generator
	val Validator
	dep Deployer

	unifiedQueue *queue.PriorityQueue
	qaQueue      *queue.PriorityQueue
	deployQueue  *queue.PriorityQueue

	unifiedPool *pool.UnifiedPool
	qaPool      *pool.WorkerPool
	deployPool  *pool.WorkerPool

	breakers map[string]*breaker.CircuitBreaker
	router   *events.Router
	cache    *cache.ResultCache
	analyzer *deps.Analyzer

	mu          sync.Mutex
	running     bool
	criticalSet map[string]bool
	totalTasks  int64
	completed   int64
	escalated   int64

	log zerolog.Logger
}

// NewEnhancedManager wires the event-routed pipeline around the three
// external capabilities.
func NewEnhancedManager(cfg EnhancedConfig, gen Generator, val Validator, dep Deployer) *EnhancedManager {
	cfg.Config.applyDefaults()
	m := &EnhancedManager{
		cfg:          cfg,
		gen:          gen,
		val:          val,
		dep:          dep,
		unifiedQueue: queue.New("unified", cfg.QueueCapacity),
		qaQueue:      queue.New("qa", cfg.QueueCapacity),
		deployQueue:  queue.New("deploy", cfg.QueueCapacity),
		router:       events.NewRouter(cfg.Router),
		analyzer:     deps.NewAnalyzer(),
		criticalSet:  make(map[string]bool),
		log:          logger.Component("pipeline"),
	}
	m.breakers = map[string]*breaker.CircuitBreaker{
		BreakerDev: breaker.New(BreakerDev, cfg.Breaker),
		BreakerQA:  breaker.New(BreakerQA, cfg.Breaker),
		BreakerOps: breaker.New(BreakerOps, cfg.Breaker),
	}
	if cfg.RedisAddr != "" {
		m.cache = cache.New(cfg.RedisAddr, cfg.CacheTTL)
	}

	poolCfg := func(name string, workers int) pool.Config {
		return pool.Config{Name: name, Workers: workers, PollTimeout: cfg.PollTimeout}
	}
	m.unifiedPool = pool.NewUnified(poolCfg("unified", 0), cfg.AutoScale,
		m.unifiedQueue, nil, m.processDev, m.processFix)
	m.qaPool = pool.New(poolCfg("qa", cfg.QAWorkers), m.qaQueue, nil, m.processQA)
	m.deployPool = pool.New(poolCfg("deploy", cfg.DeployWorkers), m.deployQueue, nil, m.processDeploy)

	m.registerHandlers()
	return m
}

// registerHandlers wires the stage transitions onto the event router.
func (m *EnhancedManager) registerHandlers() {
	m.router.RegisterHandler(events.FileCompleted, m.onFileCompleted)
	m.router.RegisterHandler(events.FixCompleted, m.onFileCompleted)
	m.router.RegisterHandler(events.QAPassed, m.onQAPassed)
	m.router.RegisterHandler(events.QAFailed, m.onQAFailed)
	m.router.RegisterHandler(events.DeployReady, m.onDeployReady)
	m.router.RegisterHandler(events.EscalateToPM, m.onEscalate)
}

// Start brings the pools up, downstream stages first.
func (m *EnhancedManager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn().Msg("pipeline already running, start ignored")
		return
	}
	m.running = true
	m.mu.Unlock()

	m.deployPool.Start()
	m.qaPool.Start()
	m.unifiedPool.Start()
	m.log.Info().Msg("enhanced pipeline started")
}

// Stop shuts the pipeline down intake-first, logs final statistics and
// releases the cache connection.
func (m *EnhancedManager) Stop(graceful bool, timeout time.Duration) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.unifiedPool.Stop(graceful, timeout)
	m.qaPool.Stop(graceful, timeout)
	m.deployPool.Stop(graceful, timeout)

	s := m.Stats()
	m.log.Info().
		Int64("total_tasks", s.TotalTasks).
		Int64("completed", s.Completed).
		Int64("escalated", s.Escalated).
		Int("dlq", s.Router.DLQSize).
		Msg("enhanced pipeline stopped")

	if err := m.cache.Close(); err != nil {
		m.log.Error().Err(err).Msg("closing result cache")
	}
}

// SubmitDevTask enqueues a new development task into the unified queue. A
// negative priority requests auto-assignment from critical-path membership.
func (m *EnhancedManager) SubmitDevTask(planTask tasks.PlanTask, n tasks.Notifier, priority int) (string, error) {
	if priority < 0 {
		priority = tasks.PriorityNormal
		m.mu.Lock()
		if m.criticalSet[planTask.ID] {
			priority = tasks.PriorityHigh
		}
		m.mu.Unlock()
	}
	t, err := tasks.New(uuid.New().String(), tasks.DevPayload{Task: planTask, Notify: n}, priority)
	if err != nil {
		return "", err
	}
	if err := m.unifiedQueue.Put(t, m.cfg.SubmitTimeout); err != nil {
		return "", fmt.Errorf("submit dev task %s: %w", planTask.ID, err)
	}
	m.mu.Lock()
	m.totalTasks++
	m.mu.Unlock()
	return t.ID, nil
}

// AnalyzeAndSubmitPlan mirrors Manager.AnalyzeAndSubmitPlan for the unified
// queue: batches order and prioritize submission, they are not a completion
// barrier.
func (m *EnhancedManager) AnalyzeAndSubmitPlan(plan *tasks.Plan, n tasks.Notifier) ([]string, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	batches, err := m.analyzer.Analyze(plan.Tasks)
	if err != nil {
		return nil, fmt.Errorf("analyze plan %s: %w", plan.ID, err)
	}

	m.mu.Lock()
	m.criticalSet = m.analyzer.CriticalSet()
	m.mu.Unlock()

	byPath := make(map[string]tasks.PlanTask, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if path, ok := m.analyzer.PathForTask(t.ID); ok {
			if _, claimed := byPath[path]; !claimed {
				byPath[path] = t
			}
		}
	}

	var submitted []string
	for _, batch := range batches {
		for _, f := range batch.Files {
			planTask, ok := byPath[f.Path]
			if !ok {
				continue
			}
			id, err := m.SubmitDevTask(planTask, n, -1)
			if err != nil {
				return submitted, err
			}
			submitted = append(submitted, id)
		}
		m.log.Info().Int("level", batch.Level).Int("files", len(batch.Files)).Msg("batch submitted")
	}
	return submitted, nil
}

// processDev handles a dev task on the unified pool: result cache first,
// then generation through the dev breaker, then a FILE_COMPLETED event.
func (m *EnhancedManager) processDev(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.DevPayload)
	if !ok {
		return nil, fmt.Errorf("dev task %s carries %T payload", t.ID, t.Payload)
	}

	key := cache.Key(p.Task)
	gen, hit := m.cache.Get(ctx, key)
	if hit {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		m.log.Debug().Str("task_id", t.ID).Msg("generation served from cache")
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		err := m.breakers[BreakerDev].Call(ctx, func(ctx context.Context) error {
			var genErr error
			gen, genErr = m.gen.Generate(ctx, GenerateRequest{Task: p.Task})
			return genErr
		})
		if err != nil {
			return nil, err
		}
		if err := m.cache.Set(ctx, key, gen); err != nil {
			m.log.Error().Err(err).Str("task_id", t.ID).Msg("caching generation result")
		}
	}

	notify(p.Notify, t.ID, "dev", "generation complete")
	e := events.NewEvent(events.FileCompleted, t.ID, tasks.QAPayload{
		Task: p.Task, Generation: gen, Notify: p.Notify,
	})
	return nil, m.router.Route(ctx, e)
}

// processFix handles a fix task on the unified pool: regeneration through
// the dev breaker, then a FIX_COMPLETED event.
func (m *EnhancedManager) processFix(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.FixPayload)
	if !ok {
		return nil, fmt.Errorf("fix task %s carries %T payload", t.ID, t.Payload)
	}
	var gen tasks.GenerationResult
	err := m.breakers[BreakerDev].Call(ctx, func(ctx context.Context) error {
		var genErr error
		gen, genErr = m.gen.Generate(ctx, GenerateRequest{Task: p.Task, Previous: &p.Generation, Report: &p.Validation})
		return genErr
	})
	if err != nil {
		return nil, err
	}
	notify(p.Notify, t.ID, "fix", "regeneration complete")
	e := events.NewEvent(events.FixCompleted, t.ID, tasks.QAPayload{
		Task: p.Task, Generation: gen, FixAttempts: p.FixAttempts, Notify: p.Notify,
	})
	return nil, m.router.Route(ctx, e)
}

// processQA validates through the qa breaker and emits QA_PASSED or
// QA_FAILED.
func (m *EnhancedManager) processQA(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.QAPayload)
	if !ok {
		return nil, fmt.Errorf("qa task %s carries %T payload", t.ID, t.Payload)
	}
	var report tasks.ValidationReport
	err := m.breakers[BreakerQA].Call(ctx, func(ctx context.Context) error {
		var valErr error
		report, valErr = m.val.Validate(ctx, p.Task, p.Generation)
		return valErr
	})
	if err != nil {
		return nil, err
	}

	if report.Passed {
		notify(p.Notify, t.ID, "qa", "validation passed")
		e := events.NewEvent(events.QAPassed, t.ID, tasks.DeployPayload{
			Task: p.Task, Generation: p.Generation, Validation: report, Notify: p.Notify,
		})
		return nil, m.router.Route(ctx, e)
	}

	notify(p.Notify, t.ID, "qa", "validation failed")
	e := events.NewEvent(events.QAFailed, t.ID, tasks.FixPayload{
		Task: p.Task, Generation: p.Generation, Validation: report,
		FixAttempts: p.FixAttempts, Notify: p.Notify,
	})
	return nil, m.router.Route(ctx, e)
}

// processDeploy ships through the ops breaker and emits DEPLOY_READY.
func (m *EnhancedManager) processDeploy(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.DeployPayload)
	if !ok {
		return nil, fmt.Errorf("deploy task %s carries %T payload", t.ID, t.Payload)
	}
	err := m.breakers[BreakerOps].Call(ctx, func(ctx context.Context) error {
		return m.dep.Deploy(ctx, p.Task, p.Generation, p.Validation)
	})
	if err != nil {
		return nil, err
	}
	e := events.NewEvent(events.DeployReady, t.ID, p)
	return nil, m.router.Route(ctx, e)
}

// onFileCompleted enqueues the QA task for a finished dev or fix artifact.
func (m *EnhancedManager) onFileCompleted(ctx context.Context, e *events.Event) error {
	p, ok := e.Payload.(tasks.QAPayload)
	if !ok {
		return fmt.Errorf("event %s carries %T payload", e.Type, e.Payload)
	}
	t, err := tasks.New(e.TaskID, p, tasks.PriorityNormal)
	if err != nil {
		return err
	}
	return m.qaQueue.Put(t, m.cfg.SubmitTimeout)
}

// onQAPassed enqueues the deploy task.
func (m *EnhancedManager) onQAPassed(ctx context.Context, e *events.Event) error {
	p, ok := e.Payload.(tasks.DeployPayload)
	if !ok {
		return fmt.Errorf("event %s carries %T payload", e.Type, e.Payload)
	}
	t, err := tasks.New(e.TaskID, p, tasks.PriorityHigh)
	if err != nil {
		return err
	}
	return m.deployQueue.Put(t, m.cfg.SubmitTimeout)
}

// onQAFailed re-enters the fix loop at elevated priority. Once the fix
// budget is exhausted it keeps failing, which drives the router's retry and
// dead-letter path and ultimately the PM escalation.
func (m *EnhancedManager) onQAFailed(ctx context.Context, e *events.Event) error {
	p, ok := e.Payload.(tasks.FixPayload)
	if !ok {
		return fmt.Errorf("event %s carries %T payload", e.Type, e.Payload)
	}
	if p.FixAttempts >= m.cfg.MaxFixAttempts {
		return fmt.Errorf("task %s: fix budget exhausted after %d attempts", e.TaskID, p.FixAttempts)
	}
	p.FixAttempts++
	t, err := tasks.New(e.TaskID, p, tasks.PriorityFix)
	if err != nil {
		return err
	}
	return m.unifiedQueue.Put(t, m.cfg.SubmitTimeout)
}

// onDeployReady records the completion.
func (m *EnhancedManager) onDeployReady(ctx context.Context, e *events.Event) error {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
	if p, ok := e.Payload.(tasks.DeployPayload); ok {
		notify(p.Notify, e.TaskID, "deploy", "deployed")
		m.log.Info().Str("task_id", e.TaskID).Str("plan_task", p.Task.ID).Msg("task deployed")
	}
	return nil
}

// onEscalate surfaces a dead-lettered task to the operator.
func (m *EnhancedManager) onEscalate(ctx context.Context, e *events.Event) error {
	m.mu.Lock()
	m.escalated++
	m.mu.Unlock()
	esc, _ := e.Payload.(events.Escalation)
	m.log.Error().
		Str("task_id", e.TaskID).
		Str("original_type", string(esc.OriginalType)).
		Int("retry_count", esc.RetryCount).
		Str("reason", esc.Reason).
		Msg("task escalated for manual intervention")
	return nil
}

// Router exposes the event router for DLQ inspection and manual replay.
func (m *EnhancedManager) Router() *events.Router {
	return m.router
}

// Breaker returns the circuit breaker guarding the named dependency.
func (m *EnhancedManager) Breaker(name string) *breaker.CircuitBreaker {
	return m.breakers[name]
}

// Analyzer exposes the dependency analyzer.
func (m *EnhancedManager) Analyzer() *deps.Analyzer {
	return m.analyzer
}

// Stats returns the aggregate snapshot across every component.
func (m *EnhancedManager) Stats() EnhancedStats {
	m.mu.Lock()
	s := EnhancedStats{
		TotalTasks: m.totalTasks,
		Completed:  m.completed,
		Escalated:  m.escalated,
	}
	m.mu.Unlock()

	s.Queues = []queue.Stats{
		m.unifiedQueue.Stats(), m.qaQueue.Stats(), m.deployQueue.Stats(),
	}
	s.Unified = m.unifiedPool.UnifiedStats()
	s.QAPool = m.qaPool.Stats()
	s.DeployPool = m.deployPool.Stats()
	s.Breakers = make(map[string]breaker.Counts, len(m.breakers))
	for name, b := range m.breakers {
		s.Breakers[name] = b.Counts()
	}
	s.Router = m.router.Stats()
	s.Cache = m.cache.Stats()
	if len(m.analyzer.Files()) > 0 {
		depStats := m.analyzer.Stats()
		s.Dependencies = &depStats
	}
	return s
}

// UpdateMetrics refreshes the Prometheus gauges that mirror component state.
// Called periodically by the stats collector in cmd/forgeflowd.
func (m *EnhancedManager) UpdateMetrics() {
	for _, q := range []*queue.PriorityQueue{m.unifiedQueue, m.qaQueue, m.deployQueue} {
		st := q.Stats()
		metrics.QueueDepth.WithLabelValues(st.Name).Set(float64(st.Pending))
	}
	metrics.WorkerCount.WithLabelValues("unified").Set(float64(m.unifiedPool.WorkerCount()))
	metrics.WorkerCount.WithLabelValues("qa").Set(float64(m.qaPool.WorkerCount()))
	metrics.WorkerCount.WithLabelValues("deploy").Set(float64(m.deployPool.WorkerCount()))
	for name, b := range m.breakers {
		var v float64
		switch b.State() {
		case breaker.StateHalfOpen:
			v = 1
		case breaker.StateOpen:
			v = 2
		}
		metrics.BreakerState.WithLabelValues(name).Set(v)
	}
	metrics.DLQDepth.Set(float64(m.router.DLQSize()))
}

// WaitIdle blocks until every stage queue is drained, or the context is
// cancelled. Intended for tests and batch runs.
func (m *EnhancedManager) WaitIdle(ctx context.Context, poll time.Duration) error {
	queues := []*queue.PriorityQueue{m.unifiedQueue, m.qaQueue, m.deployQueue}
	for {
		for _, q := range queues {
			if err := q.WaitUntilEmpty(ctx, poll); err != nil {
				return err
			}
		}
		idle := true
		for _, q := range queues {
			if q.Len() > 0 || q.InProgress() > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
	}
}
