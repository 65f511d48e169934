package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/forgeflow/pkg/deps"
	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/pool"
	"github.com/guido-cesarano/forgeflow/pkg/queue"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/rs/zerolog"
)

// Config holds pipeline manager settings shared by both variants.
type Config struct {
	// QueueCapacity bounds each stage queue; 0 means unbounded.
	QueueCapacity int
	// DevWorkers, QAWorkers, FixWorkers and DeployWorkers size the stage
	// pools of the simple variant.
	DevWorkers    int
	QAWorkers     int
	FixWorkers    int
	DeployWorkers int
	// MaxFixAttempts bounds the QA-fail -> Fix -> QA loop per task.
	MaxFixAttempts int
	// SubmitTimeout bounds queue Puts issued by the pipeline itself.
	SubmitTimeout time.Duration
	// PollTimeout is passed to the stage pools.
	PollTimeout time.Duration
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{
		DevWorkers:     4,
		QAWorkers:      2,
		FixWorkers:     2,
		DeployWorkers:  1,
		MaxFixAttempts: 2,
		SubmitTimeout:  5 * time.Second,
		PollTimeout:    100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DevWorkers <= 0 {
		c.DevWorkers = def.DevWorkers
	}
	if c.QAWorkers <= 0 {
		c.QAWorkers = def.QAWorkers
	}
	if c.FixWorkers <= 0 {
		c.FixWorkers = def.FixWorkers
	}
	if c.DeployWorkers <= 0 {
		c.DeployWorkers = def.DeployWorkers
	}
	if c.MaxFixAttempts <= 0 {
		c.MaxFixAttempts = def.MaxFixAttempts
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = def.SubmitTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
}

// Stats aggregates the pipeline's per-queue and per-pool snapshots.
type Stats struct {
	Queues       []queue.Stats    `json:"queues"`
	Pools        []pool.Stats     `json:"pools"`
	TotalTasks   int64            `json:"total_tasks"`
	Completed    int64            `json:"completed"`
	FixExhausted int64            `json:"fix_exhausted"`
	Dependencies *deps.Statistics `json:"dependencies,omitempty"`
}

// Manager is the simple pipeline variant: the stage queues are chained
// directly, each stage pool enqueueing the next stage's task.
type Manager struct {
	cfg Config

	gen Generator
	val Validator
	dep Deployer

	devQueue    *queue.PriorityQueue
	qaQueue     *queue.PriorityQueue
	fixQueue    *queue.PriorityQueue
	deployQueue *queue.PriorityQueue

	devPool    *pool.WorkerPool
	qaPool     *pool.WorkerPool
	fixPool    *pool.WorkerPool
	deployPool *pool.WorkerPool

	analyzer *deps.Analyzer

	mu           sync.Mutex
	running      bool
	criticalSet  map[string]bool
	totalTasks   int64
	completed    int64
	fixExhausted int64

	log zerolog.Logger
}

// NewManager wires the simple pipeline around the three external
// capabilities.
func NewManager(cfg Config, gen Generator, val Validator, dep Deployer) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:         cfg,
		gen:         gen,
		val:         val,
		dep:         dep,
		devQueue:    queue.New("dev", cfg.QueueCapacity),
		qaQueue:     queue.New("qa", cfg.QueueCapacity),
		fixQueue:    queue.New("fix", cfg.QueueCapacity),
		deployQueue: queue.New("deploy", cfg.QueueCapacity),
		analyzer:    deps.NewAnalyzer(),
		criticalSet: make(map[string]bool),
		log:         logger.Component("pipeline"),
	}

	poolCfg := func(name string, workers int) pool.Config {
		return pool.Config{Name: name, Workers: workers, PollTimeout: cfg.PollTimeout}
	}
	// Dev and Fix results flow straight into QA; QA branches itself.
	m.devPool = pool.New(poolCfg("dev", cfg.DevWorkers), m.devQueue, m.qaQueue, m.processDev)
	m.fixPool = pool.New(poolCfg("fix", cfg.FixWorkers), m.fixQueue, m.qaQueue, m.processFix)
	m.qaPool = pool.New(poolCfg("qa", cfg.QAWorkers), m.qaQueue, nil, m.processQA)
	m.deployPool = pool.New(poolCfg("deploy", cfg.DeployWorkers), m.deployQueue, nil, m.processDeploy)
	return m
}

// Start brings the stage pools up, downstream stages first so a forwarded
// task always finds its consumer running.
func (m *Manager) Start() {
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
	m.fixPool.Start()
	m.devPool.Start()
	m.log.Info().Msg("pipeline started")
}

// Stop shuts the pipeline down, intake first so no stage forwards into a
// stopped consumer, then logs the final aggregate statistics.
func (m *Manager) Stop(graceful bool, timeout time.Duration) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.devPool.Stop(graceful, timeout)
	m.fixPool.Stop(graceful, timeout)
	m.qaPool.Stop(graceful, timeout)
	m.deployPool.Stop(graceful, timeout)

	s := m.Stats()
	m.log.Info().
		Int64("total_tasks", s.TotalTasks).
		Int64("completed", s.Completed).
		Int64("fix_exhausted", s.FixExhausted).
		Msg("pipeline stopped")
}

// SubmitDevTask enqueues a new development task and returns its id. A
// negative priority requests auto-assignment: critical-path files get the
// high tier, everything else normal.
func (m *Manager) SubmitDevTask(planTask tasks.PlanTask, n tasks.Notifier, priority int) (string, error) {
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
	if err := m.devQueue.Put(t, m.cfg.SubmitTimeout); err != nil {
		return "", fmt.Errorf("submit dev task %s: %w", planTask.ID, err)
	}
	m.mu.Lock()
	m.totalTasks++
	m.mu.Unlock()
	m.log.Debug().Str("task_id", t.ID).Str("plan_task", planTask.ID).Int("priority", priority).Msg("dev task submitted")
	return t.ID, nil
}

// AnalyzeAndSubmitPlan runs dependency analysis over the plan and submits its
// tasks batch by batch in topological order. The batching informs priority
// and grouping only: a later batch is submitted after the earlier batch's
// submissions are issued, not after they complete. Callers needing a hard
// barrier between batches must gate externally.
func (m *Manager) AnalyzeAndSubmitPlan(plan *tasks.Plan, n tasks.Notifier) ([]string, error) {
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

// Analyzer exposes the dependency analyzer for stats and inspection.
func (m *Manager) Analyzer() *deps.Analyzer {
	return m.analyzer
}

// processDev generates code for a dev task and forwards a QA task.
func (m *Manager) processDev(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.DevPayload)
	if !ok {
		return nil, fmt.Errorf("dev task %s carries %T payload", t.ID, t.Payload)
	}
	gen, err := m.gen.Generate(ctx, GenerateRequest{Task: p.Task})
	if err != nil {
		return nil, err
	}
	notify(p.Notify, t.ID, "dev", "generation complete")
	return m.nextStageTask(t, tasks.QAPayload{Task: p.Task, Generation: gen, Notify: p.Notify}, t.Priority)
}

// processQA validates the artifact and branches: pass enqueues deploy, fail
// enqueues fix until the fix budget is exhausted.
func (m *Manager) processQA(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.QAPayload)
	if !ok {
		return nil, fmt.Errorf("qa task %s carries %T payload", t.ID, t.Payload)
	}
	report, err := m.val.Validate(ctx, p.Task, p.Generation)
	if err != nil {
		return nil, err
	}

	if report.Passed {
		notify(p.Notify, t.ID, "qa", "validation passed")
		next, err := m.nextStageTask(t, tasks.DeployPayload{
			Task: p.Task, Generation: p.Generation, Validation: report, Notify: p.Notify,
		}, t.Priority)
		if err != nil {
			return nil, err
		}
		return nil, m.deployQueue.Put(next, m.cfg.SubmitTimeout)
	}

	notify(p.Notify, t.ID, "qa", "validation failed")
	if p.FixAttempts >= m.cfg.MaxFixAttempts {
		m.mu.Lock()
		m.fixExhausted++
		m.mu.Unlock()
		m.log.Error().
			Str("task_id", t.ID).
			Str("plan_task", p.Task.ID).
			Int("fix_attempts", p.FixAttempts).
			Msg("fix budget exhausted, task abandoned")
		notify(p.Notify, t.ID, "qa", "fix budget exhausted")
		return nil, nil
	}
	next, err := m.nextStageTask(t, tasks.FixPayload{
		Task: p.Task, Generation: p.Generation, Validation: report,
		FixAttempts: p.FixAttempts + 1, Notify: p.Notify,
	}, tasks.PriorityFix)
	if err != nil {
		return nil, err
	}
	return nil, m.fixQueue.Put(next, m.cfg.SubmitTimeout)
}

// processFix regenerates a failed artifact and forwards it back to QA.
func (m *Manager) processFix(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.FixPayload)
	if !ok {
		return nil, fmt.Errorf("fix task %s carries %T payload", t.ID, t.Payload)
	}
	gen, err := m.gen.Generate(ctx, GenerateRequest{Task: p.Task, Previous: &p.Generation, Report: &p.Validation})
	if err != nil {
		return nil, err
	}
	notify(p.Notify, t.ID, "fix", "regeneration complete")
	return m.nextStageTask(t, tasks.QAPayload{
		Task: p.Task, Generation: gen, FixAttempts: p.FixAttempts, Notify: p.Notify,
	}, t.Priority)
}

// processDeploy ships a validated artifact. Failure is fatal to the task
// beyond the queue's own retry budget; there is no further stage.
func (m *Manager) processDeploy(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
	p, ok := t.Payload.(tasks.DeployPayload)
	if !ok {
		return nil, fmt.Errorf("deploy task %s carries %T payload", t.ID, t.Payload)
	}
	if err := m.dep.Deploy(ctx, p.Task, p.Generation, p.Validation); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
	notify(p.Notify, t.ID, "deploy", "deployed")
	m.log.Info().Str("task_id", t.ID).Str("plan_task", p.Task.ID).Msg("task deployed")
	return nil, nil
}

// nextStageTask builds the follow-up task, keeping the pipeline-wide task id
// for traceability.
func (m *Manager) nextStageTask(t *tasks.QueueTask, payload tasks.Payload, priority int) (*tasks.QueueTask, error) {
	next, err := tasks.New(t.ID, payload, priority)
	if err != nil {
		return nil, err
	}
	next.MaxRetries = t.MaxRetries
	return next, nil
}

// Stats returns the aggregate pipeline snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		TotalTasks:   m.totalTasks,
		Completed:    m.completed,
		FixExhausted: m.fixExhausted,
	}
	m.mu.Unlock()

	s.Queues = []queue.Stats{
		m.devQueue.Stats(), m.qaQueue.Stats(), m.fixQueue.Stats(), m.deployQueue.Stats(),
	}
	s.Pools = []pool.Stats{
		m.devPool.Stats(), m.qaPool.Stats(), m.fixPool.Stats(), m.deployPool.Stats(),
	}
	if len(m.analyzer.Files()) > 0 {
		depStats := m.analyzer.Stats()
		s.Dependencies = &depStats
	}
	return s
}

// WaitIdle blocks until every stage queue is drained, or the context is
// cancelled. Intended for tests and batch runs.
func (m *Manager) WaitIdle(ctx context.Context, poll time.Duration) error {
	for _, q := range []*queue.PriorityQueue{m.devQueue, m.fixQueue, m.qaQueue, m.deployQueue} {
		if err := q.WaitUntilEmpty(ctx, poll); err != nil {
			return err
		}
	}
	// A drained queue can refill from an upstream stage finishing late, so
	// verify all four are simultaneously idle.
	for _, q := range []*queue.PriorityQueue{m.devQueue, m.fixQueue, m.qaQueue, m.deployQueue} {
		if q.Len() > 0 || q.InProgress() > 0 {
			return m.WaitIdle(ctx, poll)
		}
	}
	return nil
}
