package deps

import (
	"sort"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/rs/zerolog"
)

// CycleBreaker picks which edge to remove from a detected cycle. It is a
// replaceable policy: the default heuristic is acknowledged as imprecise and
// callers with better domain knowledge can supply their own.
type CycleBreaker interface {
	// ChooseEdge returns the edge to remove from the cycle. The cycle is
	// given as an ordered list of file paths where each node depends on
	// the next, and the last depends on the first.
	ChooseEdge(cycle []string, files map[string]*FileDependency) Edge
}

// LengthWeightBreaker removes the cycle edge with the smallest combined
// file-path length. This is a heuristic, not a minimum-edge-removal
// guarantee; broken edges are logged for manual review.
type LengthWeightBreaker struct{}

func (LengthWeightBreaker) ChooseEdge(cycle []string, _ map[string]*FileDependency) Edge {
	var best Edge
	bestWeight := -1
	for i := range cycle {
		from := cycle[i]
		to := cycle[(i+1)%len(cycle)]
		if w := len(from) + len(to); bestWeight == -1 || w < bestWeight {
			best = Edge{From: from, To: to}
			bestWeight = w
		}
	}
	return best
}

// Analyzer builds and analyzes the dependency graph for one plan.
type Analyzer struct {
	files      map[string]*FileDependency
	pathByTask map[string]string
	breaker    CycleBreaker
	broken     []Edge
	batches    []Batch
	log        zerolog.Logger
}

// NewAnalyzer creates an analyzer with the default cycle-breaking heuristic.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		breaker: LengthWeightBreaker{},
		log:     logger.Component("deps"),
	}
}

// SetCycleBreaker replaces the cycle-breaking policy.
func (a *Analyzer) SetCycleBreaker(b CycleBreaker) {
	a.breaker = b
}

// Analyze builds the dependency graph for the plan tasks, breaks any cycles,
// and returns the topologically sorted batches.
func (a *Analyzer) Analyze(planTasks []tasks.PlanTask) ([]Batch, error) {
	// An analyzer is reused across plans; earlier results must not leak
	// into this run's broken-edge list or batches.
	a.broken = nil
	a.batches = nil
	a.buildGraph(planTasks)
	a.BreakCycles()
	return a.TopologicalSort()
}

// Files returns the graph nodes keyed by file path.
func (a *Analyzer) Files() map[string]*FileDependency {
	return a.files
}

// PathForTask maps a plan task id to its graph node path.
func (a *Analyzer) PathForTask(taskID string) (string, bool) {
	p, ok := a.pathByTask[taskID]
	return p, ok
}

// BrokenEdges returns the edges removed during cycle breaking.
func (a *Analyzer) BrokenEdges() []Edge {
	return a.broken
}

// Batches returns the result of the last TopologicalSort.
func (a *Analyzer) Batches() []Batch {
	return a.batches
}

// DetectCycles finds dependency cycles via depth-first search with a
// recursion stack. Each returned cycle is the path from a node back to
// itself, exclusive of the repeated node.
func (a *Analyzer) DetectCycles() [][]string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(a.files))
	var stack []string
	var cycles [][]string

	paths := a.sortedPaths()

	var visit func(path string)
	visit = func(path string) {
		state[path] = inStack
		stack = append(stack, path)

		deps := make([]string, 0, len(a.files[path].DependsOn))
		for dep := range a.files[path].DependsOn {
			deps = append(deps, dep)
		}
		sort.Strings(deps)

		for _, dep := range deps {
			switch state[dep] {
			case unvisited:
				visit(dep)
			case inStack:
				// Back-edge: the cycle runs from dep to the top of
				// the stack.
				for i, p := range stack {
					if p == dep {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[path] = done
	}

	for _, p := range paths {
		if state[p] == unvisited {
			visit(p)
		}
	}
	return cycles
}

// BreakCycles repeatedly detects cycles and removes one edge per cycle using
// the configured policy, until the graph is acyclic. Removed edges are
// recorded and logged for manual review.
func (a *Analyzer) BreakCycles() []Edge {
	// Each pass removes at least one edge, so this terminates.
	for guard := a.edgeCount(); guard >= 0; guard-- {
		cycles := a.DetectCycles()
		if len(cycles) == 0 {
			break
		}
		for _, cycle := range cycles {
			edge := a.breaker.ChooseEdge(cycle, a.files)
			if !a.files[edge.From].DependsOn[edge.To] {
				continue // already removed by an overlapping cycle
			}
			a.removeEdge(edge.From, edge.To)
			a.broken = append(a.broken, edge)
			a.log.Warn().
				Str("from", edge.From).
				Str("to", edge.To).
				Int("cycle_len", len(cycle)).
				Msg("dependency cycle broken, edge removed for manual review")
		}
	}
	return a.broken
}

// TopologicalSort runs Kahn's algorithm and groups the files into batches of
// equal depth: every file in a batch has all of its dependencies in earlier
// batches, so files within one batch are safe to generate concurrently.
func (a *Analyzer) TopologicalSort() ([]Batch, error) {
	indegree := make(map[string]int, len(a.files))
	for path, f := range a.files {
		indegree[path] = len(f.DependsOn)
		f.BatchLevel = -1
	}

	var ready []string
	for path, d := range indegree {
		if d == 0 {
			ready = append(ready, path)
		}
	}

	var batches []Batch
	assigned := 0
	for level := 0; len(ready) > 0; level++ {
		sort.Strings(ready)
		batch := Batch{Level: level}
		var next []string
		for _, path := range ready {
			f := a.files[path]
			f.BatchLevel = level
			batch.Files = append(batch.Files, f)
			if f.EstimatedHours > batch.EstimatedTime {
				batch.EstimatedTime = f.EstimatedHours
			}
			assigned++
			for dependent := range f.RequiredBy {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		batches = append(batches, batch)
		ready = next
	}

	if assigned < len(a.files) {
		var unprocessed []string
		for path, f := range a.files {
			if f.BatchLevel == -1 {
				unprocessed = append(unprocessed, path)
			}
		}
		sort.Strings(unprocessed)
		return nil, &UnprocessedFilesError{Files: unprocessed}
	}

	a.batches = batches
	return batches, nil
}

// CriticalPath returns the longest chain of dependent files and its length.
// It walks down from every leaf (a file nothing depends on) through its
// dependencies; members of the returned path should be scheduled at elevated
// priority.
func (a *Analyzer) CriticalPath() ([]string, int) {
	memo := make(map[string][]string, len(a.files))

	var longestFrom func(path string) []string
	longestFrom = func(path string) []string {
		if p, ok := memo[path]; ok {
			return p
		}
		memo[path] = []string{path} // guards residual cycles
		best := []string{path}
		deps := make([]string, 0, len(a.files[path].DependsOn))
		for dep := range a.files[path].DependsOn {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			if chain := longestFrom(dep); len(chain)+1 > len(best) {
				best = append([]string{path}, chain...)
			}
		}
		memo[path] = best
		return best
	}

	var critical []string
	for _, path := range a.sortedPaths() {
		if len(a.files[path].RequiredBy) > 0 {
			continue // not a leaf
		}
		if chain := longestFrom(path); len(chain) > len(critical) {
			critical = chain
		}
	}
	return critical, len(critical)
}

// CriticalSet returns the critical path members as a set, keyed by task id
// for direct lookup at submission time.
func (a *Analyzer) CriticalSet() map[string]bool {
	path, _ := a.CriticalPath()
	set := make(map[string]bool, len(path))
	for _, p := range path {
		set[a.files[p].TaskID] = true
	}
	return set
}

// Statistics summarizes the analyzed graph.
type Statistics struct {
	TotalFiles         int      `json:"total_files"`
	TotalEdges         int      `json:"total_edges"`
	AvgDependencies    float64  `json:"avg_dependencies"`
	CriticalPath       []string `json:"critical_path"`
	CriticalPathLength int      `json:"critical_path_length"`
	MaxParallelism     int      `json:"max_parallelism"`
	MostDependent      []string `json:"most_dependent"`
	MostRequired       []string `json:"most_required"`
	BrokenEdges        int      `json:"broken_edges"`
}

// Stats computes summary statistics over the analyzed graph. TopologicalSort
// must have run for MaxParallelism to be meaningful.
func (a *Analyzer) Stats() Statistics {
	s := Statistics{
		TotalFiles:  len(a.files),
		TotalEdges:  a.edgeCount(),
		BrokenEdges: len(a.broken),
	}
	if s.TotalFiles > 0 {
		s.AvgDependencies = float64(s.TotalEdges) / float64(s.TotalFiles)
	}
	s.CriticalPath, s.CriticalPathLength = a.CriticalPath()
	for _, b := range a.batches {
		if len(b.Files) > s.MaxParallelism {
			s.MaxParallelism = len(b.Files)
		}
	}
	s.MostDependent = a.topBy(func(f *FileDependency) int { return len(f.DependsOn) })
	s.MostRequired = a.topBy(func(f *FileDependency) int { return len(f.RequiredBy) })
	return s
}

// topBy returns up to five paths ranked descending by the given measure,
// ties broken alphabetically. Paths with a zero measure are skipped.
func (a *Analyzer) topBy(measure func(*FileDependency) int) []string {
	paths := a.sortedPaths()
	sort.SliceStable(paths, func(i, j int) bool {
		return measure(a.files[paths[i]]) > measure(a.files[paths[j]])
	})
	var out []string
	for _, p := range paths {
		if measure(a.files[p]) == 0 || len(out) == 5 {
			break
		}
		out = append(out, p)
	}
	return out
}

func (a *Analyzer) sortedPaths() []string {
	paths := make([]string, 0, len(a.files))
	for p := range a.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
