package deps

import (
	"fmt"
	"sort"
	"strings"

	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

// FileDependency is a planned output file and its relationships in the
// dependency graph. DependsOn and RequiredBy are kept as mutual inverses
// across the graph.
type FileDependency struct {
	Path        string          `json:"path"`
	TaskID      string          `json:"task_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Imports     []string        `json:"imports,omitempty"`
	DependsOn   map[string]bool `json:"depends_on,omitempty"`
	RequiredBy  map[string]bool `json:"required_by,omitempty"`

	// BatchLevel is -1 until topological sort assigns the file to a batch;
	// afterwards it equals the batch index.
	BatchLevel int `json:"batch_level"`

	// EstimatedHours is carried from the plan task for batch estimates.
	EstimatedHours float64 `json:"estimated_hours,omitempty"`
}

// Batch is a set of files sharing one topological level, safe to generate
// concurrently. EstimatedTime is the longest single estimate in the batch
// since the batch runs in parallel.
type Batch struct {
	Level         int               `json:"level"`
	Files         []*FileDependency `json:"files"`
	EstimatedTime float64           `json:"estimated_time,omitempty"`
}

// Edge is a directed dependency (From depends on To).
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// buildGraph derives a FileDependency per plan task and wires edges from
// parsed imports and explicit task dependencies.
func (a *Analyzer) buildGraph(planTasks []tasks.PlanTask) {
	a.files = make(map[string]*FileDependency, len(planTasks))
	a.pathByTask = make(map[string]string, len(planTasks))

	for i := range planTasks {
		t := &planTasks[i]
		path := slugify(t.Title)
		if len(t.Files) > 0 && t.Files[0] != "" {
			path = t.Files[0]
		}
		if _, dup := a.files[path]; dup {
			a.log.Warn().Str("path", path).Str("task_id", t.ID).Msg("duplicate output file, task merged into existing node")
			a.pathByTask[t.ID] = path
			continue
		}
		a.files[path] = &FileDependency{
			Path:           path,
			TaskID:         t.ID,
			Title:          t.Title,
			Description:    t.Description,
			Imports:        ExtractImports(t.Content, t.Language),
			DependsOn:      make(map[string]bool),
			RequiredBy:     make(map[string]bool),
			BatchLevel:     -1,
			EstimatedHours: t.EstimatedHours,
		}
		a.pathByTask[t.ID] = path
	}

	for i := range planTasks {
		t := &planTasks[i]
		from := a.pathByTask[t.ID]
		for _, imp := range a.files[from].Imports {
			if to, ok := a.resolveImport(imp); ok {
				a.addEdge(from, to)
			}
		}
		for _, depID := range t.Dependencies {
			if to, ok := a.pathByTask[depID]; ok {
				a.addEdge(from, to)
			}
		}
	}
}

// resolveImport maps an import string to a known file path by exact match,
// extension-augmented match, then substring match.
func (a *Analyzer) resolveImport(imp string) (string, bool) {
	if _, ok := a.files[imp]; ok {
		return imp, true
	}
	for _, ext := range sourceExtensions {
		if _, ok := a.files[imp+ext]; ok {
			return imp + ext, true
		}
	}
	// Dotted python modules map to slashes before the substring pass.
	slashed := strings.ReplaceAll(imp, ".", "/")
	var candidates []string
	for path := range a.files {
		if strings.Contains(path, imp) || strings.Contains(path, slashed) {
			candidates = append(candidates, path)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	// Deterministic pick when several paths contain the import.
	sort.Strings(candidates)
	return candidates[0], true
}

func (a *Analyzer) addEdge(from, to string) {
	if from == to {
		return
	}
	a.files[from].DependsOn[to] = true
	a.files[to].RequiredBy[from] = true
}

func (a *Analyzer) removeEdge(from, to string) {
	delete(a.files[from].DependsOn, to)
	delete(a.files[to].RequiredBy, from)
}

func (a *Analyzer) edgeCount() int {
	n := 0
	for _, f := range a.files {
		n += len(f.DependsOn)
	}
	return n
}

// UnprocessedFilesError is returned by TopologicalSort when cycle breaking
// left a residual cycle and some files could not be assigned a batch.
type UnprocessedFilesError struct {
	Files []string
}

func (e *UnprocessedFilesError) Error() string {
	return fmt.Sprintf("topological sort left %d files unprocessed (residual cycle): %s",
		len(e.Files), strings.Join(e.Files, ", "))
}
