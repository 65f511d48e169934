package tasks

import "fmt"

// Role identifies which agent pool a plan task is meant for.
type Role string

const (
	RoleDev Role = "dev"
	RoleQA  Role = "qa"
	RoleOps Role = "ops"
)

// PlanTask is one planned unit of code generation inside a Plan. It is
// produced by the upstream planning layer and arrives fully parsed.
type PlanTask struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Dependencies   []string `json:"dependencies,omitempty"`
	Priority       int      `json:"priority"`
	EstimatedHours float64  `json:"estimated_hours,omitempty"`
	Complexity     string   `json:"complexity,omitempty"`
	Role           Role     `json:"role"`

	// Files lists the output files this task is expected to produce; the
	// first entry is the canonical path used by dependency analysis.
	Files []string `json:"files,omitempty"`

	// Language declares the language of Content for import extraction
	// (python, javascript, typescript).
	Language string `json:"language,omitempty"`

	// Content is the planned file skeleton or draft used to extract
	// import references. May be empty.
	Content string `json:"content,omitempty"`
}

// Plan owns an ordered collection of plan tasks.
type Plan struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Tasks []PlanTask `json:"tasks"`
}

// Validate checks structural integrity: unique task ids and dependencies that
// reference only earlier tasks in the plan.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("plan %s: task at index %d has no id", p.ID, i)
		}
		if seen[t.ID] {
			return fmt.Errorf("plan %s: duplicate task id %s", p.ID, t.ID)
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("plan %s: task %s depends on %s which is not defined earlier in the plan", p.ID, t.ID, dep)
			}
		}
		seen[t.ID] = true
	}
	return nil
}
