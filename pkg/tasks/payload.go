package tasks

import "fmt"

// Payload is the tagged union carried by a QueueTask. Each pipeline stage has
// its own payload struct so stage processors never reach into untyped maps.
type Payload interface {
	// TaskType reports which stage this payload belongs to.
	TaskType() Type
	// Validate checks required fields at construction time.
	Validate() error
}

// Notifier is an opaque progress-reporting handle handed in by the caller.
// The pipeline forwards it through payloads untouched and never interprets it
// beyond calling Notify.
type Notifier interface {
	Notify(taskID string, stage string, message string)
}

// GenerationResult is the output of the external generation capability for a
// dev or fix task.
type GenerationResult struct {
	Code     string            `json:"code"`
	Files    map[string]string `json:"files,omitempty"`
	Language string            `json:"language,omitempty"`
	Cached   bool              `json:"cached,omitempty"`
}

// ValidationReport is the outcome of the external validation capability for a
// qa task.
type ValidationReport struct {
	Passed  bool     `json:"passed"`
	Details string   `json:"details,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

// DevPayload is the payload for a new development task.
type DevPayload struct {
	Task   PlanTask `json:"task"`
	Notify Notifier `json:"-"`
}

func (p DevPayload) TaskType() Type { return TypeDev }

func (p DevPayload) Validate() error {
	if p.Task.ID == "" {
		return fmt.Errorf("dev payload: plan task id is required")
	}
	return nil
}

// QAPayload carries the generated artifact forward for validation.
type QAPayload struct {
	Task       PlanTask         `json:"task"`
	Generation GenerationResult `json:"generation"`
	// FixAttempts counts how many times this artifact has been through the
	// fix loop already.
	FixAttempts int      `json:"fix_attempts"`
	Notify      Notifier `json:"-"`
}

func (p QAPayload) TaskType() Type { return TypeQA }

func (p QAPayload) Validate() error {
	if p.Task.ID == "" {
		return fmt.Errorf("qa payload: plan task id is required")
	}
	return nil
}

// FixPayload carries a failed validation back into generation.
type FixPayload struct {
	Task        PlanTask         `json:"task"`
	Generation  GenerationResult `json:"generation"`
	Validation  ValidationReport `json:"validation"`
	FixAttempts int              `json:"fix_attempts"`
	Notify      Notifier         `json:"-"`
}

func (p FixPayload) TaskType() Type { return TypeFix }

func (p FixPayload) Validate() error {
	if p.Task.ID == "" {
		return fmt.Errorf("fix payload: plan task id is required")
	}
	return nil
}

// DeployPayload carries a validated artifact to the deploy stage.
type DeployPayload struct {
	Task       PlanTask         `json:"task"`
	Generation GenerationResult `json:"generation"`
	Validation ValidationReport `json:"validation"`
	Notify     Notifier         `json:"-"`
}

func (p DeployPayload) TaskType() Type { return TypeDeploy }

func (p DeployPayload) Validate() error {
	if p.Task.ID == "" {
		return fmt.Errorf("deploy payload: plan task id is required")
	}
	if !p.Validation.Passed {
		return fmt.Errorf("deploy payload: validation must have passed")
	}
	return nil
}
