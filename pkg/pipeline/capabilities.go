// Package pipeline composes the queues, worker pools, circuit breakers,
// event router and dependency analyzer into the staged Dev -> QA -> Fix ->
// Deploy workflow.
//
// Two manager variants exist. Manager chains the stage queues directly and is
// the simplest composition. EnhancedManager routes stage transitions through
// the event router and adds circuit breakers, the generation result cache,
// and dead-letter escalation.
package pipeline

import (
	"context"

	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

// GenerateRequest is the input to the external generation capability.
// Previous and Report are nil for fresh dev work and set for fix work.
type GenerateRequest struct {
	Task     tasks.PlanTask
	Previous *tasks.GenerationResult
	Report   *tasks.ValidationReport
}

// Generator is the external code-generation capability, consumed as a black
// box. Called for the Dev and Fix stages.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (tasks.GenerationResult, error)
}

// Validator is the external test/validation capability, called for the QA
// stage. A returned error means validation could not run; a report with
// Passed=false means it ran and the artifact failed.
type Validator interface {
	Validate(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult) (tasks.ValidationReport, error)
}

// Deployer is the external deploy capability. Failure is fatal to the task;
// there is no further stage.
type Deployer interface {
	Deploy(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult, report tasks.ValidationReport) error
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (tasks.GenerationResult, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (tasks.GenerationResult, error) {
	return f(ctx, req)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult) (tasks.ValidationReport, error)

func (f ValidatorFunc) Validate(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult) (tasks.ValidationReport, error) {
	return f(ctx, task, gen)
}

// DeployerFunc adapts a function to the Deployer interface.
type DeployerFunc func(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult, report tasks.ValidationReport) error

func (f DeployerFunc) Deploy(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult, report tasks.ValidationReport) error {
	return f(ctx, task, gen, report)
}

// notify forwards a progress message through the opaque handle when one is
// attached. The pipeline never interprets the handle.
func notify(n tasks.Notifier, taskID, stage, message string) {
	if n != nil {
		n.Notify(taskID, stage, message)
	}
}
