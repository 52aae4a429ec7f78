package flow

import (
	"context"
	"fmt"
	"sort"

	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/model"
)

// TaskContext is everything a task sees while running one step. Tx is bound
// to the transaction opened for the transition; it must not be retained.
type TaskContext struct {
	Step    model.Step
	Flow    *model.Flow
	Options model.TransitionOptions
	Actor   *model.ActorContext
	Tx      UnitOfWork

	// PointsCredited is set by tasks that credit points to a user. It is
	// reported once the transaction commits.
	PointsCredited int
}

// TaskFunc executes the side effects of a step. It must set
// tc.Flow.State to tc.Step.NextState and persist the flow through tc.Tx.
// Returning an error aborts the transition.
type TaskFunc func(ctx context.Context, tc *TaskContext) error

// Template is an immutable flow definition bound to its task table.
type Template struct {
	def   model.FlowDefinition
	tasks map[string]TaskFunc
}

// NewTemplate validates def and binds every step's task to tasks. It fails
// with DEFINITION_ERROR if the graph is malformed or a task is missing.
func NewTemplate(def model.FlowDefinition, tasks map[string]TaskFunc) (*Template, error) {
	errs := definition.NewValidator().ValidateDefinition(def.ID, def)

	for i, s := range def.States {
		for j, step := range s.Steps {
			if step.Task == "" {
				continue
			}
			if _, ok := tasks[step.Task]; !ok {
				errs = append(errs, definition.VError{
					Path:    fmt.Sprintf("%s.states[%d].steps[%d].task", def.ID, i, j),
					Code:    "UNKNOWN_TASK",
					Message: fmt.Sprintf("task %q is not registered", step.Task),
				})
			}
		}
	}
	if err := definition.AsError(fmt.Sprintf("template %q", def.ID), errs); err != nil {
		return nil, err
	}

	bound := make(map[string]TaskFunc, len(tasks))
	for k, fn := range tasks {
		bound[k] = fn
	}
	return &Template{def: def, tasks: bound}, nil
}

// ID returns the template identifier.
func (t *Template) ID() string {
	return t.def.ID
}

// Definition returns the template's flow definition.
func (t *Template) Definition() model.FlowDefinition {
	return t.def
}

// Task returns the task bound to id.
func (t *Template) Task(id string) (TaskFunc, bool) {
	fn, ok := t.tasks[id]
	return fn, ok
}

// TaskIDs returns the registered task identifiers, sorted.
func (t *Template) TaskIDs() []string {
	ids := make([]string, 0, len(t.tasks))
	for id := range t.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
