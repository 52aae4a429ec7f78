package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/pitabwire/workorder/model"
)

// testDefinition is a small ticket graph:
//
//	open    --claim[self]-->    claimed
//	open    --assign[admin]-->  claimed
//	claimed --finish[worker]--> closed
//	claimed --stall[worker]-->  closed (task never advances)
//	claimed --boom[worker]-->   closed (task fails after writing)
//	closed: terminal
func testDefinition() model.FlowDefinition {
	return model.FlowDefinition{
		ID:       "ticket",
		Name:     "Ticket",
		Checksum: "ticket-v1",
		States: []model.State{
			{Name: "open", Steps: []model.Step{
				{Name: "claim", NextState: "claimed", Roles: []string{model.RoleSelf}, Task: "advance"},
				{Name: "assign", NextState: "claimed", Roles: []string{model.RoleAdmin}, Task: "advance", Operation: model.OperationAllocation},
			}},
			{Name: "claimed", Steps: []model.Step{
				{Name: "finish", NextState: "closed", Roles: []string{"worker"}, Task: "advance"},
				{Name: "stall", NextState: "closed", Roles: []string{"worker"}, Task: "stall"},
				{Name: "boom", NextState: "closed", Roles: []string{"worker"}, Task: "boom"},
			}},
			{Name: "closed"},
		},
	}
}

var errBoom = errors.New("boom")

func testTasks() map[string]TaskFunc {
	return map[string]TaskFunc{
		"advance": func(ctx context.Context, tc *TaskContext) error {
			tc.Flow.State = tc.Step.NextState
			tc.Flow.OperatorID = tc.Options.Operator
			return tc.Tx.SaveFlow(ctx, tc.Flow)
		},
		"stall": func(context.Context, *TaskContext) error {
			return nil
		},
		"boom": func(ctx context.Context, tc *TaskContext) error {
			tc.Flow.State = tc.Step.NextState
			if err := tc.Tx.SaveFlow(ctx, tc.Flow); err != nil {
				return err
			}
			return errBoom
		},
	}
}

func testTemplate(t *testing.T, tasks map[string]TaskFunc) *Template {
	t.Helper()
	tmpl, err := NewTemplate(testDefinition(), tasks)
	if err != nil {
		t.Fatalf("NewTemplate() error = %v", err)
	}
	return tmpl
}

func actor(id string, roles ...string) *model.ActorContext {
	return &model.ActorContext{SubjectID: id, Roles: roles, CorrelationID: "corr-" + id}
}

// openFlow returns a committed-shape flow in the entry state.
func openFlow(id, owner string) model.Flow {
	return model.Flow{
		ID:         id,
		TemplateID: "ticket",
		State:      "open",
		WFResult:   model.WFResultRunning,
		WFStatus:   model.WFStatusRunning,
		OwnerID:    owner,
		TargetID:   "target-1",
	}
}
