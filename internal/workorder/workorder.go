// Package workorder is the service work order template: a request is
// applied for by its owner, dispatched by an admin, accepted or refused by an
// executor, completed, and settled with a points reward for the executor.
package workorder

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/internal/flow"
	"github.com/pitabwire/workorder/model"
)

// TemplateID identifies the work order template.
const TemplateID = "work_order"

// State names.
const (
	StatePendingApply     = "待申请"
	StatePendingDispatch  = "待派单"
	StateRefused          = "已拒绝"
	StatePendingReceipt   = "待接单"
	StatePendingExecution = "待执行"
	StatePendingStatement = "待结单"
	StateSettled          = "已结单"
	StateCanceled         = "已作废"
)

// Step names.
const (
	StepApply      = "申请"
	StepDispatch   = "派单"
	StepRedispatch = "重新派单"
	StepReceive    = "接单"
	StepRefuse     = "拒绝"
	StepComplete   = "完成"
	StepSettle     = "结单"
	StepCancel     = "作废"
)

// Task identifiers referenced by work_order.yaml.
const (
	TaskApply      = "apply"
	TaskAllocation = "allocation"
	TaskRefuse     = "refuse"
	TaskReceipt    = "receipt"
	TaskComplete   = "complete"
	TaskStatement  = "statement"
	TaskCancel     = "cancel"
)

// RewardTitle is the ledger title of the points credited at settlement.
const RewardTitle = "完成任务加积分"

//go:embed work_order.yaml
var definitionYAML []byte

// Definition parses the embedded work order definition.
func Definition() (model.FlowDefinition, error) {
	def, err := definition.Parse(definitionYAML)
	if err != nil {
		return model.FlowDefinition{}, err
	}
	def.SourceFile = "work_order.yaml"
	return def, nil
}

// Tasks returns the work order task table.
func Tasks() map[string]flow.TaskFunc {
	return map[string]flow.TaskFunc{
		TaskApply:      apply,
		TaskAllocation: allocation,
		TaskRefuse:     refuse,
		TaskReceipt:    touch,
		TaskComplete:   touch,
		TaskStatement:  statement,
		TaskCancel:     cancel,
	}
}

// Template compiles the embedded definition against Tasks.
func Template() (*flow.Template, error) {
	def, err := Definition()
	if err != nil {
		return nil, err
	}
	return flow.NewTemplate(def, Tasks())
}

// Register compiles the template and adds it to the registry.
func Register(r *flow.Registry) error {
	t, err := Template()
	if err != nil {
		return err
	}
	r.Register(t)
	return nil
}

// BuildRegistry returns a registry holding the built-in template plus every
// template found under dirs. Directory templates are bound to the work order
// task table and replace a built-in template with the same ID.
func BuildRegistry(dirs ...string) (*flow.Registry, error) {
	builtin, err := Template()
	if err != nil {
		return nil, err
	}
	templates := []*flow.Template{builtin}

	if len(dirs) > 0 {
		defs, err := definition.NewLoader().LoadAll(dirs)
		if err != nil {
			return nil, err
		}
		if err := definition.AsError("template directories", definition.NewValidator().Validate(defs)); err != nil {
			return nil, err
		}
		tasks := Tasks()
		for _, def := range defs {
			t, err := flow.NewTemplate(def, tasks)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", def.SourceFile, err)
			}
			templates = append(templates, t)
		}
	}

	return flow.NewRegistry(templates...), nil
}

// advance moves the flow to the step's next state and saves it.
func advance(ctx context.Context, tc *flow.TaskContext) error {
	tc.Flow.State = tc.Step.NextState
	return tc.Tx.SaveFlow(ctx, tc.Flow)
}

func apply(ctx context.Context, tc *flow.TaskContext) error {
	tc.Flow.WFResult = model.WFResultRunning
	tc.Flow.WFStatus = model.WFStatusRunning
	return advance(ctx, tc)
}

func allocation(ctx context.Context, tc *flow.TaskContext) error {
	if tc.Options.Executor == "" {
		return model.NewBadRequestError("an executor is required to dispatch a work order")
	}
	tc.Flow.OperatorID = tc.Options.Operator
	tc.Flow.ExecutorID = tc.Options.Executor
	return advance(ctx, tc)
}

func refuse(ctx context.Context, tc *flow.TaskContext) error {
	tc.Flow.OperatorID = tc.Options.Operator
	tc.Flow.ExecutorID = ""
	return advance(ctx, tc)
}

// touch records the operator. Used by receipt and complete.
func touch(ctx context.Context, tc *flow.TaskContext) error {
	tc.Flow.OperatorID = tc.Options.Operator
	return advance(ctx, tc)
}

var errNoExecutor = errors.New("work order has no executor to reward")

func statement(ctx context.Context, tc *flow.TaskContext) error {
	f, err := tc.Tx.FindFlow(ctx, tc.Flow.ID)
	if err != nil {
		return err
	}
	*tc.Flow = f

	if f.ExecutorID == "" {
		return errNoExecutor
	}
	subject, err := tc.Tx.FindSubject(ctx, f.TargetID)
	if err != nil {
		return fmt.Errorf("load subject: %w", err)
	}
	user, err := tc.Tx.FindUser(ctx, f.ExecutorID)
	if err != nil {
		return fmt.Errorf("load executor: %w", err)
	}

	user.Points += subject.Points
	if err := tc.Tx.SaveUser(ctx, user); err != nil {
		return err
	}
	if err := tc.Tx.AppendDetail(ctx, model.Detail{
		ID:     uuid.NewString(),
		UserID: user.ID,
		FlowID: f.ID,
		Title:  RewardTitle,
		Value:  subject.Points,
	}); err != nil {
		return err
	}
	tc.PointsCredited = subject.Points

	tc.Flow.WFResult = model.WFResultSuccess
	tc.Flow.WFStatus = model.WFStatusOver
	tc.Flow.OperatorID = tc.Options.Operator
	return advance(ctx, tc)
}

func cancel(ctx context.Context, tc *flow.TaskContext) error {
	tc.Flow.WFResult = model.WFResultFailure
	tc.Flow.WFStatus = model.WFStatusCanceled
	tc.Flow.OperatorID = tc.Options.Operator
	tc.Flow.ExInfo.AppendRemark(tc.Options.Remarks)
	return advance(ctx, tc)
}
