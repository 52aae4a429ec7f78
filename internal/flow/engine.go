package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/authz"
	"github.com/pitabwire/workorder/internal/idempotency"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// TransitionRequest asks the engine to move one flow along one step.
type TransitionRequest struct {
	FlowID  string
	Step    string
	Actor   *model.ActorContext
	Options model.TransitionOptions

	// IdempotencyKey, if set and the engine has an idempotency store,
	// makes a retried request return the first result instead of failing.
	IdempotencyKey string
}

// StartRequest asks the engine to create a flow and run its entry step.
type StartRequest struct {
	TemplateID string
	TargetID   string
	// Step defaults to the first step of the entry state.
	Step    string
	Actor   *model.ActorContext
	Options model.TransitionOptions
}

// Engine validates and applies transitions on flows.
type Engine struct {
	registry    *Registry
	store       Store
	authorizer  *authz.Authorizer
	idempotency idempotency.Store
	idemTTL     time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
	timeout     time.Duration
	newID       func() string
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's fallback logger. A logger in the call context
// takes precedence.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuthorizer replaces the default authorizer, which trusts the actor's
// declared roles.
func WithAuthorizer(a *authz.Authorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// WithIdempotency enables replay of transitions carrying an idempotency key.
func WithIdempotency(s idempotency.Store, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idempotency = s
		e.idemTTL = ttl
	}
}

// WithTransitionTimeout bounds each Start and Transition call. Zero means no
// engine-imposed deadline.
func WithTransitionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates a new flow engine.
func NewEngine(registry *Registry, store Store, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		authorizer: authz.NewAuthorizer(nil),
		logger:     zap.NewNop(),
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's template registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start creates a flow of the given template in its entry state, owned by
// the actor, and runs the entry step in the same transaction.
func (e *Engine) Start(ctx context.Context, req StartRequest) (model.Flow, error) {
	if err := validateActor(req.Actor); err != nil {
		return model.Flow{}, err
	}

	tmpl, ok := e.registry.Get(req.TemplateID)
	if !ok {
		return model.Flow{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", req.TemplateID))
	}
	entry := tmpl.def.EntryState()
	stepName := req.Step
	if stepName == "" {
		stepName = entry.Steps[0].Name
	}

	ctx, span := observability.StartFlowSpan(ctx, observability.FlowSpan{
		Operation:  "start",
		TemplateID: tmpl.ID(),
		Step:       stepName,
	}, req.Actor)
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	load := func(ctx context.Context, tx UnitOfWork) (model.Flow, error) {
		f := model.Flow{
			ID:         e.newID(),
			TemplateID: tmpl.ID(),
			State:      entry.Name,
			WFResult:   model.WFResultRunning,
			WFStatus:   model.WFStatusRunning,
			OwnerID:    req.Actor.SubjectID,
			OperatorID: req.Actor.SubjectID,
			TargetID:   req.TargetID,
			CreatedAt:  e.now(),
		}
		if err := tx.CreateFlow(ctx, &f); err != nil {
			return model.Flow{}, err
		}
		return tx.LockFlow(ctx, f.ID)
	}

	result, err := e.execute(ctx, req.Actor, stepName, req.Options, load)
	err = timeoutError(ctx, err)

	if err == nil {
		e.metrics.RecordFlowStart(tmpl.ID())
	}
	e.finish(ctx, req.Actor, tmpl.ID(), stepName, result, err, time.Since(start))
	observability.EndFlowSpan(span, result.flow, err)
	return result.flow, err
}

// Transition moves a flow along the named step of its current state.
//
// The flow is locked for the whole call. A flow already locked by another
// transition fails fast with CONFLICT. Any error rolls back every write the
// task made.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (model.Flow, error) {
	if err := validateActor(req.Actor); err != nil {
		return model.Flow{}, err
	}
	if req.FlowID == "" {
		return model.Flow{}, model.NewBadRequestError("flow id is required")
	}

	ctx, span := observability.StartFlowSpan(ctx, observability.FlowSpan{
		Operation: "transition",
		FlowID:    req.FlowID,
		Step:      req.Step,
	}, req.Actor)

	var idemKey, reqHash string
	if e.idempotency != nil && req.IdempotencyKey != "" {
		idemKey = idempotency.FormatKey(req.FlowID, req.IdempotencyKey)
		reqHash = idempotency.HashRequest(req.Step, req.Actor.SubjectID, req.Options)

		cached, found, err := e.idempotency.Check(ctx, idemKey, reqHash)
		if err != nil {
			observability.EndFlowSpan(span, model.Flow{}, err)
			return model.Flow{}, err
		}
		if found {
			span.SetAttributes(observability.AttrReplayed.Bool(true))
			e.metrics.RecordTransition(cached.TemplateID, req.Step, observability.OutcomeReplayed, 0)
			observability.ActorLogger(ctx, e.logger, req.Actor).Debug("idempotent transition replayed",
				zap.String("flow_id", req.FlowID),
				zap.String("step", req.Step),
			)
			observability.EndFlowSpan(span, *cached, nil)
			return *cached, nil
		}
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	load := func(ctx context.Context, tx UnitOfWork) (model.Flow, error) {
		return tx.LockFlow(ctx, req.FlowID)
	}

	result, err := e.execute(ctx, req.Actor, req.Step, req.Options, load)
	err = timeoutError(ctx, err)

	templateID := result.templateID
	if templateID == "" && err != nil {
		// The flow was never loaded; label metrics from the committed row.
		if f, gerr := e.store.Get(context.WithoutCancel(ctx), req.FlowID); gerr == nil {
			templateID = f.TemplateID
		}
	}
	if err == nil && idemKey != "" {
		if serr := e.idempotency.Store(context.WithoutCancel(ctx), idemKey, reqHash, result.flow, e.idemTTL); serr != nil {
			observability.ActorLogger(ctx, e.logger, req.Actor).Warn("failed to store idempotency result",
				zap.String("flow_id", req.FlowID),
				zap.Error(serr),
			)
		}
	}
	e.finish(ctx, req.Actor, templateID, req.Step, result, err, time.Since(start))
	observability.EndFlowSpan(span, result.flow, err)
	return result.flow, err
}

// outcome carries what a committed (or attempted) transition touched.
type outcome struct {
	flow           model.Flow
	templateID     string
	fromState      string
	terminal       bool
	pointsCredited int
}

// execute runs one transition in its own unit of work. load returns the flow
// to transition, locked.
func (e *Engine) execute(
	ctx context.Context,
	actor *model.ActorContext,
	stepName string,
	opts model.TransitionOptions,
	load func(context.Context, UnitOfWork) (model.Flow, error),
) (outcome, error) {
	var out outcome

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return out, err
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	// 1. Load and lock the flow.
	flow, err := load(ctx, tx)
	if err != nil {
		return out, err
	}
	out.templateID = flow.TemplateID
	out.fromState = flow.State

	// 2. Resolve template and current state.
	tmpl, ok := e.registry.Get(flow.TemplateID)
	if !ok {
		return out, model.NewUnknownStateError(
			fmt.Sprintf("flow %q references unregistered template %q", flow.ID, flow.TemplateID),
		)
	}
	state := tmpl.def.FindState(flow.State)
	if state == nil {
		return out, model.NewUnknownStateError(
			fmt.Sprintf("flow %q is in state %q, which template %q does not declare", flow.ID, flow.State, tmpl.ID()),
		)
	}

	// 3. Find the step.
	step := state.FindStep(stepName)
	if step == nil {
		if state.Terminal() {
			return out, model.NewInvalidStepError(
				fmt.Sprintf("state %q is terminal; step %q is not available", state.Name, stepName),
			)
		}
		return out, model.NewInvalidStepError(
			fmt.Sprintf("step %q is not available from state %q", stepName, state.Name),
		)
	}

	// 4. Authorize.
	if err := e.authorizer.Authorize(actor, &flow, *step); err != nil {
		return out, err
	}

	// 5. Run the task.
	task, ok := tmpl.Task(step.Task)
	if !ok {
		return out, model.NewTaskExecutionError(fmt.Sprintf("task %q is not registered", step.Task), nil)
	}
	if opts.Operator == "" {
		opts.Operator = actor.SubjectID
	}
	working := flow.Clone()
	tc := &TaskContext{
		Step:    *step,
		Flow:    &working,
		Options: opts,
		Actor:   actor,
		Tx:      tx,
	}
	if err := task(ctx, tc); err != nil {
		return out, taskError(step, err)
	}

	after, err := tx.FindFlow(ctx, flow.ID)
	if err != nil {
		return out, err
	}
	if after.State != step.NextState {
		return out, model.NewTaskExecutionError(
			fmt.Sprintf("task %q left flow in state %q, want %q", step.Task, after.State, step.NextState), nil,
		)
	}

	// 6. Audit and commit.
	event := model.FlowEvent{
		ID:        e.newID(),
		FlowID:    flow.ID,
		Step:      step.Name,
		FromState: flow.State,
		ToState:   after.State,
		Operation: step.Operation,
		ActorID:   actor.SubjectID,
		Remarks:   opts.Remarks,
		Timestamp: e.now(),
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return out, err
	}
	if err := tx.Commit(ctx); err != nil {
		return out, err
	}

	out.flow = after
	if next := tmpl.def.FindState(after.State); next != nil {
		out.terminal = next.Terminal()
	}
	out.pointsCredited = tc.PointsCredited
	return out, nil
}

// finish records metrics and logs for one Start or Transition call.
func (e *Engine) finish(
	ctx context.Context,
	actor *model.ActorContext,
	templateID, step string,
	out outcome,
	err error,
	elapsed time.Duration,
) {
	if templateID == "" {
		templateID = "unknown"
	}
	logger := observability.ActorLogger(ctx, e.logger, actor).With(
		zap.String("template_id", templateID),
		zap.String("step", step),
	)

	if err == nil {
		e.metrics.RecordTransition(templateID, step, observability.OutcomeCommitted, elapsed)
		e.metrics.RecordPointsCredited(out.pointsCredited)
		if out.terminal {
			e.metrics.RecordFlowCompletion(templateID, string(out.flow.WFStatus))
		}
		logger.Info("flow transition committed",
			zap.String("flow_id", out.flow.ID),
			zap.String("from_state", out.fromState),
			zap.String("to_state", out.flow.State),
			zap.Int("version", out.flow.Version),
			zap.Duration("duration", elapsed),
		)
		return
	}

	code := model.CodeOf(err)
	switch code {
	case model.ErrConflict:
		e.metrics.RecordConflict(templateID)
		e.metrics.RecordTransition(templateID, step, observability.OutcomeRejected, elapsed)
		logger.Warn("flow transition lost a race", zap.Error(err))
	case model.ErrInvalidStep, model.ErrUnauthorized, model.ErrNotFound, model.ErrBadRequest, model.ErrUnknownState:
		e.metrics.RecordTransition(templateID, step, observability.OutcomeRejected, elapsed)
		logger.Warn("flow transition rejected", zap.String("code", code), zap.Error(err))
	case model.ErrTaskExecution, model.ErrTimeout:
		e.metrics.RecordTransition(templateID, step, observability.OutcomeFailed, elapsed)
		logger.Warn("flow transition failed", zap.String("code", code), zap.Error(err))
	default:
		e.metrics.RecordTransition(templateID, step, observability.OutcomeFailed, elapsed)
		logger.Error("flow transition failed", zap.Error(err))
	}
}

// Get returns a committed flow.
func (e *Engine) Get(ctx context.Context, flowID string) (model.Flow, error) {
	return e.store.Get(ctx, flowID)
}

// List returns committed flows matching the filters.
func (e *Engine) List(ctx context.Context, filters model.FlowFilters) ([]model.Flow, error) {
	return e.store.List(ctx, filters)
}

// History returns a flow's audit trail, oldest first.
func (e *Engine) History(ctx context.Context, flowID string) ([]model.FlowEvent, error) {
	return e.store.Events(ctx, flowID)
}

// User returns a user with its points balance.
func (e *Engine) User(ctx context.Context, userID string) (model.User, error) {
	return e.store.User(ctx, userID)
}

// Ledger returns a user's points ledger, oldest first.
func (e *Engine) Ledger(ctx context.Context, userID string) ([]model.Detail, error) {
	return e.store.Ledger(ctx, userID)
}

// AvailableSteps returns the steps of the flow's current state that the
// actor may invoke, in declaration order.
func (e *Engine) AvailableSteps(ctx context.Context, actor *model.ActorContext, flowID string) ([]model.Step, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	flow, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	tmpl, ok := e.registry.Get(flow.TemplateID)
	if !ok {
		return nil, model.NewUnknownStateError(
			fmt.Sprintf("flow %q references unregistered template %q", flow.ID, flow.TemplateID),
		)
	}
	state := tmpl.def.FindState(flow.State)
	if state == nil {
		return nil, model.NewUnknownStateError(
			fmt.Sprintf("flow %q is in undeclared state %q", flow.ID, flow.State),
		)
	}

	roles, err := e.authorizer.EffectiveRoles(actor, &flow)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	steps := []model.Step{}
	for _, s := range state.Steps {
		if authz.Allowed(roles, s) {
			steps = append(steps, s)
		}
	}
	return steps, nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func validateActor(actor *model.ActorContext) error {
	if actor == nil {
		return model.NewBadRequestError("actor is required")
	}
	if err := actor.Validate(); err != nil {
		return &model.ErrorEnvelope{Code: model.ErrBadRequest, Message: "invalid actor", Cause: err}
	}
	return nil
}

// taskError types an error returned by a task. Errors that already carry an
// engine-level meaning pass through; everything else becomes TASK_EXECUTION.
func taskError(step *model.Step, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	switch model.CodeOf(err) {
	case model.ErrConflict, model.ErrTaskExecution, model.ErrTimeout:
		return err
	}
	return model.NewTaskExecutionError(fmt.Sprintf("task %q for step %q failed", step.Task, step.Name), err)
}

// timeoutError maps a failure caused by the call's deadline to TIMEOUT.
func timeoutError(ctx context.Context, err error) error {
	if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	if model.HasCode(err, model.ErrTimeout) {
		return err
	}
	return model.NewTimeoutError("transition did not complete before the deadline", err)
}
