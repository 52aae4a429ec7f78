package model

import "time"

// WFResult classifies the terminal outcome of a flow.
type WFResult string

// Flow result constants.
const (
	WFResultRunning WFResult = "RUNNING"
	WFResultSuccess WFResult = "SUCCESS"
	WFResultFailure WFResult = "FAILURE"
)

// WFStatus is the lifecycle phase of a flow. It is independent of WFResult.
type WFStatus string

// Flow status constants.
const (
	WFStatusRunning  WFStatus = "RUNNING"
	WFStatusOver     WFStatus = "OVER"
	WFStatusCanceled WFStatus = "CANCELED"
)

// Flow is one persisted execution of a flow template.
type Flow struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	State      string    `json:"state"`
	WFResult   WFResult  `json:"wf_result"`
	WFStatus   WFStatus  `json:"wf_status"`
	OwnerID    string    `json:"owner_id"`
	OperatorID string    `json:"operator_id,omitempty"`
	ExecutorID string    `json:"executor_id,omitempty"` // empty when unassigned
	TargetID   string    `json:"target_id"`
	ExInfo     ExInfo    `json:"ex_info"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the flow.
func (f Flow) Clone() Flow {
	f.ExInfo = f.ExInfo.Clone()
	return f
}

// ExInfo is the typed extension bag of a flow. Every key in use is a field.
type ExInfo struct {
	// Remarks accumulates free-text remarks in append order.
	Remarks []string `json:"remarks,omitempty"`
}

// AppendRemark appends a remark. Empty remarks are ignored.
func (x *ExInfo) AppendRemark(remark string) {
	if remark == "" {
		return
	}
	x.Remarks = append(x.Remarks, remark)
}

// Clone returns a deep copy.
func (x ExInfo) Clone() ExInfo {
	if x.Remarks != nil {
		remarks := make([]string, len(x.Remarks))
		copy(remarks, x.Remarks)
		x.Remarks = remarks
	}
	return x
}

// User is the minimal user record: identity plus a points balance.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Subject is the entity a flow is about, e.g. a service request. Points is
// the reward credited to the executor when the flow settles.
type Subject struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Detail is an append-only points ledger entry.
type Detail struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FlowID    string    `json:"flow_id,omitempty"`
	Title     string    `json:"title"`
	Value     int       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// FlowEvent records one committed transition in a flow's audit trail.
type FlowEvent struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	Step      string    `json:"step"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Operation string    `json:"operation,omitempty"`
	ActorID   string    `json:"actor_id"`
	Remarks   string    `json:"remarks,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FlowFilters are optional filters for listing flows.
type FlowFilters struct {
	TemplateID string
	State      string
	WFStatus   WFStatus
	OwnerID    string
	ExecutorID string
	Limit      int
	Offset     int
}

// TransitionOptions is the caller-supplied payload handed to a task.
type TransitionOptions struct {
	// Operator is the user recorded as having performed the transition.
	// Defaults to the actor.
	Operator string `json:"operator,omitempty"`
	// Executor is the user assigned by allocation steps.
	Executor string `json:"executor,omitempty"`
	// Remarks is appended to the flow's remarks by steps that record them.
	Remarks string `json:"remarks,omitempty"`
}
