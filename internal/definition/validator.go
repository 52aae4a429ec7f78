package definition

import (
	"fmt"

	"github.com/pitabwire/workorder/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks flow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and reports duplicate template IDs across
// them.
func (v *Validator) Validate(defs []model.FlowDefinition) []VError {
	var errs []VError
	seen := make(map[string]int)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if j, dup := seen[def.ID]; dup && def.ID != "" {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("template %q already declared by definitions[%d]", def.ID, j),
			})
		}
		seen[def.ID] = i
		errs = append(errs, v.ValidateDefinition(prefix, def)...)
	}
	return errs
}

// ValidateDefinition checks one definition. Every next_state must name a
// declared state and state names must be unique.
func (v *Validator) ValidateDefinition(prefix string, def model.FlowDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
		return errs
	}

	stateNames := make(map[string]bool, len(def.States))
	for i, s := range def.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "state name is required"})
			continue
		}
		if stateNames[s.Name] {
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate state %q", s.Name)})
		}
		stateNames[s.Name] = true
	}

	for i, s := range def.States {
		stepNames := make(map[string]bool, len(s.Steps))
		for j, step := range s.Steps {
			sp := fmt.Sprintf("%s.states[%d].steps[%d]", prefix, i, j)
			errs = append(errs, v.validateStep(sp, step, stateNames)...)
			if step.Name != "" && stepNames[step.Name] {
				errs = append(errs, VError{
					Path:    sp + ".name",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("duplicate step %q in state %q", step.Name, s.Name),
				})
			}
			stepNames[step.Name] = true
		}
	}

	if entry := def.EntryState(); entry != nil && entry.Terminal() {
		errs = append(errs, VError{
			Path:    prefix + ".states[0]",
			Code:    "TERMINAL_ENTRY",
			Message: fmt.Sprintf("entry state %q has no steps", entry.Name),
		})
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.Step, stateNames map[string]bool) []VError {
	var errs []VError

	if s.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
	}
	if s.Task == "" {
		errs = append(errs, VError{Path: prefix + ".task", Code: "REQUIRED", Message: "step task is required"})
	}
	if s.NextState == "" {
		errs = append(errs, VError{Path: prefix + ".next_state", Code: "REQUIRED", Message: "next_state is required"})
	} else if !stateNames[s.NextState] {
		errs = append(errs, VError{
			Path:    prefix + ".next_state",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("state %q not found", s.NextState),
		})
	}
	if len(s.Roles) == 0 {
		errs = append(errs, VError{Path: prefix + ".roles", Code: "REQUIRED", Message: "at least one role is required"})
	}
	for k, r := range s.Roles {
		if r == "" || r == model.RoleAny {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.roles[%d]", prefix, k),
				Code:    "INVALID_ROLE",
				Message: fmt.Sprintf("role %q cannot be used on a step", r),
			})
		}
	}

	return errs
}

// AsError folds validation errors into a single DEFINITION_ERROR, or returns
// nil when errs is empty.
func AsError(msg string, errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewDefinitionError(fmt.Sprintf("%s: %d problem(s), first: %s", msg, len(errs), errs[0].Error()), details)
}
