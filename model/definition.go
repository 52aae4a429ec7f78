package model

// Step operation tags. They classify a step for auditing and UI purposes and
// are opaque to the engine.
const (
	OperationAllocation = "ALLOCATION"
	OperationRemarks    = "REMARKS"
)

// FlowDefinition is the root structure of a template file. It declares the
// ordered states of one workflow template; the first state is the entry state.
type FlowDefinition struct {
	ID     string  `yaml:"id"     json:"id"`
	Name   string  `yaml:"name"   json:"name"`
	States []State `yaml:"states" json:"states"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// State describes one state and the steps allowed out of it. A state with no
// steps is terminal.
type State struct {
	Name  string `yaml:"name"  json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Terminal reports whether no step can leave the state.
func (s State) Terminal() bool {
	return len(s.Steps) == 0
}

// Step describes a transition edge out of a state.
type Step struct {
	Name      string   `yaml:"name"       json:"name"`
	NextState string   `yaml:"next_state" json:"next_state"`
	Roles     []string `yaml:"roles"      json:"roles"`
	Task      string   `yaml:"task"       json:"task"`
	Operation string   `yaml:"operation"  json:"operation,omitempty"`
}

// EntryState returns the first declared state, or nil for an empty definition.
func (d FlowDefinition) EntryState() *State {
	if len(d.States) == 0 {
		return nil
	}
	return &d.States[0]
}

// FindState looks up a state by name.
func (d FlowDefinition) FindState(name string) *State {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i]
		}
	}
	return nil
}

// FindStep looks up a step by name within the state.
func (s State) FindStep(name string) *Step {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}
