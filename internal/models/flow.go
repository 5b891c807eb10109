package models

import "errors"

// InputType describes what kind of answer a step expects.
type InputType string

const (
	// InputTypeText expects free text.
	InputTypeText InputType = "text"
	// InputTypeButton expects one of the step's choices.
	InputTypeButton InputType = "button"
	// InputTypeStructured expects a structured-form reply payload.
	InputTypeStructured InputType = "structured"
)

// IsValidInputType checks if the given input type is supported.
func IsValidInputType(it InputType) bool {
	switch it {
	case InputTypeText, InputTypeButton, InputTypeStructured:
		return true
	default:
		return false
	}
}

// StepValidation is the validation rule applied to a step's answer.
type StepValidation struct {
	Required bool `json:"required,omitempty"`
	// Pattern is an anchored regular expression the answer must match.
	Pattern string `json:"pattern,omitempty"`
	// Choices restricts the answer to one of the listed values.
	Choices []string `json:"choices,omitempty"`
	// ErrorHint is appended to the re-prompt on validation failure.
	ErrorHint string `json:"error_hint,omitempty"`
}

// FieldMapping maps one structured-reply payload field into session data.
type FieldMapping struct {
	// Field is the payload key; Key is the session-data key it lands under.
	// An empty Key reuses Field.
	Field    string `json:"field"`
	Key      string `json:"key,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Step is one unit of a flow: a prompt plus an expected input type,
// validation rule, and the session-data key the answer is stored under.
type Step struct {
	Name       string         `json:"name"`
	Prompt     string         `json:"prompt"`
	Input      InputType      `json:"input"`
	Validation StepValidation `json:"validation,omitempty"`
	// FieldKey is where the captured value lands in session data.
	FieldKey string `json:"field_key,omitempty"`
	// Fields declares the structured-reply mapping for structured steps.
	Fields []FieldMapping `json:"fields,omitempty"`
	// NextStep overrides sequence order; empty advances to the next step in
	// declaration order.
	NextStep string `json:"next_step,omitempty"`
	// BranchOn selects the next step by captured value. The "default" key
	// applies when no value matches.
	BranchOn map[string]string `json:"branch_on,omitempty"`
}

// CompletionAction runs when a flow completes. Best-effort: failures are
// logged and do not prevent completion.
type CompletionAction struct {
	// ScriptRef names the sandboxed script executed with the session data.
	ScriptRef string `json:"script_ref,omitempty"`
}

// Flow is an authored, ordered multi-step conversation template.
type Flow struct {
	ID string `json:"id"`
	// Name is the human-readable flow title.
	Name string `json:"name"`
	// Triggers are phrases that start this flow on exact match.
	Triggers []string `json:"triggers,omitempty"`
	Steps    []Step   `json:"steps"`
	// CompletionMessage is sent on completion; {{field}} placeholders are
	// substituted from session data.
	CompletionMessage string            `json:"completion_message,omitempty"`
	Completion        *CompletionAction `json:"completion,omitempty"`
}

var errEmptyFlowName = errors.New("flow name is required")

// Validate checks the flow invariants: at least one step, unique step names,
// branch targets that resolve, and valid input types.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return errEmptyFlowName
	}
	if len(f.Steps) == 0 {
		return ErrFlowHasNoSteps
	}
	names := make(map[string]bool, len(f.Steps))
	for _, st := range f.Steps {
		if names[st.Name] {
			return ErrDuplicateStepNames
		}
		names[st.Name] = true
		if !IsValidInputType(st.Input) {
			return errors.New("invalid input type for step " + st.Name)
		}
	}
	for _, st := range f.Steps {
		if st.NextStep != "" && !names[st.NextStep] {
			return ErrStepNotFound
		}
		for _, target := range st.BranchOn {
			if !names[target] {
				return ErrStepNotFound
			}
		}
	}
	return nil
}

// StepByName returns the named step, or nil.
func (f *Flow) StepByName(name string) *Step {
	for i := range f.Steps {
		if f.Steps[i].Name == name {
			return &f.Steps[i]
		}
	}
	return nil
}

// StepAfter returns the step following the named one in declaration order,
// or nil when the named step is last or absent.
func (f *Flow) StepAfter(name string) *Step {
	for i := range f.Steps {
		if f.Steps[i].Name == name && i+1 < len(f.Steps) {
			return &f.Steps[i+1]
		}
	}
	return nil
}
