package tool

import "fmt"

// FrozenError is raised when a builder is mutated after Build.
type FrozenError struct {
	Tool string
	Op   string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("tool %q is frozen: %s called after the definition was built", e.Tool, e.Op)
}

// MixedModeError is raised when Action and Group are mixed on one builder.
type MixedModeError struct {
	Tool string
}

func (e *MixedModeError) Error() string {
	return fmt.Sprintf("tool %q: Action and Group cannot be combined on the same builder", e.Tool)
}

// InvalidNameError is raised for empty or dotted tool, group or action names.
type InvalidNameError struct {
	Kind string
	Name string
}

func (e *InvalidNameError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s name must not be empty", e.Kind)
	}
	return fmt.Sprintf("%s name %q must not contain %q", e.Kind, e.Name, Separator)
}

// DuplicateActionError is raised when an action key is declared twice.
type DuplicateActionError struct {
	Tool string
	Key  string
}

func (e *DuplicateActionError) Error() string {
	return fmt.Sprintf("tool %q: action %q already registered", e.Tool, e.Key)
}

// InvalidConfigError covers remaining configuration mistakes, such as an
// action without a handler or a tool without actions.
type InvalidConfigError struct {
	Tool   string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}

// Error codes of recoverable call failures.
const (
	CodeMissingDiscriminator = "MISSING_DISCRIMINATOR"
	CodeUnknownAction        = "UNKNOWN_ACTION"
	CodeValidation           = "VALIDATION_ERROR"
	CodeServerBusy           = "SERVER_BUSY"
)
