package tool

import (
	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/schema"
)

// Separator joins group and action names into action keys.
const Separator = "."

// DefaultDiscriminator is the argument that selects the action.
const DefaultDiscriminator = "action"

// Action declares one sub-operation of a tool.
type Action struct {
	Name        string
	Description string
	Handler     engine.Handler

	// Params is a descriptor map compiled with schema.Compile. Schema takes
	// precedence when both are set.
	Params map[string]any
	Schema *schema.Object

	ReadOnly    bool
	Destructive bool
	Idempotent  bool

	Presenter *Presenter

	// States and Event bind this action to the workflow gate. They override
	// the tool-level binding for the action.
	States []string
	Event  string
}

// Presenter describes how an action's result is shaped for the model. Only
// its declaration matters here; it feeds the behavioral contract.
type Presenter struct {
	Name           string
	Schema         map[string]any
	Rules          []string
	AgentLimit     *int
	SuggestActions []string
	Embeds         []string
}

// Annotations are the behavior hints published with a tool. Nil fields are
// filled from the actions' flags.
type Annotations struct {
	Title       string
	ReadOnly    *bool
	Destructive *bool
	Idempotent  *bool
	OpenWorld   *bool
}

// Bool is a helper for Annotations literals.
func Bool(v bool) *bool { return &v }

// StateBinding restricts visibility to a set of workflow states and names
// the event fired after a successful call.
type StateBinding struct {
	States []string
	Event  string
}

// ActionRecord is a resolved action inside a built Definition.
type ActionRecord struct {
	Key         string
	Name        string
	Group       string
	Description string
	Handler     engine.Handler

	// Schema is the action's own validator, nil when it declares none.
	// Validator is Schema merged with the tool's common schema.
	Schema    *schema.Object
	Validator *schema.Object

	ReadOnly       bool
	Destructive    bool
	Idempotent     bool
	RequiredFields []string
	Presenter      *Presenter
	Binding        *StateBinding

	// Middleware declared on the action's group.
	Middleware []engine.Middleware
}

// PresenterName returns the bound presenter's name or "".
func (a *ActionRecord) PresenterName() string {
	if a.Presenter == nil {
		return ""
	}
	return a.Presenter.Name
}
