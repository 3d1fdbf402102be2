// Package fsm implements the workflow gate: a small state machine that
// decides which tools are visible and callable in the current state.
package fsm

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownState is returned when a config references a missing state.
var ErrUnknownState = errors.New("fsm: unknown state")

// StateFinal marks terminal states.
const StateFinal = "final"

// State is one node of the workflow. On maps event names to target states.
type State struct {
	On   map[string]string `yaml:"on,omitempty" json:"on,omitempty" toml:"on"`
	Type string            `yaml:"type,omitempty" json:"type,omitempty" toml:"type"`
}

// Config is a workflow definition.
type Config struct {
	ID      string           `yaml:"id,omitempty" json:"id,omitempty" toml:"id"`
	Initial string           `yaml:"initial" json:"initial" toml:"initial"`
	States  map[string]State `yaml:"states" json:"states" toml:"states"`
}

// Validate checks that the initial state exists. Transitions to unknown
// states are tolerated at runtime (they are no-ops) and reported by Lint.
func (c Config) Validate() error {
	if len(c.States) == 0 {
		return fmt.Errorf("fsm: config has no states")
	}
	if _, ok := c.States[c.Initial]; !ok || c.Initial == "" {
		return fmt.Errorf("%w: initial %q", ErrUnknownState, c.Initial)
	}
	return nil
}

// Lint lists transitions that can never fire: targets that are not states
// and events declared on final states. The result is sorted.
func (c Config) Lint() []string {
	var issues []string
	for name, st := range c.States {
		for event, target := range st.On {
			if _, ok := c.States[target]; !ok {
				issues = append(issues, fmt.Sprintf("state %q: event %q targets unknown state %q", name, event, target))
			}
			if st.Type == StateFinal {
				issues = append(issues, fmt.Sprintf("state %q is final; event %q is ignored", name, event))
			}
		}
	}
	sort.Strings(issues)
	return issues
}
