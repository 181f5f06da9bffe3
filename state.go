package nodeguard

import (
	"fmt"
	"maps"
)

// Reserved state keys.
const (
	// KeyErrors holds the ordered list of node failure messages.
	KeyErrors = "errors"
	// KeyCurrentStep holds the name of the last node that ran.
	KeyCurrentStep = "currentStep"
	// KeyOutput holds the run's final output, when a node sets one.
	KeyOutput = "output"
)

// State is the shared workflow state. Nodes return partial states that the
// graph engine merges into the running state.
type State map[string]any

// Errors returns the accumulated failure messages.
func (s State) Errors() []string {
	switch v := s[KeyErrors].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return nil
	}
}

// CurrentStep returns the last node that ran.
func (s State) CurrentStep() string {
	step, _ := s[KeyCurrentStep].(string)
	return step
}

// Output returns the value stored under KeyOutput.
func (s State) Output() (any, bool) {
	v, ok := s[KeyOutput]
	return v, ok && v != nil
}

// Clone returns a shallow copy.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// Merge overwrites keys of s with those of partial, in place.
func (s State) Merge(partial State) {
	for k, v := range partial {
		s[k] = v
	}
}
