// Package fault maps condition codes to the action a transfer takes when the condition is raised.
package fault

import (
	"fmt"
	"strings"

	"github.com/sheerbytes/cfdprx/pkg/pdu"
)

// Action is the response to a fault.
type Action int

const (
	// Abandon ends the transfer immediately as failed.
	Abandon Action = iota
	// Cancel runs the same closure as a user cancel.
	Cancel
	// Suspend freezes the transfer until it is resumed.
	Suspend
)

func (a Action) String() string {
	switch a {
	case Abandon:
		return "abandon"
	case Cancel:
		return "cancel"
	case Suspend:
		return "suspend"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction accepts the lower or upper case action name.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abandon":
		return Abandon, nil
	case "cancel":
		return Cancel, nil
	case "suspend":
		return Suspend, nil
	default:
		return Abandon, fmt.Errorf("fault: unknown action %q", s)
	}
}

// Policy is a read-only table of condition code to action. The zero value abandons on every fault.
type Policy struct {
	actions map[pdu.ConditionCode]Action
}

// NewPolicy copies handlers into a new policy.
func NewPolicy(handlers map[pdu.ConditionCode]Action) Policy {
	p := Policy{actions: make(map[pdu.ConditionCode]Action, len(handlers))}
	for code, a := range handlers {
		p.actions[code] = a
	}
	return p
}

// ParsePolicy builds a policy from condition code names to action names, as found in configuration.
func ParsePolicy(handlers map[string]string) (Policy, error) {
	m := make(map[pdu.ConditionCode]Action, len(handlers))
	for name, action := range handlers {
		code, err := pdu.ParseConditionCode(name)
		if err != nil {
			return Policy{}, err
		}
		a, err := ParseAction(action)
		if err != nil {
			return Policy{}, fmt.Errorf("fault handler for %s: %w", code, err)
		}
		m[code] = a
	}
	return NewPolicy(m), nil
}

// Action returns the configured action for code, Abandon if none is configured.
func (p Policy) Action(code pdu.ConditionCode) Action {
	if a, ok := p.actions[code]; ok {
		return a
	}
	return Abandon
}
