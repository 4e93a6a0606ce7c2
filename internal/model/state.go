package model

import "fmt"

type OperatorState string

const (
	OperatorUnknown      OperatorState = "unknown"
	OperatorActive       OperatorState = "active"
	OperatorGrace        OperatorState = "grace"
	OperatorDisconnected OperatorState = "disconnected"
)

// Operator transitions: unknown → active ↔ grace → disconnected.
// An explicit disconnect is allowed from any live state.
var validOperatorTransitions = map[OperatorState]map[OperatorState]bool{
	OperatorUnknown: {
		OperatorActive:       true,
		OperatorDisconnected: true,
	},
	OperatorActive: {
		OperatorGrace:        true,
		OperatorDisconnected: true,
	},
	OperatorGrace: {
		OperatorActive:       true,
		OperatorDisconnected: true,
	},
}

func IsOperatorTerminal(s OperatorState) bool {
	return s == OperatorDisconnected
}

func ValidateOperatorTransition(from, to OperatorState) error {
	if IsOperatorTerminal(from) {
		return fmt.Errorf("cannot transition from terminal operator state %q", from)
	}
	allowed, ok := validOperatorTransitions[from]
	if !ok {
		return fmt.Errorf("unknown operator state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid operator transition: %q → %q", from, to)
	}
	return nil
}
