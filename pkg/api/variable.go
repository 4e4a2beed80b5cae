package api

import (
	"fmt"
	"reflect"
)

type (
	// VariableKind discriminates the stored shape of a session variable
	VariableKind string

	// Variable is one session variable. Kind tracks whether the value is a
	// plain scalar, a JSON composite, or explicit null. Dirty marks values
	// mutated since the last persisted snapshot
	Variable struct {
		Value any          `json:"value"`
		Kind  VariableKind `json:"kind"`
		Dirty bool         `json:"-"`
	}
)

const (
	VariableScalar VariableKind = "scalar"
	VariableJSON   VariableKind = "json"
	VariableNull   VariableKind = "null"
)

// Sigil is the reserved prefix every variable name must carry
const Sigil = '$'

// ReservedNames can never be assigned through the session API. They are
// bound by the runtime itself
var ReservedNames = map[Name]struct{}{
	"$this":    {},
	"$session": {},
}

// NewVariable wraps a raw value in a Variable, classifying its kind
func NewVariable(value any) *Variable {
	return &Variable{Value: value, Kind: KindOf(value)}
}

// KindOf classifies a raw value as scalar, JSON composite, or null
func KindOf(value any) VariableKind {
	switch value.(type) {
	case nil:
		return VariableNull
	case map[string]any, []any, Args:
		return VariableJSON
	default:
		return VariableScalar
	}
}

// Equal reports whether another value would be a no-op assignment
func (v *Variable) Equal(value any) bool {
	if v.Kind == VariableNull {
		return value == nil
	}
	return reflect.DeepEqual(v.Value, value)
}

// ValidateName checks a candidate variable name: it must start with the
// sigil, be at least two characters, use only word characters after the
// sigil, and must not be reserved
func ValidateName(name Name) error {
	if len(name) < 2 || name[0] != Sigil {
		return fmt.Errorf("%w: %q", ErrInvalidVariableName, name)
	}
	for _, r := range name[1:] {
		if !isWordChar(r) {
			return fmt.Errorf("%w: %q", ErrInvalidVariableName, name)
		}
	}
	if _, ok := ReservedNames[name]; ok {
		return fmt.Errorf("%w: %q", ErrReservedVariable, name)
	}
	return nil
}

// Strip removes the sigil from a variable name, yielding the bare
// identifier used inside script environments
func (n Name) Strip() string {
	if len(n) > 0 && n[0] == Sigil {
		return string(n[1:])
	}
	return string(n)
}

// HasSigil reports whether the name carries the variable sigil
func (n Name) HasSigil() bool {
	return len(n) > 0 && n[0] == Sigil
}

func isWordChar(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
