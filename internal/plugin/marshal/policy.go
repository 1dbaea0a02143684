// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package marshal

import (
	"errors"
	"fmt"

	"github.com/visorhq/visor/pkg/plugin"
)

// Verdict is the outcome of a marshal decision.
type Verdict uint8

// Verdicts.
const (
	// Reject keeps the value on the host. The guest receives a placeholder
	// that raises a marshal error when touched.
	Reject Verdict = iota
	// Allow lets the value cross by value or through the engine's native
	// bridging (functions, deferreds, opaque references).
	Allow
	// Copy forces value-copy semantics: the value is serialized and a plain
	// copy crosses. Values that cannot be serialized are rejected.
	Copy
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Reject:
		return "reject"
	case Allow:
		return "allow"
	case Copy:
		return "copy"
	default:
		return "unknown"
	}
}

// Predicate overrides the default policy for a single value.
type Predicate func(v any) Verdict

// DefaultVerdict returns the built-in decision for a category.
func DefaultVerdict(c Category) Verdict {
	switch c {
	case Primitive, PlainRecord, PlainArray, TemporalValue, DeferredValue, AsyncCallable:
		return Allow
	case Callable, OpaqueInstance:
		return Reject
	default:
		return Reject
	}
}

// AllowHostFuncs is a Predicate that lets plugin.Func values cross and
// keeps the default verdict for everything else. Hosts use it to expose
// capability functions while still refusing arbitrary Go funcs and opaque
// instances.
func AllowHostFuncs(v any) Verdict {
	if _, ok := v.(plugin.Func); ok {
		return Allow
	}
	return DefaultVerdict(Classify(v))
}

// Policy applies the default verdicts, or an override predicate when one is
// installed. A nil *Policy behaves like the default policy.
type Policy struct {
	override Predicate
}

// NewPolicy creates a policy. override may be nil.
func NewPolicy(override Predicate) *Policy {
	return &Policy{override: override}
}

// Decide classifies v and returns the verdict. The override predicate, if
// any, is evaluated on every call.
func (p *Policy) Decide(v any) (Category, Verdict) {
	c := Classify(v)
	if p == nil || p.override == nil {
		return c, DefaultVerdict(c)
	}
	return c, p.override(v)
}

// ErrNotMarshalable matches every *Error via errors.Is.
var ErrNotMarshalable = errors.New("value is not marshalable")

// Error describes a value that was refused at the boundary.
type Error struct {
	Category Category
	Reason   string
}

// Error implements error.
func (e *Error) Error() string {
	msg := fmt.Sprintf("MarshalError: %s value cannot cross the plugin boundary", e.Category)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is reports whether target is ErrNotMarshalable.
func (e *Error) Is(target error) bool {
	return target == ErrNotMarshalable
}

// Rejection builds the error a guest sees when it touches a rejected value.
func Rejection(c Category, reason string) *Error {
	return &Error{Category: c, Reason: reason}
}
