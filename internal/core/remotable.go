// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"strings"
	"sync/atomic"
)

// Operation is a single callable capability method — the Go analogue
// of an "operation-typed own property" on a JS remote-style object.
type Operation func(args ...any) (any, error)

// Remotable is a remote-style object: transported by reference (a
// [Slot]), never copied. Implementations without a native weak map can
// use a wrapper type that owns its interface tag directly rather than
// a global registry keyed by object identity — that is what Remotable
// is. Nothing in this package holds a Remotable alive; a *Remotable is
// only as long-lived as whatever the caller's own object graph keeps a
// reference to.
//
// Use [NewRemotable] or the [Far] shorthand to construct one; the zero
// value is not usable (classification requires the iface to have been
// validated at construction).
type Remotable struct {
	iface      string
	operations map[string]Operation
	target     any
	registered bool
}

// remotableErrorIDs is monotonically increasing purely for debug
// stringification; it plays no role in wire identity.
var remotableSerial atomic.Uint64

// NewRemotable registers a new remote-style object. iface must equal
// the literal "Remotable" or begin with "Alleged: ". operations holds
// the object's callable capability surface — every entry is, by
// construction, operation-typed, so "only operation-typed own
// properties" holds automatically. target is an opaque application
// payload carried alongside the operations for the caller's own
// bookkeeping (e.g. a live connection); this package never inspects it
// as data.
//
// The only re-registration NewRemotable can detect is wrapping an
// already-registered *Remotable: that case is rejected outright,
// since the caller should pass the existing Remotable through
// directly instead. Wrapping the same plain target (e.g. the same
// *service pointer) into two independent Remotables via two separate
// calls is a caller bug too, but this design has no global table
// keyed by target identity to catch it — see the "Weak association"
// note on [Remotable] for why: nothing here should keep a target
// alive by virtue of being registered. Callers that need this
// invariant enforced must track their own targets' registration state.
func NewRemotable(iface string, operations map[string]Operation, target any) (*Remotable, error) {
	if err := validateInterfaceTag(iface); err != nil {
		return nil, err
	}
	if existing, ok := target.(*Remotable); ok && existing.registered {
		return nil, newError(RegistryFail, "NewRemotable", "target is already a registered Remotable; pass it through directly instead of re-wrapping")
	}

	ops := make(map[string]Operation, len(operations))
	for name, op := range operations {
		if op == nil {
			return nil, newError(RegistryFail, "NewRemotable", "operation \""+name+"\" is nil, not an operation")
		}
		ops[name] = op
	}

	return &Remotable{
		iface:      iface,
		operations: ops,
		target:     target,
		registered: true,
	}, nil
}

// Far is shorthand for NewRemotable("Alleged: "+farName, nil, target).
// It names the common case of "a remote object with no locally callable
// operations, just an identity and a debug label" — e.g. a capability
// handle that only ever crosses the wire.
func Far(farName string, target any) (*Remotable, error) {
	return NewRemotable("Alleged: "+farName, nil, target)
}

func validateInterfaceTag(iface string) error {
	if iface == "Remotable" || strings.HasPrefix(iface, "Alleged: ") {
		return nil
	}
	return newError(RegistryFail, "NewRemotable", `interface tag must be "Remotable" or begin with "Alleged: ", got `+quote(iface))
}

func quote(s string) string { return "\"" + s + "\"" }

// InterfaceOf returns r's interface tag. It never fails: a validly
// constructed Remotable always has one.
func (r *Remotable) InterfaceOf() string { return r.iface }

// Target returns the opaque application payload passed to
// [NewRemotable]/[Far].
func (r *Remotable) Target() any { return r.target }

// Operation looks up a named operation. ok is false if r has no
// operation by that name.
func (r *Remotable) Operation(name string) (op Operation, ok bool) {
	op, ok = r.operations[name]
	return op, ok
}

// GetInterfaceOf returns the interface tag of value if it is a
// *Remotable, and ok=false otherwise.
func GetInterfaceOf(value any) (iface string, ok bool) {
	r, isRemotable := value.(*Remotable)
	if !isRemotable {
		return "", false
	}
	return r.iface, true
}

// Future is a placeholder for a not-yet-available value — the Go shape
// of a not-yet-resolved promise. It carries no payload; its only job
// is to classify as [PassFuture] so the encoder emits a slot reference
// for it and the decoder can hand it to slotToValue for revival into
// whatever "pending" representation the caller uses locally.
type Future struct {
	id uint64
}

// NewFuture returns a fresh Future. Two Futures returned by separate
// calls are never equal, even if all other state is identical —
// exactly one caller-observable identity per pending value.
func NewFuture() Future {
	return Future{id: futureSerial.Add(1)}
}

var futureSerial atomic.Uint64

// hasThenMethod reports whether v exposes an operation literally named
// "then"/"Then", used to reject thenables: any object that looks like
// it wants to be awaited but isn't a genuine [Future] is rejected
// rather than silently treated as a plain value.
func hasThenMethod(r *Remotable) bool {
	if r == nil {
		return false
	}
	_, hasLower := r.operations["then"]
	_, hasUpper := r.operations["Then"]
	return hasLower || hasUpper
}
