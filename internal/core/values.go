// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

// PassStyle is the total classification tag assigned to every value by
// [ClassifyOf]. It is a closed, tagged-variant enumeration — see spec
// §9 "Polymorphism without inheritance" — dispatched centrally rather
// than through a type hierarchy.
type PassStyle string

// The eleven pass-styles. Every legal value belongs to exactly one.
const (
	PassUnit       PassStyle = "unit"
	PassBoolean    PassStyle = "boolean"
	PassNumeric    PassStyle = "numeric"
	PassBigInt     PassStyle = "bigint"
	PassString     PassStyle = "string"
	PassSymbol     PassStyle = "symbol"
	PassCopyRecord PassStyle = "copyRecord"
	PassCopyArray  PassStyle = "copyArray"
	PassCopyError  PassStyle = "copyError"
	PassRemote     PassStyle = "remote"
	PassFuture     PassStyle = "future"
)

// qclassField is the single, fixed, repository-wide sentinel field
// name that discriminates an encoded envelope from a natural record.
// Any input [Record] containing this key is rejected at classify time.
const qclassField = "@qclass"

// Undefined is the distinguished "absence distinct from unit" value.
// Go's nil plays the role of the unit absence (encodes as bare
// `null`); Undefined encodes as {"@qclass":"undefined"}. Use
// the package-level [Undefined] value, never a second instance — it
// is compared by equality of its (zero-field) type, so any instance
// compares equal, but sharing the singleton keeps intent obvious at
// call sites.
type undefinedType struct{}

// Undefined is the sentinel absence value distinct from nil/unit.
var Undefined = undefinedType{}

// Symbol is a well-known iteration symbol. Only [SymbolAsyncIterator]
// is legal input; any other Symbol value fails classification.
type Symbol struct{ name string }

// SymbolAsyncIterator is the sole admissible well-known symbol.
var SymbolAsyncIterator = Symbol{name: "@@asyncIterator"}

// String returns the symbol's wire name.
func (s Symbol) String() string { return s.name }

// Record is a copy-by-value bag of named fields. It is the pass-style
// `copyRecord` leaf of the value model. A Record must have at least one
// field — the empty record is remote-style instead, to enable identity
// comparison. Construct with [NewRecord]; the zero value (nil map)
// classifies as empty and is therefore rejected as a record (callers
// needing an empty-ish capability identity should use [Remotable]
// instead).
type Record map[string]any

// NewRecord returns a Record built from fields. The caller must not
// mutate fields after this call — Records are required to be immutable
// at encode time.
func NewRecord(fields map[string]any) Record {
	r := make(Record, len(fields))
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Array is a copy-by-value ordered sequence. It is the pass-style
// `copyArray` leaf of the value model. Go slices have no notion of a
// "hole" or non-indexed own property, so every Array is structurally
// valid by construction: no holes, no accessor properties, no method
// fields, no non-indexed own properties.
type Array []any

// NewArray returns an Array built from elements. The caller must not
// mutate elements after this call.
func NewArray(elements ...any) Array {
	a := make(Array, len(elements))
	copy(a, elements)
	return a
}

// CopyError is an immutable, copy-by-value error object: a name and a
// message, with no stack trace — stack traces are dropped on the way
// to the wire. It is the pass-style `copyError` leaf.
type CopyError struct {
	Name    string
	Message string
}

func (e CopyError) Error() string { return e.Name + ": " + e.Message }

// NewCopyError returns a CopyError from an arbitrary Go error. If err
// is already a CopyError (or wraps one), its Name/Message are reused;
// otherwise Name defaults to "Error" and Message is err.Error().
func NewCopyError(err error) CopyError {
	if ce, ok := err.(CopyError); ok {
		return ce
	}
	return CopyError{Name: "Error", Message: err.Error()}
}

// Slot is an opaque, positional handle for a non-copyable value
// (remote or future). The core never interprets a Slot's contents —
// it is produced by the caller's valToSlot translator and consumed by
// slotToValue. Modeled as `any` because this package does not define
// the capability identifier space; it stays opaque.
type Slot = any
