// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "reflect"

// identity is a comparable stand-in for object identity, since
// [Record] and [Array] (backed by Go maps and slices) are not
// themselves comparable and cannot be used directly as map keys.
type identity struct {
	kind string
	ptr  uintptr
}

// identityOf returns a comparable identity for any non-primitive value
// tracked by the ibid tables, and false for anything else (primitives,
// or a bare value CopyError with no reference identity to speak of).
func identityOf(value any) (identity, bool) {
	switch v := value.(type) {
	case Record:
		return identity{kind: "record", ptr: reflect.ValueOf(v).Pointer()}, true
	case Array:
		return identity{kind: "array", ptr: reflect.ValueOf(v).Pointer()}, true
	case *Remotable:
		return identity{kind: "remotable", ptr: reflect.ValueOf(v).Pointer()}, true
	case *CopyError:
		return identity{kind: "copyerror", ptr: reflect.ValueOf(v).Pointer()}, true
	case Future:
		return identity{kind: "future", ptr: uintptr(v.id)}, true
	default:
		return identity{}, false
	}
}

// encodeIbidTable is the encode-side ibid table: an identity-keyed,
// append-only map from value identity to ibid index.
// Primitives are excluded — [identityOf] returns false for them, and
// callers must not call assign/lookup with a primitive.
type encodeIbidTable struct {
	indices map[identity]int
}

func newEncodeIbidTable() *encodeIbidTable {
	return &encodeIbidTable{indices: make(map[identity]int)}
}

// lookup reports the ibid index previously assigned to value, if any.
func (t *encodeIbidTable) lookup(value any) (index int, seen bool) {
	id, trackable := identityOf(value)
	if !trackable {
		return 0, false
	}
	index, seen = t.indices[id]
	return index, seen
}

// assign records value's first appearance and returns its new index.
// The index equals the number of distinct non-primitive values already
// assigned, so indices are dense and match encode pre-order.
func (t *encodeIbidTable) assign(value any) int {
	id, trackable := identityOf(value)
	if !trackable {
		return -1
	}
	index := len(t.indices)
	t.indices[id] = index
	return index
}

// decodeIbidTable is the decode-side ibid table: a positional list of
// revived values, plus a set of "in-construction" entries for cycle
// policing.
type decodeIbidTable struct {
	values     []any
	unfinished map[int]bool
}

func newDecodeIbidTable() *decodeIbidTable {
	return &decodeIbidTable{unfinished: make(map[int]bool)}
}

// register appends value as a finished node and returns its index.
// Used for leaf non-primitives that have no children to revive
// (errors, slot-resolved values).
func (t *decodeIbidTable) register(value any) int {
	index := len(t.values)
	t.values = append(t.values, value)
	return index
}

// start appends a placeholder and marks it in-construction, returning
// its index. The caller must call finish once the node's children have
// been revived, and must overwrite values[index] via update if the
// final value differs from the placeholder (e.g. once elements are
// appended into a pre-sized Array).
func (t *decodeIbidTable) start(placeholder any) int {
	index := len(t.values)
	t.values = append(t.values, placeholder)
	t.unfinished[index] = true
	return index
}

// update overwrites the value stored at index. Used when the final
// revived value is only known after children are populated (e.g. a
// Record built up field by field into a fresh map, then reassigned).
func (t *decodeIbidTable) update(index int, value any) {
	t.values[index] = value
}

// finish marks index as fully constructed.
func (t *decodeIbidTable) finish(index int) {
	delete(t.unfinished, index)
}

// lookup resolves ibid index n under the given cycle policy. ok is
// false (with a [DecodeFail] error) if n is out of range, or if n is
// still in-construction and policy is [ForbidCycles].
func (t *decodeIbidTable) lookup(n int, policy CyclePolicy, warn func(string)) (any, error) {
	if n < 0 || n >= len(t.values) {
		return nil, newError(DecodeFail, "unserialize", "ibid index out of range")
	}
	if !t.unfinished[n] {
		return t.values[n], nil
	}
	switch policy {
	case AllowCycles:
		return t.values[n], nil
	case WarnOfCycles:
		if warn != nil {
			warn("capdata: cycle through ibid index while reviving")
		}
		return t.values[n], nil
	default: // ForbidCycles
		return nil, newError(DecodeFail, "unserialize", "forbidden cycle: ibid index refers to a value still under construction")
	}
}
