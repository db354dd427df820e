// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "reflect"

// DeepCopy produces a freshly allocated, cycle-safe clone of value,
// which must classify as [PassCopyRecord], [PassCopyArray], or
// [PassCopyError] (transitively — every reachable non-primitive
// descendant must too). Shared substructure in the input is preserved
// as shared substructure in the clone: if the same [Record] or [Array]
// appears twice by identity, both occurrences in the clone point at
// the same cloned instance.
//
// Encountering a [Remotable] or [Future] anywhere in the reachable
// graph fails — copies may not cross the capability boundary (spec
// §4.3).
func DeepCopy(value any) (any, error) {
	visited := make(map[uintptr]any)
	return deepCopy(value, visited)
}

func deepCopy(value any, visited map[uintptr]any) (any, error) {
	switch v := value.(type) {
	case nil, undefinedType, bool, string:
		return value, nil
	case *Remotable:
		return nil, newError(EncodeFail, "DeepCopy", "cannot copy a remote value across the capability boundary")
	case Future:
		return nil, newError(EncodeFail, "DeepCopy", "cannot copy a future across the capability boundary")
	case CopyError:
		return CopyError{Name: v.Name, Message: v.Message}, nil
	case *CopyError:
		return &CopyError{Name: v.Name, Message: v.Message}, nil
	case Record:
		ptr := reflect.ValueOf(v).Pointer()
		if clone, ok := visited[ptr]; ok {
			return clone, nil
		}
		clone := make(Record, len(v))
		visited[ptr] = clone
		for k, field := range v {
			copied, err := deepCopy(field, visited)
			if err != nil {
				return nil, err
			}
			clone[k] = copied
		}
		return clone, nil
	case Array:
		ptr := reflect.ValueOf(v).Pointer()
		if clone, ok := visited[ptr]; ok {
			return clone, nil
		}
		clone := make(Array, len(v))
		visited[ptr] = clone
		for i, elem := range v {
			copied, err := deepCopy(elem, visited)
			if err != nil {
				return nil, err
			}
			clone[i] = copied
		}
		return clone, nil
	}

	if isNumericKind(value) {
		return value, nil
	}
	if _, err := ClassifyOf(value); err != nil {
		return nil, wrapError(EncodeFail, "DeepCopy", "value is not copy-pass material", err)
	}
	// *big.Int and Symbol reach here: both are immutable value types
	// safe to alias directly into the clone.
	return value, nil
}
