// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"math/big"
	"reflect"
)

// ClassifyOf is the single source of truth for what a value is allowed
// to be. It is total: every call returns either a [PassStyle] or a
// typed [*Error] with Kind [ClassifyFail] — it never silently accepts
// something outside the eleven-case value model.
//
// Most of the structural checks a dynamically-typed host language
// would need (holes, accessor properties, symbol keys, prototype
// chains) collapse to nothing here because [Record] and [Array]
// enforce their shape by construction.
func ClassifyOf(value any) (PassStyle, error) {
	switch v := value.(type) {
	case nil:
		return PassUnit, nil
	case undefinedType:
		return PassUnit, nil
	case bool:
		return PassBoolean, nil
	case string:
		return PassString, nil
	case *big.Int:
		if v == nil {
			return "", newError(ClassifyFail, "classify", "*big.Int must not be nil")
		}
		return PassBigInt, nil
	case Symbol:
		if v != SymbolAsyncIterator {
			return "", newError(ClassifyFail, "classify", `symbol "`+v.String()+`" is not admissible; only the async-iterator symbol is`)
		}
		return PassSymbol, nil
	case Future:
		return PassFuture, nil
	case *Remotable:
		if v == nil {
			return "", newError(ClassifyFail, "classify", "*Remotable must not be nil")
		}
		if hasThenMethod(v) {
			return "", newError(ClassifyFail, "classify", "value exposes a then/Then operation but is not a Future; thenables are forbidden")
		}
		return PassRemote, nil
	case CopyError:
		return PassCopyError, nil
	case *CopyError:
		if v == nil {
			return "", newError(ClassifyFail, "classify", "*CopyError must not be nil")
		}
		return PassCopyError, nil
	case Record:
		return classifyRecord(v)
	case Array:
		if err := checkNoCycle(value); err != nil {
			return "", err
		}
		return PassCopyArray, nil
	}

	if isNumericKind(value) {
		return PassNumeric, nil
	}

	rv := reflect.ValueOf(value)
	if rv.IsValid() && rv.Kind() == reflect.Func {
		return "", newError(ClassifyFail, "classify", "bare functions are not a legal pass-style")
	}

	if hasMethodNamed(value, "Then") {
		return "", newError(ClassifyFail, "classify", "value exposes a Then method but is not a Future; thenables are forbidden")
	}

	return "", newError(ClassifyFail, "classify", "value does not match any legal pass-style")
}

func classifyRecord(r Record) (PassStyle, error) {
	if len(r) == 0 {
		// The empty record is remote-style: it enables identity
		// comparison. An empty Record used this way carries no
		// interface tag; the encoder's valToSlot is invoked on the
		// Record value itself.
		return PassRemote, nil
	}
	if _, reserved := r[qclassField]; reserved {
		return "", newError(ClassifyFail, "classify", `record field name "`+qclassField+`" is reserved`)
	}
	if err := checkNoCycle(r); err != nil {
		return "", err
	}
	return PassCopyRecord, nil
}

func isNumericKind(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

func hasMethodNamed(value any, name string) bool {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() {
		return false
	}
	return rv.MethodByName(name).IsValid()
}

// checkNoCycle enforces the immutability precondition — all
// non-primitive values must be immutable at encode time; violation is
// a fatal failure — the way an implementation without a runtime
// freeze bit can: a value graph assembled purely from
// [NewRecord]/[NewArray] cannot contain a cycle unless the caller
// mutated a map or slice after sharing it, so a pre-traversal cycle
// scan stands in for a frozen-bit check. Shared (acyclic) substructure
// is fine and expected — only a value that would revisit a still-open
// ancestor fails.
func checkNoCycle(root any) error {
	visiting := make(map[uintptr]bool)
	return walkForCycle(root, visiting)
}

func walkForCycle(value any, visiting map[uintptr]bool) error {
	switch v := value.(type) {
	case Record:
		ptr := reflect.ValueOf(v).Pointer()
		if visiting[ptr] {
			return newError(ClassifyFail, "classify", "value must be immutable: record contains a cycle")
		}
		visiting[ptr] = true
		for _, field := range v {
			if err := walkForCycle(field, visiting); err != nil {
				return err
			}
		}
		delete(visiting, ptr)
	case Array:
		ptr := reflect.ValueOf(v).Pointer()
		if visiting[ptr] {
			return newError(ClassifyFail, "classify", "value must be immutable: array contains a cycle")
		}
		visiting[ptr] = true
		for _, elem := range v {
			if err := walkForCycle(elem, visiting); err != nil {
				return err
			}
		}
		delete(visiting, ptr)
	}
	return nil
}
