// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"log/slog"
	"math"
	"math/big"
	"sort"
	"strconv"
)

// encodeState carries the per-call mutable bookkeeping for one
// [Marshal.Serialize] invocation: the ibid table, the slot table and
// its dedup index, and the fresh-errorId counter.
type encodeState struct {
	valToSlot   func(any) (Slot, error)
	logger      *slog.Logger
	marshalName string

	ibid        *encodeIbidTable
	slots       []Slot
	slotIndex   map[identity]int
	errorSerial int
}

func newEncodeState(valToSlot func(any) (Slot, error), logger *slog.Logger, marshalName string) *encodeState {
	return &encodeState{
		valToSlot:   valToSlot,
		logger:      logger,
		marshalName: marshalName,
		ibid:        newEncodeIbidTable(),
		slotIndex:   make(map[identity]int),
	}
}

// encode converts value into the raw-tree representation that
// [encoding/json] then serializes into the canonical capdata body.
// encoding/json sorts map[string]any keys lexically, which is exactly
// the canonical field ordering the wire format requires — no separate
// canonicalization pass is needed.
func (s *encodeState) encode(value any) (any, error) {
	style, err := ClassifyOf(value)
	if err != nil {
		return nil, err
	}

	switch style {
	case PassUnit:
		if _, isUndefined := value.(undefinedType); isUndefined {
			return qclassEnvelope("undefined"), nil
		}
		return nil, nil

	case PassBoolean, PassString:
		return value, nil

	case PassNumeric:
		return s.encodeNumeric(value)

	case PassBigInt:
		bi := value.(*big.Int)
		return map[string]any{qclassField: "bigint", "digits": bi.String()}, nil

	case PassSymbol:
		return qclassEnvelope("@@asyncIterator"), nil

	case PassCopyRecord:
		return s.encodeRecord(value.(Record))

	case PassCopyArray:
		return s.encodeArray(value.(Array))

	case PassCopyError:
		return s.encodeError(value)

	case PassRemote:
		return s.encodeCapability(value, true)

	case PassFuture:
		return s.encodeCapability(value, false)

	default:
		return nil, newError(InvariantFail, "serialize", "classifier returned an unhandled pass-style")
	}
}

func qclassEnvelope(tag string) map[string]any {
	return map[string]any{qclassField: tag}
}

func (s *encodeState) encodeNumeric(value any) (any, error) {
	switch n := value.(type) {
	case float64:
		return encodeFloat(n), nil
	case float32:
		return encodeFloat(float64(n)), nil
	default:
		// All integer kinds pass through unchanged: json.Marshal
		// renders them without a decimal point, and Go integers can
		// never be NaN/Inf/negative-zero.
		return value, nil
	}
}

func encodeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return qclassEnvelope("NaN")
	case math.IsInf(f, 1):
		return qclassEnvelope("Infinity")
	case math.IsInf(f, -1):
		return qclassEnvelope("-Infinity")
	case f == 0:
		// Negative zero is normalized to positive zero on encode.
		// This is explicit, intentional information loss.
		return float64(0)
	default:
		return f
	}
}

func (s *encodeState) encodeRecord(r Record) (any, error) {
	if index, seen := s.ibid.lookup(r); seen {
		return map[string]any{qclassField: "ibid", "index": index}, nil
	}
	s.ibid.assign(r)

	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(r))
	for _, name := range names {
		encoded, err := s.encode(r[name])
		if err != nil {
			return nil, err
		}
		out[name] = encoded
	}
	return out, nil
}

func (s *encodeState) encodeArray(a Array) (any, error) {
	if index, seen := s.ibid.lookup(a); seen {
		return map[string]any{qclassField: "ibid", "index": index}, nil
	}
	s.ibid.assign(a)

	out := make([]any, len(a))
	for i, elem := range a {
		encoded, err := s.encode(elem)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

func (s *encodeState) encodeError(value any) (any, error) {
	if index, seen := s.ibid.lookup(value); seen {
		return map[string]any{qclassField: "ibid", "index": index}, nil
	}
	s.ibid.assign(value)

	var name, message string
	switch e := value.(type) {
	case CopyError:
		name, message = e.Name, e.Message
	case *CopyError:
		name, message = e.Name, e.Message
	}

	s.errorSerial++
	errorID := s.marshalName + "#error" + strconv.Itoa(s.errorSerial)
	if s.logger != nil {
		s.logger.Info("capdata: encoding error", "errorId", errorID, "name", name)
	}

	return map[string]any{
		qclassField: "error",
		"errorId":   errorID,
		"name":      name,
		"message":   message,
	}, nil
}

// encodeCapability handles both PassRemote and PassFuture: both are
// carried as slots. Repeated remotes/futures dedup through the slot
// table, never through ibid — a duplicate always re-emits a `slot`
// reference at the same slot index, never an `ibid` envelope. The
// value still consumes an ibid sequence position on first sight so
// later copy-pass nodes number consistently with decode, even though
// that ibid index is never itself the target of a backreference.
func (s *encodeState) encodeCapability(value any, allowIface bool) (any, error) {
	id, trackable := identityOf(value)
	if trackable {
		if slotIdx, seen := s.slotIndex[id]; seen {
			return s.capabilityEnvelope(slotIdx, value, allowIface), nil
		}
	}

	slot, err := s.valToSlot(value)
	if err != nil {
		return nil, wrapError(EncodeFail, "serialize", "valToSlot translator failed", err)
	}
	slotIdx := len(s.slots)
	s.slots = append(s.slots, slot)
	if trackable {
		s.slotIndex[id] = slotIdx
		s.ibid.assign(value)
	}

	if allowIface {
		if _, hasIface := GetInterfaceOf(value); !hasIface && s.logger != nil {
			s.logger.Warn("capdata: remote value serialized without an interface tag", "slotIndex", slotIdx)
		}
	}

	return s.capabilityEnvelope(slotIdx, value, allowIface), nil
}

func (s *encodeState) capabilityEnvelope(slotIdx int, value any, allowIface bool) map[string]any {
	envelope := map[string]any{qclassField: "slot", "index": slotIdx}
	if allowIface {
		if iface, ok := GetInterfaceOf(value); ok {
			envelope["iface"] = iface
		}
	}
	return envelope
}

