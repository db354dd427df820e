// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// Capdata is the wire form: canonical JSON text plus the positional
// slot table it references.
type Capdata struct {
	Body  string
	Slots []Slot
}

// Config configures a [Marshal] pair.
type Config struct {
	// ValToSlot extracts an opaque wire handle from a [Remotable] or
	// [Future] encountered during [Marshal.Serialize]. Defaults to
	// returning the value itself as its own slot.
	ValToSlot func(value any) (Slot, error)

	// SlotToValue materializes a local stand-in from a slot (and an
	// optional interface hint, empty string if none) during
	// [Marshal.Unserialize]. Defaults to returning the slot itself.
	SlotToValue func(slot Slot, iface string) (any, error)

	// MarshalName appears in generated error IDs for side-channel
	// correlation. Defaults to a fresh random label if
	// empty, so concurrently constructed Marshal instances never
	// collide even when callers don't bother naming them.
	MarshalName string

	// Logger receives the info-level per-error correlation log and any
	// warnings (missing interface tag, cycle detected under
	// [WarnOfCycles]). Defaults to [slog.Default].
	Logger *slog.Logger
}

// Marshal is the encode/decode pair produced by [NewMarshal].
type Marshal struct {
	valToSlot   func(any) (Slot, error)
	slotToValue func(Slot, string) (any, error)
	marshalName string
	logger      *slog.Logger
}

// NewMarshal builds a [Marshal] pair bound to the given translators.
func NewMarshal(config Config) (*Marshal, error) {
	valToSlot := config.ValToSlot
	if valToSlot == nil {
		valToSlot = func(value any) (Slot, error) { return value, nil }
	}
	slotToValue := config.SlotToValue
	if slotToValue == nil {
		slotToValue = func(slot Slot, _ string) (any, error) { return slot, nil }
	}

	name := config.MarshalName
	if name == "" {
		name = "marshal-" + uuid.NewString()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Marshal{
		valToSlot:   valToSlot,
		slotToValue: slotToValue,
		marshalName: name,
		logger:      logger,
	}, nil
}

// Serialize walks root and produces its canonical [Capdata]. A value
// that fails classification anywhere in the traversal aborts
// serialization with that failure; no partial Capdata is returned.
func (m *Marshal) Serialize(root any) (Capdata, error) {
	state := newEncodeState(m.valToSlot, m.logger, m.marshalName)

	rawTree, err := state.encode(root)
	if err != nil {
		return Capdata{}, err
	}

	bodyBytes, err := json.Marshal(rawTree)
	if err != nil {
		return Capdata{}, wrapError(EncodeFail, "serialize", "failed to render canonical JSON body", err)
	}

	return Capdata{Body: string(bodyBytes), Slots: state.slots}, nil
}

// Unserialize reconstructs a value graph from data. policy defaults to
// [ForbidCycles] when omitted; passing more than one
// policy is a caller error reported as [InvariantFail].
func (m *Marshal) Unserialize(data Capdata, policy ...CyclePolicy) (any, error) {
	effectivePolicy := ForbidCycles
	switch len(policy) {
	case 0:
	case 1:
		effectivePolicy = policy[0]
	default:
		return nil, newError(InvariantFail, "unserialize", "at most one cycle policy may be given")
	}
	if !validCyclePolicy(effectivePolicy) {
		return nil, newError(DecodeFail, "unserialize", "unknown cycle policy "+quote(string(effectivePolicy)))
	}

	raw, err := parseBody(data.Body)
	if err != nil {
		return nil, err
	}

	state := &decodeState{
		slots:       data.Slots,
		slotToValue: m.slotToValue,
		ibid:        newDecodeIbidTable(),
		policy:      effectivePolicy,
		logger:      m.logger,
	}
	return state.revive(raw)
}
