// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"strings"
)

// CyclePolicy governs what happens when the decoder encounters an
// `ibid` reference to a node that is still under construction (spec
// §4.5).
type CyclePolicy string

const (
	// AllowCycles returns the partially-built reference.
	AllowCycles CyclePolicy = "allowCycles"
	// WarnOfCycles logs a warning and returns the partially-built
	// reference.
	WarnOfCycles CyclePolicy = "warnOfCycles"
	// ForbidCycles fails decoding. This is the default.
	ForbidCycles CyclePolicy = "forbidCycles"
)

func validCyclePolicy(p CyclePolicy) bool {
	switch p {
	case AllowCycles, WarnOfCycles, ForbidCycles:
		return true
	default:
		return false
	}
}

// decodeState carries the per-call mutable state for one
// [Marshal.Unserialize] invocation.
type decodeState struct {
	slots       []Slot
	slotToValue func(slot Slot, iface string) (any, error)
	ibid        *decodeIbidTable
	policy      CyclePolicy
	logger      *slog.Logger
}

// revive implements a pre-order reviver, dispatching on the shape
// produced by json.Decoder with UseNumber (so integer-valued fields
// survive round-trip without floating-point truncation).
func (d *decodeState) revive(node any) (any, error) {
	switch v := node.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case string:
		return v, nil
	case json.Number:
		return decodeNumber(v)
	case map[string]any:
		if tag, hasSentinel := v[qclassField]; hasSentinel {
			tagName, ok := tag.(string)
			if !ok {
				return nil, newError(DecodeFail, "unserialize", qclassField+" must be a string")
			}
			return d.reviveEnvelope(tagName, v)
		}
		return d.reviveRecord(v)
	case []any:
		return d.reviveArray(v)
	default:
		return nil, newError(InvariantFail, "unserialize", "parser produced an unrecognized node type")
	}
}

func decodeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, wrapError(DecodeFail, "unserialize", "malformed numeric literal "+string(n), err)
	}
	return f, nil
}

func (d *decodeState) reviveEnvelope(tag string, envelope map[string]any) (any, error) {
	switch tag {
	case "undefined":
		return Undefined, nil
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	case "@@asyncIterator":
		return SymbolAsyncIterator, nil
	case "bigint":
		return d.reviveBigInt(envelope)
	case "error":
		return d.reviveError(envelope)
	case "slot":
		return d.reviveSlot(envelope)
	case "ibid":
		return d.reviveIbid(envelope)
	default:
		return nil, newError(DecodeFail, "unserialize", "unknown sentinel tag "+quote(tag))
	}
}

func (d *decodeState) reviveBigInt(envelope map[string]any) (any, error) {
	digitsAny, ok := envelope["digits"]
	if !ok {
		return nil, newError(DecodeFail, "unserialize", "bigint envelope missing \"digits\"")
	}
	digits, ok := digitsAny.(string)
	if !ok {
		return nil, newError(DecodeFail, "unserialize", "bigint \"digits\" must be a string")
	}
	bi, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, newError(DecodeFail, "unserialize", "bigint \"digits\" is not a valid base-10 integer: "+digits)
	}
	return bi, nil
}

func (d *decodeState) reviveError(envelope map[string]any) (any, error) {
	name, err := stringField(envelope, "name")
	if err != nil {
		return nil, err
	}
	message, err := stringField(envelope, "message")
	if err != nil {
		return nil, err
	}
	if _, err := stringField(envelope, "errorId"); err != nil {
		return nil, err
	}

	if !knownErrorClass(name) {
		name = "Error"
	}
	revived := &CopyError{Name: name, Message: message}
	d.ibid.register(revived)
	return revived, nil
}

func knownErrorClass(name string) bool {
	switch name {
	case "Error", "TypeError", "RangeError", "ReferenceError", "SyntaxError":
		return true
	default:
		return false
	}
}

func (d *decodeState) reviveSlot(envelope map[string]any) (any, error) {
	indexAny, ok := envelope["index"]
	if !ok {
		return nil, newError(DecodeFail, "unserialize", "slot envelope missing \"index\"")
	}
	indexNum, ok := indexAny.(json.Number)
	if !ok {
		return nil, newError(DecodeFail, "unserialize", "slot \"index\" must be a number")
	}
	index64, err := indexNum.Int64()
	if err != nil {
		return nil, wrapError(DecodeFail, "unserialize", "slot \"index\" must be an integer", err)
	}
	index := int(index64)
	if index < 0 || index >= len(d.slots) {
		return nil, newError(DecodeFail, "unserialize", "slot index out of range")
	}

	iface := ""
	if ifaceAny, present := envelope["iface"]; present {
		ifaceStr, ok := ifaceAny.(string)
		if !ok {
			return nil, newError(DecodeFail, "unserialize", "slot \"iface\" must be a string")
		}
		iface = ifaceStr
	}

	revived, err := d.slotToValue(d.slots[index], iface)
	if err != nil {
		return nil, wrapError(DecodeFail, "unserialize", "slotToValue translator failed", err)
	}
	d.ibid.register(revived)
	return revived, nil
}

func (d *decodeState) reviveIbid(envelope map[string]any) (any, error) {
	indexAny, ok := envelope["index"]
	if !ok {
		return nil, newError(DecodeFail, "unserialize", "ibid envelope missing \"index\"")
	}
	indexNum, ok := indexAny.(json.Number)
	if !ok {
		return nil, newError(DecodeFail, "unserialize", "ibid \"index\" must be a number")
	}
	index64, err := indexNum.Int64()
	if err != nil {
		return nil, wrapError(DecodeFail, "unserialize", "ibid \"index\" must be an integer", err)
	}

	var warn func(string)
	if d.policy == WarnOfCycles && d.logger != nil {
		warn = func(msg string) { d.logger.Warn(msg) }
	}
	return d.ibid.lookup(int(index64), d.policy, warn)
}

func (d *decodeState) reviveRecord(node map[string]any) (any, error) {
	record := make(Record, len(node))
	index := d.ibid.start(record)

	names := make([]string, 0, len(node))
	for name := range node {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		revived, err := d.revive(node[name])
		if err != nil {
			return nil, err
		}
		record[name] = revived
	}

	d.ibid.finish(index)
	return record, nil
}

func (d *decodeState) reviveArray(node []any) (any, error) {
	out := make(Array, len(node))
	index := d.ibid.start(out)

	for i, elem := range node {
		revived, err := d.revive(elem)
		if err != nil {
			return nil, err
		}
		out[i] = revived
	}

	d.ibid.finish(index)
	return out, nil
}

func stringField(envelope map[string]any, field string) (string, error) {
	v, ok := envelope[field]
	if !ok {
		return "", newError(DecodeFail, "unserialize", "envelope missing \""+field+"\"")
	}
	s, ok := v.(string)
	if !ok {
		return "", newError(DecodeFail, "unserialize", "\""+field+"\" must be a string")
	}
	return s, nil
}

// parseBody parses the canonical JSON text into the plain node tree
// revive walks, using UseNumber so integer literals survive without
// float64 truncation. A structurally invalid body, or one with
// trailing data after the single top-level value, fails.
func parseBody(body string) (any, error) {
	decoder := json.NewDecoder(strings.NewReader(body))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, wrapError(DecodeFail, "unserialize", "malformed capdata body", err)
	}
	if decoder.More() {
		return nil, newError(DecodeFail, "unserialize", "capdata body has trailing data after the top-level value")
	}
	return raw, nil
}
