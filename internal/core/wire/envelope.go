// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/bureau-foundation/bureau/internal/core"
	"github.com/bureau-foundation/bureau/lib/codec"
)

// Envelope is the CBOR-encoded shape of a [core.Capdata]. Exported so
// callers that need to embed it in a larger CBOR-tagged message (e.g.
// an IPC request) can do so without going through [EncodeEnvelope].
type Envelope struct {
	Body  string      `cbor:"body"`
	Slots []core.Slot `cbor:"slots"`
}

// EncodeEnvelope renders data using Bureau's standard CBOR Core
// Deterministic Encoding (see lib/codec).
func EncodeEnvelope(data core.Capdata) ([]byte, error) {
	return codec.Marshal(Envelope{Body: data.Body, Slots: data.Slots})
}

// DecodeEnvelope reverses [EncodeEnvelope].
func DecodeEnvelope(data []byte) (core.Capdata, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return core.Capdata{}, err
	}
	return core.Capdata{Body: envelope.Body, Slots: envelope.Slots}, nil
}
