// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire frames [core.Capdata] for Bureau's CBOR-speaking
// internal transports (daemon<->launcher IPC, service sockets). The
// capdata body stays canonical JSON text — the round-trip and
// canonicity properties the core is tested against are defined over
// that text — this package only wraps {body, slots} in a single CBOR
// value so a binary-framed transport can carry it as one field instead
// of shipping JSON-in-CBOR-string plus a side channel for slots.
package wire
