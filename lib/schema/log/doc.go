// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package log defines Matrix state event content types for Bureau raw
// output capture: the log-* entities that index CAS artifact chunks
// for stdout/stderr streams from sandboxed processes.
package log
