// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stewardship defines Matrix state event content types for Bureau
// resource governance: declarative, room-scoped mappings from resources to
// responsible principals with tiered review escalation.
package stewardship
