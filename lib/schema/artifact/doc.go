// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact defines Matrix state event content types for Bureau
// artifact service integration: scope configuration, tag subscriptions,
// and the [EventTypeArtifactScope] event type constant.
package artifact
