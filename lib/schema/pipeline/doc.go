// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline defines the Bureau pipeline protocol types:
// pipeline definitions, step configurations, result events, and
// output declarations. These are the content structs for
// EventTypePipeline and EventTypePipelineResult state events.
package pipeline
