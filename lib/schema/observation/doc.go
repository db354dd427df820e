// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package observation defines Matrix state event content types for Bureau
// observation layouts: tmux session structure, window/pane configuration,
// and dynamic member filtering.
package observation
