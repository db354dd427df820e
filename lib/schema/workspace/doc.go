// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace defines Matrix state event content types for Bureau
// workspace lifecycle: project configuration, workspace state tracking,
// and git worktree management.
package workspace
