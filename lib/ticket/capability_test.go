// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"testing"

	"github.com/bureau-foundation/bureau/internal/core"
	"github.com/bureau-foundation/bureau/lib/ref"
)

func mustUserID(t *testing.T, raw string) ref.UserID {
	t.Helper()
	id, err := ref.ParseUserID(raw)
	if err != nil {
		t.Fatalf("ParseUserID(%q): %v", raw, err)
	}
	return id
}

func TestNewStewardshipGrantRejectsEmptyTicketID(t *testing.T) {
	_, err := NewStewardshipGrant("", mustUserID(t, "@pm:bureau.local"), nil, nil)
	if err == nil {
		t.Fatal("expected an error for an empty ticket ID")
	}
}

func TestStewardshipGrantHolder(t *testing.T) {
	assignee := mustUserID(t, "@pm:bureau.local")
	grant, err := NewStewardshipGrant("tkt-a3f9", assignee, nil, nil)
	if err != nil {
		t.Fatalf("NewStewardshipGrant: %v", err)
	}

	holder, ok := grant.Holder()
	if !ok || holder != assignee {
		t.Errorf("got holder=%v ok=%v, want %v, true", holder, ok, assignee)
	}
}

func TestStewardshipGrantRelease(t *testing.T) {
	released := false
	grant, err := NewStewardshipGrant("tkt-a3f9", mustUserID(t, "@pm:bureau.local"), func() error {
		released = true
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewStewardshipGrant: %v", err)
	}

	if err := grant.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released {
		t.Error("Release should have invoked the release callback")
	}
}

func TestStewardshipGrantTransfer(t *testing.T) {
	var got ref.UserID
	next := mustUserID(t, "@reviewer:bureau.local")

	grant, err := NewStewardshipGrant("tkt-a3f9", mustUserID(t, "@pm:bureau.local"), nil, func(transferee ref.UserID) error {
		got = transferee
		return nil
	})
	if err != nil {
		t.Fatalf("NewStewardshipGrant: %v", err)
	}

	if err := grant.Transfer(next); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got != next {
		t.Errorf("callback received %v, want %v", got, next)
	}
}

func TestStewardshipGrantClassifiesAsRemote(t *testing.T) {
	grant, err := NewStewardshipGrant("tkt-a3f9", mustUserID(t, "@pm:bureau.local"), nil, nil)
	if err != nil {
		t.Fatalf("NewStewardshipGrant: %v", err)
	}

	style, err := core.ClassifyOf(grant.Remotable())
	if err != nil {
		t.Fatalf("ClassifyOf: %v", err)
	}
	if style != core.PassRemote {
		t.Errorf("got %q, want remote", style)
	}
}

func TestPendingReviewIdentityIsUnique(t *testing.T) {
	a := NewPendingReview()
	b := NewPendingReview()
	if a.Future() == b.Future() {
		t.Fatal("two distinct pending reviews must not share a future identity")
	}

	style, err := core.ClassifyOf(a.Future())
	if err != nil {
		t.Fatalf("ClassifyOf: %v", err)
	}
	if style != core.PassFuture {
		t.Errorf("got %q, want future", style)
	}
}
