// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"fmt"

	"github.com/bureau-foundation/bureau/internal/core"
	"github.com/bureau-foundation/bureau/lib/ref"
)

// StewardshipGrant is the exclusive write capability over one ticket's
// mutable fields (status, assignee, gates) handed to whichever
// principal currently owns it. Unlike the ticket ID itself — a bare
// string anyone can read or quote — a grant is a remote-style
// capability: it is passed by reference, never copied, and its holder
// is the only party who can invoke Release or Transfer on it.
//
// A grant is created alongside a claim (open -> in_progress) and
// consumed by whatever closes the claim out (transition to review or
// closed, or an explicit release back to open). The ticket service
// holds the canonical grant for each in-progress ticket; this type is
// what travels over a [core.Marshal] when that grant crosses a wire
// boundary to the claiming agent's own process.
type StewardshipGrant struct {
	remote *core.Remotable
}

// NewStewardshipGrant wraps the assignee's hold on ticketID as a
// capability. release is invoked when the holder calls Release;
// transfer is invoked when the holder calls Transfer with a new
// assignee. Both may return an error, which the operation propagates
// to the caller rather than swallowing.
func NewStewardshipGrant(ticketID string, assignee ref.UserID, release func() error, transfer func(next ref.UserID) error) (StewardshipGrant, error) {
	if ticketID == "" {
		return StewardshipGrant{}, fmt.Errorf("ticket: stewardship grant requires a non-empty ticket ID")
	}

	operations := map[string]core.Operation{
		"Release": func(args ...any) (any, error) {
			if release == nil {
				return nil, fmt.Errorf("ticket: grant for %s has no release callback", ticketID)
			}
			return nil, release()
		},
		"Transfer": func(args ...any) (any, error) {
			if transfer == nil {
				return nil, fmt.Errorf("ticket: grant for %s has no transfer callback", ticketID)
			}
			if len(args) != 1 {
				return nil, fmt.Errorf("ticket: Transfer takes exactly one argument, got %d", len(args))
			}
			next, ok := args[0].(ref.UserID)
			if !ok {
				return nil, fmt.Errorf("ticket: Transfer argument must be a ref.UserID, got %T", args[0])
			}
			return nil, transfer(next)
		},
	}

	remote, err := core.NewRemotable("Alleged: TicketGrant:"+ticketID, operations, assignee)
	if err != nil {
		return StewardshipGrant{}, fmt.Errorf("ticket: constructing grant for %s: %w", ticketID, err)
	}
	return StewardshipGrant{remote: remote}, nil
}

// Remotable returns the underlying capability for handing to a
// [core.Marshal.Serialize] call.
func (g StewardshipGrant) Remotable() *core.Remotable { return g.remote }

// Holder returns the assignee this grant was issued to.
func (g StewardshipGrant) Holder() (ref.UserID, bool) {
	if g.remote == nil {
		return ref.UserID{}, false
	}
	holder, ok := g.remote.Target().(ref.UserID)
	return holder, ok
}

// Release invokes the grant's Release operation.
func (g StewardshipGrant) Release() error {
	if g.remote == nil {
		return fmt.Errorf("ticket: Release called on a zero-value StewardshipGrant")
	}
	op, ok := g.remote.Operation("Release")
	if !ok {
		return fmt.Errorf("ticket: grant has no Release operation")
	}
	_, err := op()
	return err
}

// Transfer invokes the grant's Transfer operation with next as the new
// holder.
func (g StewardshipGrant) Transfer(next ref.UserID) error {
	if g.remote == nil {
		return fmt.Errorf("ticket: Transfer called on a zero-value StewardshipGrant")
	}
	op, ok := g.remote.Operation("Transfer")
	if !ok {
		return fmt.Errorf("ticket: grant has no Transfer operation")
	}
	_, err := op(next)
	return err
}

// PendingReview is the not-yet-resolved outcome of a review request: a
// ticket enters "review" status with reviewers assigned, and the
// eventual approve/reject/request-changes decision is not known at
// request time. Modeling it as a [core.Future] lets the outcome be
// handed across a capability boundary (e.g. to a notification
// subscriber) before it resolves, the same way the ticket socket API
// hands out a ticket ID before the work behind it is done.
//
// PendingReview carries no payload of its own — resolution is observed
// by polling the ticket's Review field via the index, not by awaiting
// this value. Its only role in this package is to give review requests
// a wire-safe placeholder identity distinct from "no review in
// flight" (nil).
type PendingReview struct {
	future core.Future
}

// NewPendingReview returns a fresh, uniquely identified pending review
// placeholder for a ticket entering "review" status.
func NewPendingReview() PendingReview {
	return PendingReview{future: core.NewFuture()}
}

// Future returns the underlying placeholder for handing to a
// [core.Marshal.Serialize] call.
func (p PendingReview) Future() core.Future { return p.future }
