/*
Mailmirror - one-way IMAP mailbox replication tool.
Copyright © 2024 Max Mazurov <fox.cpp@disroot.org>, Mailmirror contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package state defines the durable key-value store the sync engine gates
// all work behind, and its DynamoDB implementation.
//
// The store holds three record kinds per route partition:
//
//	WATERMARK                 - high-water UID per UIDVALIDITY epoch
//	UID#<uidvalidity>#<uid>   - claim/finalize protocol records
//	FAIL#<uidvalidity>#<uid>  - diagnostic failure counters
//
// ClaimUID's conditional write is the only cross-cycle concurrency
// primitive of the whole system: exactly one concurrent runner observes
// true for any (route, uidvalidity, uid).
package state

import (
	"context"
	"fmt"
)

// UnavailableError is returned by CheckAvailable when the store cannot be
// reached or reports an unhealthy table. It is the fail-safe gate: the
// cycle driver aborts before any IMAP activity when it sees this error.
type UnavailableError struct {
	Table string
	Err   error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("state: store unavailable for table %s", e.Table)
	}
	return fmt.Sprintf("state: store unavailable for table %s: %v", e.Table, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Watermark is the per-route replay cursor. LastUID is the largest UID
// within UIDValidity for which the claim/finalize protocol reached a
// known-safe state. KnownValidity is false when the route has never
// completed a cycle.
type Watermark struct {
	UIDValidity   uint32
	KnownValidity bool
	LastUID       uint32
}

// RoutePK builds the partition key for a route identity.
func RoutePK(gmailEmail, outlookEmail, folder string) string {
	return "ROUTE#" + gmailEmail + "#DEST#" + outlookEmail + "#FOLDER#" + folder
}

// Store is the durable state contract consumed by the sync engine.
//
// Each operation is atomic at the record level. All operations except
// CheckAvailable surface failures as generic errors which are fatal to
// the current route only.
type Store interface {
	// CheckAvailable succeeds only if the store responds with a healthy
	// status for the configured table. Any failure is reported as
	// *UnavailableError.
	CheckAvailable(ctx context.Context) error

	// Watermark returns the route's replay cursor. A missing record is
	// not an error: the zero Watermark is returned.
	Watermark(ctx context.Context, pk string) (Watermark, error)

	// SetWatermark unconditionally overwrites the route's cursor.
	SetWatermark(ctx context.Context, pk string, uidValidity, lastUID uint32) error

	// ClaimUID writes a PENDING record conditionally on it not already
	// existing. It returns false, with no error, when the slot is taken
	// (PENDING or DONE). A PENDING record older than the configured
	// stale-claim threshold is treated as abandoned and reclaimed.
	ClaimUID(ctx context.Context, pk string, uidValidity, uid uint32) (bool, error)

	// FinalizeUID promotes the slot to DONE, recording both duplicate
	// detection identifiers and the record expiry.
	FinalizeUID(ctx context.Context, pk string, uidValidity, uid uint32, messageID, contentHash string, ttlDays int) error

	// AbandonPending deletes the slot record unconditionally. Used only
	// after a claim whose append failed.
	AbandonPending(ctx context.Context, pk string, uidValidity, uid uint32) error

	// UIDRecordExists reports whether a slot record exists in any state.
	// Used only by dry-run to surface would-skip decisions.
	UIDRecordExists(ctx context.Context, pk string, uidValidity, uid uint32) (bool, error)

	// RecordFailure creates or updates the failure record for the slot,
	// incrementing retry_count and replacing last_error.
	RecordFailure(ctx context.Context, pk string, uidValidity, uid uint32, cause error, ttlDays int) error

	// PayloadAlreadyCopied scans the route's DONE records and reports
	// whether any carries the same content hash, or, when messageID is
	// non-empty, the same Message-ID header value.
	PayloadAlreadyCopied(ctx context.Context, pk, messageID, contentHash string) (bool, error)
}
