// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// errors.go - error taxonomy

package burrow

import (
	"errors"
	"fmt"
)

var (
	errHalted          = errors.New("halted")
	errNotOnline       = errors.New("client is not online")
	errGroupNotFound   = errors.New("group not found")
	errEpochConflict   = errors.New("epoch already advanced past this commit")
	errInviteNotFound  = errors.New("invite not found")
	errEntryNotFound   = errors.New("timeline entry not found")
	errNotAMember      = errors.New("not a member of this group")
	errNoRecoverySeed  = errors.New("recovery secret required")
	errBackupNotFound  = errors.New("no backup record found for this recovery secret")
	errDecryptFailed   = errors.New("failed to decrypt record")
	errGroupCorrupt    = errors.New("group key state is corrupt")
	errShortCiphertext = errors.New("ciphertext too short")
)

// TransientNetworkError wraps a transport failure that is retryable.
// Callers fall back to cached state and schedule a retry.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network failure in %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ErrStaleMembership indicates a membership answer was served from a
// cache that could not be refreshed. Not fatal; callers proceed with
// the last known membership and the reconciler flags the group for
// re-sync.
var ErrStaleMembership = errors.New("membership cache is stale")

// CryptoStateError marks a single group's key state as unusable, e.g.
// a Welcome that cannot be opened or a commit at an impossible epoch.
// The group is excluded from automatic retries until re-invited; the
// rest of the client is unaffected.
type CryptoStateError struct {
	GroupID GroupID
	Err     error
}

func (e *CryptoStateError) Error() string {
	return fmt.Sprintf("crypto state corrupt for group %x: %v", e.GroupID[:], e.Err)
}

func (e *CryptoStateError) Unwrap() error { return e.Err }

// PersistenceError is fatal for the triggering operation. It is always
// raised before any network side effect that assumes the state was
// saved, so a failed save never desynchronizes us from our peers.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecoveryError is surfaced distinctly from other failures because it
// blocks device onboarding entirely.
type RecoveryError struct {
	Err error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failure: %v", e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
