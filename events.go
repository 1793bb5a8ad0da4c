// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// events.go - event sink payload types

package burrow

import (
	"time"
)

// GroupCreatedEvent is emitted when a locally created group is ready.
type GroupCreatedEvent struct {
	GroupExternalID string
	Name            string
}

// GroupJoinedEvent is emitted when a Welcome was accepted and the
// group's key state is installed locally.
type GroupJoinedEvent struct {
	GroupExternalID string
	Name            string
	Epoch           uint64
}

// InviteReceivedEvent is emitted when an invite addressed to the local
// user arrives.
type InviteReceivedEvent struct {
	InviteEventID   string
	GroupExternalID string
	GroupName       string
	InviterUserID   string
}

// EpochAdvancedEvent is emitted every time a group's epoch moves
// forward, locally or through an external commit.
type EpochAdvancedEvent struct {
	GroupExternalID string
	Epoch           uint64
}

// MembershipChangedEvent is emitted when the reconciled member set of
// a group changed. Version is the reconciler's invalidation counter;
// dependent views recompute when they observe a version they have not
// seen.
type MembershipChangedEvent struct {
	GroupExternalID string
	Version         uint64
}

// MessageReceivedEvent is emitted when a ciphertext for one of our
// groups was decrypted and merged into the timeline.
type MessageReceivedEvent struct {
	GroupExternalID string
	EventID         string
	AuthorID        string
	Timestamp       time.Time
}

// MessageSentEvent is emitted after a message was accepted by the
// relay.
type MessageSentEvent struct {
	GroupExternalID string
	EventID         string
}

// MessageQueuedEvent is emitted when a message could not be sent
// immediately and was spooled for retry.
type MessageQueuedEvent struct {
	GroupExternalID string
}

// GroupCorruptEvent is emitted when a group's key state became
// unusable. The conversation needs to be re-established through a
// re-invite; the rest of the client keeps working.
type GroupCorruptEvent struct {
	GroupExternalID string
	Err             error
}

// BackupCompletedEvent is emitted after an attempted backup flush.
type BackupCompletedEvent struct {
	GroupExternalID string
	Err             error
}

// ConnectionStatusEvent is emitted when the engine goes online or
// offline.
type ConnectionStatusEvent struct {
	Online bool
	Err    error
}
