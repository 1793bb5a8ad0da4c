// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// constants.go - burrow constants

package burrow

import (
	"time"
)

const (
	// PageSize is the number of timeline entries fetched per page.
	PageSize = 50

	// BackupFlushInterval is the interval at which dirty group backups
	// are flushed when no mutation has triggered an earlier flush.
	BackupFlushInterval = 24 * time.Hour

	// BackupRetryDelay is how long a failed backup waits before it is
	// retried.
	BackupRetryDelay = 5 * time.Minute

	// SendRetryDelay is how long a failed network send waits before it
	// is re-sent verbatim.
	SendRetryDelay = 1 * time.Minute

	// GroupIDLen is the length of a cryptographic group identifier.
	GroupIDLen = 32
)

// Event kinds understood by the engine. The transport treats kinds as
// opaque integers; these values partition the relay's event space.
const (
	KindGroupMessage   = 10
	KindMembershipAdd  = 11
	KindMembershipRem  = 12
	KindWelcome        = 13
	KindCommit         = 14
	KindInvite         = 15
	KindRoster         = 16
	KindIdentityBackup = 17
	KindGroupBackup    = 18
)

// Well known tag keys.
const (
	// TagGroup carries the hex encoded external group identifier.
	TagGroup = "group"

	// TagRecipient addresses an event to a single user.
	TagRecipient = "p"

	// TagRef references another event, used by replies and reactions.
	TagRef = "e"

	// TagSubject names the user a membership assertion is about.
	TagSubject = "member"

	// TagLocator is the self-addressing key under which backup records
	// are stored and replaced.
	TagLocator = "d"
)
