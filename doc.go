// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// doc.go - package documentation

// Package burrow implements a client-side engine for end-to-end
// encrypted group messaging over an eventually consistent relay event
// transport. It manages the group lifecycle (create, invite, welcome,
// commit) against an opaque group key protocol provider, reconciles
// membership from a ledger of signed add/remove assertions, keeps
// per-group and unified timelines synchronized cache-first with the
// relay, and maintains encrypted identity and group backups that allow
// a new device to bootstrap from a recovery secret alone.
package burrow
