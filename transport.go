// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// transport.go - relay event transport contract

package burrow

import (
	"context"
	"time"
)

// Tags is a key to values multi-map attached to every event. It is
// used for group, recipient, quote and reaction references.
type Tags map[string][]string

// First returns the first value for key or the empty string.
func (t Tags) First(key string) string {
	if vs, ok := t[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Add appends a value to the given key.
func (t Tags) Add(key, value string) {
	t[key] = append(t[key], value)
}

// Event is a single relay event. The ID is globally unique and is
// assigned by the transport when the event is published.
type Event struct {
	ID        string
	Kind      int
	AuthorID  string
	CreatedAt time.Time
	Tags      Tags
	Content   []byte
}

// Filter selects events by kind and tag values, bounded by an optional
// time window and a limit.
type Filter struct {
	Kinds []int
	Tags  map[string][]string

	// Since selects events strictly newer than the given time.
	Since *time.Time

	// Until selects events strictly older than the given time.
	Until *time.Time

	Limit int

	// UseCache allows the transport to serve previously seen events
	// without a network round trip.
	UseCache bool
}

// GroupResolver maps a hex encoded external group identifier to the
// group's current crypto state, or nil if the group is unknown. A
// transport that performs inline decryption calls this for every
// group-tagged ciphertext event it delivers.
type GroupResolver func(externalIDHex string) *GroupState

// Transport is the narrow contract this engine consumes from the relay
// client. Connection management, subscription bookkeeping and websocket
// framing all live behind it. Commit notification payloads rely on the
// transport being confidential per recipient.
type Transport interface {
	// Publish sends the event to the relay and returns the assigned
	// event ID.
	Publish(ctx context.Context, ev *Event) (string, error)

	// RequestPastEvents performs a one-shot query against the relay,
	// cache-first when the filter allows it.
	RequestPastEvents(ctx context.Context, f *Filter) ([]*Event, error)

	// Subscribe returns a live stream of events matching the filter.
	// The stream is closed when the context is cancelled.
	Subscribe(ctx context.Context, f *Filter) (<-chan *Event, error)

	// QueryCachedEvents serves matching events from the local cache
	// only, without touching the network.
	QueryCachedEvents(f *Filter) []*Event

	// SetGroupResolver installs the callback the transport may use to
	// decrypt group-tagged events before delivery.
	SetGroupResolver(resolve GroupResolver)
}
