// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// timeline.go - cache/relay timeline merge and pagination

package burrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"
)

// TimelineEntry is a decrypted application message. Entries are never
// mutated after creation and are evicted only by explicit cache-clear.
type TimelineEntry struct {
	EventID         string
	GroupExternalID string
	AuthorID        string
	CreatedAt       time.Time
	Content         []byte
	Tags            Tags
}

// ReplyTo returns the referenced entry id for reply entries, or "".
func (e *TimelineEntry) ReplyTo() string {
	return e.Tags.First("reply")
}

// ReactionValue returns "+" or "-" for reaction entries, or "".
func (e *TimelineEntry) ReactionValue() string {
	return e.Tags.First("reaction")
}

// messageBody is the CBOR plaintext carried inside a group ciphertext.
type messageBody struct {
	Content []byte
	Tags    Tags
}

// Reaction is one user's latest reaction to a target entry.
type Reaction struct {
	TargetID string
	AuthorID string
	Value    string
	At       time.Time
	EventID  string
}

func (r *Reaction) before(o *Reaction) bool {
	if r.At.Before(o.At) {
		return true
	}
	if o.At.Before(r.At) {
		return false
	}
	return r.EventID < o.EventID
}

// timelineView is the merge state for one group.
type timelineView struct {
	entries map[string]*TimelineEntry
	order   []*TimelineEntry
	replies []*TimelineEntry
	oldest  time.Time
	hasMore bool

	// gen is bumped whenever the view is abandoned; in-flight fetch
	// results carrying an older generation are discarded, not merged.
	gen uint64
}

// TimelineSync merges cached and freshly fetched messages into one
// deduplicated, paginated, per-group timeline, and fans decrypted
// messages into a cross-group unified feed. All merges are idempotent
// under replay: inserting an EventID twice is a no-op.
type TimelineSync struct {
	sync.Mutex

	log        *logging.Logger
	store      *Store
	transport  Transport
	crypto     GroupCrypto
	reconciler *Reconciler

	// resolve maps an external group id to the group for decryption.
	resolve func(externalID string) *Group

	views   map[string]*timelineView
	unified map[string]*TimelineEntry

	// reactions holds the latest reaction per (target, author), which
	// makes like/unlike idempotent and toggle safe.
	reactions map[string]map[string]*Reaction

	pageSize int
}

// NewTimelineSync creates a TimelineSync.
func NewTimelineSync(log *logging.Logger, store *Store, transport Transport, crypto GroupCrypto, reconciler *Reconciler, resolve func(string) *Group) *TimelineSync {
	return &TimelineSync{
		log:        log,
		store:      store,
		transport:  transport,
		crypto:     crypto,
		reconciler: reconciler,
		resolve:    resolve,
		views:      make(map[string]*timelineView),
		unified:    make(map[string]*TimelineEntry),
		reactions:  make(map[string]map[string]*Reaction),
		pageSize:   PageSize,
	}
}

func (t *TimelineSync) view(externalID string) *timelineView {
	v, ok := t.views[externalID]
	if !ok {
		v = &timelineView{
			entries: make(map[string]*TimelineEntry),
			hasMore: true,
		}
		t.views[externalID] = v
	}
	return v
}

// decryptEvent turns a group ciphertext event into a TimelineEntry,
// or returns nil for events we cannot or should not decrypt.
func (t *TimelineSync) decryptEvent(ctx context.Context, ev *Event) *TimelineEntry {
	externalID := ev.Tags.First(TagGroup)
	if externalID == "" {
		return nil
	}
	g := t.resolve(externalID)
	if g == nil {
		return nil
	}
	plaintext, err := t.crypto.Decrypt(ctx, g.State(), ev.Content)
	if err != nil {
		t.log.Debugf("failed to decrypt event %s for group %s: %v", ev.ID, externalID, err)
		return nil
	}
	body := new(messageBody)
	if _, err := cbor.UnmarshalFirst(plaintext, body); err != nil {
		t.log.Debugf("malformed message body in event %s: %v", ev.ID, err)
		return nil
	}
	if body.Tags == nil {
		body.Tags = make(Tags)
	}
	return &TimelineEntry{
		EventID:         ev.ID,
		GroupExternalID: externalID,
		AuthorID:        ev.AuthorID,
		CreatedAt:       ev.CreatedAt,
		Content:         body.Content,
		Tags:            body.Tags,
	}
}

// merge files entries into the per-group and unified sets under the
// dedup rule and re-sorts. Entries that reference another entry as a
// reply are filed into the reply stream instead of the primary
// timeline; reaction entries feed the reaction aggregate. The
// pagination cursor advances over every processed entry, duplicates
// included, so pages carrying no primary messages still make progress.
// Returns the entries that were new.
func (t *TimelineSync) merge(externalID string, gen uint64, entries []*TimelineEntry) []*TimelineEntry {
	t.Lock()
	defer t.Unlock()
	v := t.view(externalID)
	if gen != v.gen {
		// the view was abandoned mid-fetch
		return nil
	}
	fresh := make([]*TimelineEntry, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		if v.oldest.IsZero() || e.CreatedAt.Before(v.oldest) {
			v.oldest = e.CreatedAt
		}
		if _, seen := v.entries[e.EventID]; seen {
			continue
		}
		v.entries[e.EventID] = e
		fresh = append(fresh, e)
		if e.ReactionValue() != "" {
			t.mergeReactionLocked(e)
			continue
		}
		if e.ReplyTo() != "" {
			v.replies = append(v.replies, e)
			continue
		}
		v.order = append(v.order, e)
		t.unified[e.EventID] = e
	}
	if len(fresh) > 0 {
		sortEntriesDesc(v.order)
		sortEntriesDesc(v.replies)
	}
	return fresh
}

func (t *TimelineSync) mergeReactionLocked(e *TimelineEntry) {
	target := e.Tags.First(TagRef)
	if target == "" {
		return
	}
	r := &Reaction{
		TargetID: target,
		AuthorID: e.AuthorID,
		Value:    e.ReactionValue(),
		At:       e.CreatedAt,
		EventID:  e.EventID,
	}
	byAuthor, ok := t.reactions[target]
	if !ok {
		byAuthor = make(map[string]*Reaction)
		t.reactions[target] = byAuthor
	}
	if prev, ok := byAuthor[e.AuthorID]; ok && !prev.before(r) {
		return
	}
	byAuthor[e.AuthorID] = r
}

func sortEntriesDesc(entries []*TimelineEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].EventID > entries[j].EventID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}

// LoadFirstPage returns the cached timeline immediately and refreshes
// from the relay in the background. The returned slice is the UI-ready
// snapshot; fresher entries arrive through the event sink.
func (t *TimelineSync) LoadFirstPage(ctx context.Context, externalID string) ([]*TimelineEntry, error) {
	cached, err := t.store.TimelineEntries(externalID)
	if err != nil {
		return nil, err
	}
	t.Lock()
	gen := t.view(externalID).gen
	t.Unlock()
	t.merge(externalID, gen, cached)
	go func() {
		if _, err := t.RefreshNewest(ctx, externalID); err != nil {
			t.log.Debugf("background refresh for %s: %v", externalID, err)
		}
	}()
	return t.Page(externalID, t.pageSize), nil
}

// RefreshNewest fetches only events strictly newer than the newest
// merged entry and merges them. Network failure degrades to the cached
// view.
func (t *TimelineSync) RefreshNewest(ctx context.Context, externalID string) ([]*TimelineEntry, error) {
	t.Lock()
	v := t.view(externalID)
	gen := v.gen
	var since *time.Time
	if len(v.order) > 0 {
		newest := v.order[0].CreatedAt
		since = &newest
	}
	t.Unlock()

	events, err := t.transport.RequestPastEvents(ctx, &Filter{
		Kinds: []int{KindGroupMessage},
		Tags:  map[string][]string{TagGroup: {externalID}},
		Since: since,
		Limit: t.pageSize,
	})
	if err != nil {
		return nil, &TransientNetworkError{Op: "RefreshNewest", Err: err}
	}
	fresh := t.merge(externalID, gen, t.decryptAll(ctx, events))
	t.persist(fresh)
	return fresh, nil
}

// LoadOlderPage fetches one page of events strictly older than the
// oldest displayed entry. hasMore is true iff the page came back full
// sized; a short page exhausts history.
func (t *TimelineSync) LoadOlderPage(ctx context.Context, externalID string) ([]*TimelineEntry, bool, error) {
	t.Lock()
	v := t.view(externalID)
	gen := v.gen
	prevOldest := v.oldest
	var until *time.Time
	if !prevOldest.IsZero() {
		oldest := prevOldest
		until = &oldest
	}
	t.Unlock()

	events, err := t.transport.RequestPastEvents(ctx, &Filter{
		Kinds:    []int{KindGroupMessage},
		Tags:     map[string][]string{TagGroup: {externalID}},
		Until:    until,
		Limit:    t.pageSize,
		UseCache: true,
	})
	if err != nil {
		return nil, t.HasMore(externalID), &TransientNetworkError{Op: "LoadOlderPage", Err: err}
	}
	hasMore := len(events) == t.pageSize
	fresh := t.merge(externalID, gen, t.decryptAll(ctx, events))
	t.persist(fresh)
	t.Lock()
	if v := t.view(externalID); v.gen == gen {
		// a page that neither merged anything new nor moved the cursor
		// cannot make progress; stop paging
		if len(fresh) == 0 && !v.oldest.Before(prevOldest) {
			hasMore = false
		}
		v.hasMore = hasMore
	}
	t.Unlock()
	return fresh, hasMore, nil
}

// OnLiveEvent merges a single subscription event, filtered to groups
// the reconciler currently confirms we belong to.
func (t *TimelineSync) OnLiveEvent(ctx context.Context, localUser string, ev *Event) *TimelineEntry {
	if ev.Kind != KindGroupMessage {
		return nil
	}
	externalID := ev.Tags.First(TagGroup)
	if externalID == "" {
		return nil
	}
	if !t.reconciler.IsMember(ctx, externalID, localUser) {
		t.log.Debugf("dropping live event %s for non-member group %s", ev.ID, externalID)
		return nil
	}
	entry := t.decryptEvent(ctx, ev)
	if entry == nil {
		return nil
	}
	t.Lock()
	gen := t.view(externalID).gen
	t.Unlock()
	fresh := t.merge(externalID, gen, []*TimelineEntry{entry})
	t.persist(fresh)
	if len(fresh) == 0 || fresh[0].ReactionValue() != "" {
		// reactions update the aggregate but are not feed entries
		return nil
	}
	return fresh[0]
}

// Abandon discards the in-flight fetch state for a group, e.g. when
// the active group is switched mid-fetch. Already merged entries are
// kept; results of outstanding fetches are dropped on arrival.
func (t *TimelineSync) Abandon(externalID string) {
	t.Lock()
	defer t.Unlock()
	t.view(externalID).gen++
}

// Wipe clears the cached timeline for a group, in memory and on disk.
func (t *TimelineSync) Wipe(externalID string) error {
	t.Lock()
	v := t.view(externalID)
	for id := range v.entries {
		delete(t.unified, id)
		// reactions target entries of the same group
		delete(t.reactions, id)
	}
	v.entries = make(map[string]*TimelineEntry)
	v.order = nil
	v.replies = nil
	v.oldest = time.Time{}
	v.hasMore = true
	v.gen++
	t.Unlock()
	return t.store.WipeTimeline(externalID)
}

// Page returns up to limit entries of the primary timeline, newest
// first.
func (t *TimelineSync) Page(externalID string, limit int) []*TimelineEntry {
	t.Lock()
	defer t.Unlock()
	v := t.view(externalID)
	n := len(v.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*TimelineEntry, n)
	copy(out, v.order[:n])
	return out
}

// Entry returns a single merged entry by event id.
func (t *TimelineSync) Entry(externalID, eventID string) (*TimelineEntry, error) {
	t.Lock()
	defer t.Unlock()
	if e, ok := t.view(externalID).entries[eventID]; ok {
		return e, nil
	}
	return nil, errEntryNotFound
}

// Replies returns the reply stream for a group, newest first.
func (t *TimelineSync) Replies(externalID string) []*TimelineEntry {
	t.Lock()
	defer t.Unlock()
	v := t.view(externalID)
	out := make([]*TimelineEntry, len(v.replies))
	copy(out, v.replies)
	return out
}

// HasMore reports whether older history may remain for a group.
func (t *TimelineSync) HasMore(externalID string) bool {
	t.Lock()
	defer t.Unlock()
	return t.view(externalID).hasMore
}

// Unified returns the cross-group feed, newest first, bounded by
// limit.
func (t *TimelineSync) Unified(limit int) []*TimelineEntry {
	t.Lock()
	out := make([]*TimelineEntry, 0, len(t.unified))
	for _, e := range t.unified {
		out = append(out, e)
	}
	t.Unlock()
	sortEntriesDesc(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// LikeCount returns the aggregate count of "+" reactions on a target,
// counting at most one per author.
func (t *TimelineSync) LikeCount(targetID string) int {
	t.Lock()
	defer t.Unlock()
	count := 0
	for _, r := range t.reactions[targetID] {
		if r.Value == "+" {
			count++
		}
	}
	return count
}

func (t *TimelineSync) decryptAll(ctx context.Context, events []*Event) []*TimelineEntry {
	entries := make([]*TimelineEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, t.decryptEvent(ctx, ev))
	}
	return entries
}

// persist writes merged entries through to the store. Cache writes are
// fire-and-forget with error logging; they never block the in-memory
// merge that unblocks the UI.
func (t *TimelineSync) persist(entries []*TimelineEntry) {
	for _, e := range entries {
		if err := t.store.PutTimelineEntry(e); err != nil {
			t.log.Errorf("failed to cache timeline entry %s: %v", e.EventID, err)
		}
	}
}
