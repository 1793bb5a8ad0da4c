// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// timeline_test.go - timeline sync and pagination tests

package burrow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

type timelineFixture struct {
	sync      *TimelineSync
	transport *memTransport
	crypto    *memCrypto
	group     *Group
	user      string
}

func newTimelineFixture(t *testing.T) *timelineFixture {
	require := require.New(t)
	s, err := OpenStore(testLogger("timeline_test"), filepath.Join(t.TempDir(), "state.db"), []byte("pw"))
	require.NoError(err)
	t.Cleanup(func() { s.Close() })

	crypto := new(memCrypto)
	state, err := crypto.Create(context.Background())
	require.NoError(err)
	g := newGroup("pals", state, "alice")

	tr := newMemTransport()
	r := NewReconciler(testLogger("timeline_test"), s, tr)
	_, err = r.Ingest(&MembershipAssertion{
		GroupExternalID: g.ExternalID,
		Subject:         "alice",
		Kind:            AssertAdd,
		AssertedAt:      time.Now().UTC().Add(-time.Hour),
		RoleHint:        RoleAdmin,
		EventID:         "evt-genesis",
	})
	require.NoError(err)

	ts := NewTimelineSync(testLogger("timeline_test"), s, tr, crypto, r, func(id string) *Group {
		if id == g.ExternalID {
			return g
		}
		return nil
	})
	return &timelineFixture{sync: ts, transport: tr, crypto: crypto, group: g, user: "alice"}
}

// messageEvent publishes an encrypted group message authored by author.
func (f *timelineFixture) messageEvent(t *testing.T, author string, content []byte, tags Tags, at time.Time) *Event {
	require := require.New(t)
	if tags == nil {
		tags = make(Tags)
	}
	body, err := cbor.Marshal(&messageBody{Content: content, Tags: tags})
	require.NoError(err)
	ciphertext, err := f.crypto.Encrypt(context.Background(), f.group.State(), body)
	require.NoError(err)
	ev := &Event{
		Kind:      KindGroupMessage,
		AuthorID:  author,
		CreatedAt: at,
		Tags:      Tags{TagGroup: {f.group.ExternalID}},
		Content:   ciphertext,
	}
	ev.ID = mustPublish(t, f.transport, ev)
	return ev
}

func TestTimelineDedup(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()

	ev := f.messageEvent(t, "bob", []byte("hi"), nil, time.Now())
	entry := f.sync.OnLiveEvent(ctx, f.user, ev)
	require.NotNil(entry)
	require.Equal([]byte("hi"), entry.Content)

	// a replayed event id merges to nothing
	require.Nil(f.sync.OnLiveEvent(ctx, f.user, ev))
	require.Len(f.sync.Page(f.group.ExternalID, 0), 1)
}

func TestTimelineNonMemberDrop(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)

	ev := f.messageEvent(t, "bob", []byte("hi"), nil, time.Now())
	require.Nil(f.sync.OnLiveEvent(context.Background(), "mallory", ev))
	require.Empty(f.sync.Page(f.group.ExternalID, 0))
}

func TestTimelinePagination(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	ext := f.group.ExternalID

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 120; i++ {
		f.messageEvent(t, "bob", []byte(fmt.Sprintf("msg %d", i)), nil, base.Add(time.Duration(i)*time.Second))
	}

	fresh, err := f.sync.RefreshNewest(ctx, ext)
	require.NoError(err)
	require.Len(fresh, PageSize)
	require.True(f.sync.HasMore(ext))

	// a full page means history may continue
	fresh, hasMore, err := f.sync.LoadOlderPage(ctx, ext)
	require.NoError(err)
	require.Len(fresh, PageSize)
	require.True(hasMore)

	// a short page exhausts history
	fresh, hasMore, err = f.sync.LoadOlderPage(ctx, ext)
	require.NoError(err)
	require.Len(fresh, 20)
	require.False(hasMore)
	require.False(f.sync.HasMore(ext))

	page := f.sync.Page(ext, 0)
	require.Len(page, 120)
	require.Equal([]byte("msg 119"), page[0].Content)
	require.Equal([]byte("msg 0"), page[119].Content)
}

func TestPaginationAdvancesThroughReplyOnlyPages(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	ext := f.group.ExternalID

	base := time.Now().Add(-time.Hour)
	root := f.messageEvent(t, "alice", []byte("root"), nil, base.Add(200*time.Second))
	for i := 0; i < 120; i++ {
		tags := make(Tags)
		tags.Add("reply", root.ID)
		tags.Add(TagRef, root.ID)
		f.messageEvent(t, "bob", []byte("re"), tags, base.Add(time.Duration(i)*time.Second))
	}

	_, err := f.sync.RefreshNewest(ctx, ext)
	require.NoError(err)

	// pages made of nothing but replies must still advance the cursor
	// and eventually exhaust history
	done := false
	for i := 0; i < 10 && !done; i++ {
		_, hasMore, err := f.sync.LoadOlderPage(ctx, ext)
		require.NoError(err)
		done = !hasMore
	}
	require.True(done)
	require.False(f.sync.HasMore(ext))
	require.Len(f.sync.Replies(ext), 120)
	require.Len(f.sync.Page(ext, 0), 1)
}

func TestTimelineRefreshIsIncremental(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	ext := f.group.ExternalID

	base := time.Now().Add(-time.Minute)
	f.messageEvent(t, "bob", []byte("old"), nil, base)

	fresh, err := f.sync.RefreshNewest(ctx, ext)
	require.NoError(err)
	require.Len(fresh, 1)

	f.messageEvent(t, "bob", []byte("new"), nil, base.Add(time.Second))
	fresh, err = f.sync.RefreshNewest(ctx, ext)
	require.NoError(err)
	require.Len(fresh, 1)
	require.Equal([]byte("new"), fresh[0].Content)
	require.Len(f.sync.Page(ext, 0), 2)
}

func TestReactionToggle(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	target := f.messageEvent(t, "alice", []byte("post"), nil, base)
	f.sync.OnLiveEvent(ctx, f.user, target)

	react := func(author, value string, at time.Time) {
		tags := make(Tags)
		tags.Add("reaction", value)
		tags.Add(TagRef, target.ID)
		ev := f.messageEvent(t, author, nil, tags, at)
		f.sync.OnLiveEvent(ctx, f.user, ev)
	}

	react("bob", "+", base.Add(time.Second))
	require.Equal(1, f.sync.LikeCount(target.ID))

	// liking twice is idempotent
	react("bob", "+", base.Add(2*time.Second))
	require.Equal(1, f.sync.LikeCount(target.ID))

	// unlike replaces the earlier like
	react("bob", "-", base.Add(3*time.Second))
	require.Equal(0, f.sync.LikeCount(target.ID))

	react("carol", "+", base.Add(4*time.Second))
	require.Equal(1, f.sync.LikeCount(target.ID))

	// stale duplicates of the old like never resurrect it
	react("bob", "+", base.Add(time.Second))
	require.Equal(1, f.sync.LikeCount(target.ID))

	// reactions never show up as timeline entries
	require.Len(f.sync.Page(f.group.ExternalID, 0), 1)
}

func TestReactionsSurviveRestart(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	ext := f.group.ExternalID
	base := time.Now().Add(-time.Minute)

	target := f.messageEvent(t, "alice", []byte("post"), nil, base)
	require.NotNil(f.sync.OnLiveEvent(ctx, f.user, target))
	tags := make(Tags)
	tags.Add("reaction", "+")
	tags.Add(TagRef, target.ID)
	f.sync.OnLiveEvent(ctx, f.user, f.messageEvent(t, "bob", nil, tags, base.Add(time.Second)))
	require.Equal(1, f.sync.LikeCount(target.ID))

	// a second sync over the same store rebuilds the aggregate from
	// the disk cache alone
	again := NewTimelineSync(testLogger("timeline_test"), f.sync.store, f.transport, f.crypto, f.sync.reconciler, f.sync.resolve)
	f.transport.setOffline(true)
	page, err := again.LoadFirstPage(ctx, ext)
	require.NoError(err)
	require.Len(page, 1)
	require.Equal(1, again.LikeCount(target.ID))
}

func TestReplyStream(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	target := f.messageEvent(t, "alice", []byte("post"), nil, base)
	f.sync.OnLiveEvent(ctx, f.user, target)

	tags := make(Tags)
	tags.Add("reply", target.ID)
	tags.Add(TagRef, target.ID)
	reply := f.messageEvent(t, "bob", []byte("re: post"), tags, base.Add(time.Second))
	entry := f.sync.OnLiveEvent(ctx, f.user, reply)
	require.NotNil(entry)
	require.Equal(target.ID, entry.ReplyTo())

	// replies are filed into their own stream, not the primary page
	require.Len(f.sync.Page(f.group.ExternalID, 0), 1)
	replies := f.sync.Replies(f.group.ExternalID)
	require.Len(replies, 1)
	require.Equal([]byte("re: post"), replies[0].Content)
}

func TestAbandonDiscardsInFlightFetch(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ext := f.group.ExternalID

	entry := &TimelineEntry{
		EventID:         "evt-late",
		GroupExternalID: ext,
		AuthorID:        "bob",
		CreatedAt:       time.Now(),
		Content:         []byte("late"),
		Tags:            make(Tags),
	}
	f.sync.Abandon(ext)

	// a merge carrying a pre-abandon generation is dropped
	require.Nil(f.sync.merge(ext, 0, []*TimelineEntry{entry}))
	require.Empty(f.sync.Page(ext, 0))
}

func TestTimelineWipe(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	ext := f.group.ExternalID

	ev := f.messageEvent(t, "bob", []byte("hi"), nil, time.Now())
	require.NotNil(f.sync.OnLiveEvent(ctx, f.user, ev))
	require.NoError(f.sync.Wipe(ext))

	require.Empty(f.sync.Page(ext, 0))
	require.Empty(f.sync.Unified(0))
	require.True(f.sync.HasMore(ext))

	_, err := f.sync.Entry(ext, ev.ID)
	require.ErrorIs(err, errEntryNotFound)
}

func TestLoadFirstPageServesCache(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ctx := context.Background()
	ext := f.group.ExternalID

	ev := f.messageEvent(t, "bob", []byte("cached"), nil, time.Now().Add(-time.Minute))
	require.NotNil(f.sync.OnLiveEvent(ctx, f.user, ev))

	// a second sync over the same store starts from the disk cache
	again := NewTimelineSync(testLogger("timeline_test"), f.sync.store, f.transport, f.crypto, f.sync.reconciler, f.sync.resolve)
	f.transport.setOffline(true)
	page, err := again.LoadFirstPage(ctx, ext)
	require.NoError(err)
	require.Len(page, 1)
	require.Equal([]byte("cached"), page[0].Content)
}

func TestUnifiedFeed(t *testing.T) {
	require := require.New(t)
	f := newTimelineFixture(t)
	ext := f.group.ExternalID
	base := time.Now().Add(-time.Minute)

	entries := []*TimelineEntry{
		{EventID: "evt-a", GroupExternalID: ext, AuthorID: "bob", CreatedAt: base, Content: []byte("first"), Tags: make(Tags)},
		{EventID: "evt-b", GroupExternalID: "other", AuthorID: "bob", CreatedAt: base.Add(time.Second), Content: []byte("second"), Tags: make(Tags)},
	}
	f.sync.merge(ext, 0, entries[:1])
	f.sync.merge("other", 0, entries[1:])

	feed := f.sync.Unified(0)
	require.Len(feed, 2)
	require.Equal("evt-b", feed[0].EventID)
	require.Equal("evt-a", feed[1].EventID)

	require.Len(f.sync.Unified(1), 1)
}
