// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// membership_test.go - membership reconciliation tests

package burrow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func testReconciler(t *testing.T) (*Reconciler, *memTransport, *Store) {
	s, err := OpenStore(testLogger("membership_test"), filepath.Join(t.TempDir(), "state.db"), []byte("pw"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	tr := newMemTransport()
	return NewReconciler(testLogger("membership_test"), s, tr), tr, s
}

func TestFoldOrderIndependence(t *testing.T) {
	require := require.New(t)
	base := time.Now().UTC().Truncate(time.Second)
	assertions := []*MembershipAssertion{
		{GroupExternalID: "g1", Subject: "bob", Kind: AssertAdd, AssertedAt: base, EventID: "evt000001"},
		{GroupExternalID: "g1", Subject: "bob", Kind: AssertRemove, AssertedAt: base.Add(time.Minute), EventID: "evt000002"},
		{GroupExternalID: "g1", Subject: "bob", Kind: AssertAdd, AssertedAt: base.Add(2 * time.Minute), EventID: "evt000003"},
	}
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, p := range perms {
		in := []*MembershipAssertion{assertions[p[0]], assertions[p[1]], assertions[p[2]]}
		members := fold(in)
		require.Contains(members, "bob", "permutation %v", p)
	}

	// drop the re-add; every order must now converge on removal
	removed := assertions[:2]
	members := fold([]*MembershipAssertion{removed[1], removed[0]})
	require.NotContains(members, "bob")
	members = fold([]*MembershipAssertion{removed[0], removed[1]})
	require.NotContains(members, "bob")
}

func TestFoldTimestampTieBreak(t *testing.T) {
	require := require.New(t)
	at := time.Now().UTC()

	add := &MembershipAssertion{GroupExternalID: "g1", Subject: "bob", Kind: AssertAdd, AssertedAt: at, EventID: "evt000002"}
	rem := &MembershipAssertion{GroupExternalID: "g1", Subject: "bob", Kind: AssertRemove, AssertedAt: at, EventID: "evt000001"}

	// the higher event id wins the tie, deterministically
	members := fold([]*MembershipAssertion{add, rem})
	require.Contains(members, "bob")
	require.Equal(members, fold([]*MembershipAssertion{rem, add}))

	add.EventID, rem.EventID = rem.EventID, add.EventID
	members = fold([]*MembershipAssertion{add, rem})
	require.NotContains(members, "bob")
}

func TestReconcilerIngestAndVersion(t *testing.T) {
	require := require.New(t)
	r, _, _ := testReconciler(t)
	ctx := context.Background()

	a := &MembershipAssertion{
		GroupExternalID: "g1",
		Subject:         "alice",
		Kind:            AssertAdd,
		AssertedAt:      time.Now().UTC(),
		RoleHint:        RoleAdmin,
		EventID:         "evt000001",
	}
	changed, err := r.Ingest(a)
	require.NoError(err)
	require.True(changed)
	v1 := r.Version("g1")
	require.NotZero(v1)

	// replay is idempotent and does not move the version
	changed, err = r.Ingest(a)
	require.NoError(err)
	require.False(changed)
	require.Equal(v1, r.Version("g1"))

	members, err := r.Reconcile(ctx, "g1")
	require.NoError(err)
	require.Equal(RoleAdmin, members["alice"])
	require.True(r.IsMember(ctx, "g1", "alice"))
	require.False(r.IsMember(ctx, "g1", "mallory"))
}

func TestReconcilerOfflineFallback(t *testing.T) {
	require := require.New(t)
	r, tr, _ := testReconciler(t)
	ctx := context.Background()

	_, err := r.Ingest(&MembershipAssertion{
		GroupExternalID: "g1",
		Subject:         "alice",
		Kind:            AssertAdd,
		AssertedAt:      time.Now().UTC(),
		EventID:         "evt000001",
	})
	require.NoError(err)
	require.True(r.IsMember(ctx, "g1", "alice"))

	tr.setOffline(true)
	err = r.Refresh(ctx, "g1")
	require.Error(err)
	require.ErrorIs(err, ErrStaleMembership)

	// a failed refresh never degrades to default-deny
	require.True(r.IsMember(ctx, "g1", "alice"))
	require.Equal([]string{"alice"}, r.Members(ctx, "g1"))
}

func TestReconcilerRefreshFoldsLedger(t *testing.T) {
	require := require.New(t)
	r, tr, _ := testReconciler(t)
	ctx := context.Background()

	alice, err := NewIdentity()
	require.NoError(err)

	_, err = signedAddEvent(tr, alice, "g1", alice.UserID(), RoleAdmin, time.Now())
	require.NoError(err)
	_, err = signedAddEvent(tr, alice, "g1", "bob", RoleMember, time.Now().Add(time.Second))
	require.NoError(err)

	require.NoError(r.Refresh(ctx, "g1"))
	require.Equal(2, len(r.Members(ctx, "g1")))
	require.True(r.IsMember(ctx, "g1", "bob"))
}

func TestReconcilerRosterSupersetUnion(t *testing.T) {
	require := require.New(t)
	r, tr, _ := testReconciler(t)
	ctx := context.Background()

	_, err := r.Ingest(&MembershipAssertion{
		GroupExternalID: "g1",
		Subject:         "alice",
		Kind:            AssertAdd,
		AssertedAt:      time.Now().UTC(),
		EventID:         "evt000001",
	})
	require.NoError(err)

	content, err := cbor.Marshal(&Roster{GroupExternalID: "g1", Admins: []string{"carol"}})
	require.NoError(err)
	mustPublish(t, tr, &Event{
		Kind:      KindRoster,
		AuthorID:  "carol",
		CreatedAt: time.Now(),
		Tags:      Tags{TagGroup: {"g1"}},
		Content:   content,
	})
	r.Invalidate("g1")

	// the roster adds admins but never hides ledger members
	members, err := r.Reconcile(ctx, "g1")
	require.NoError(err)
	require.Contains(members, "alice")
	require.Equal(RoleAdmin, members["carol"])
}

func TestAssertionEventVerification(t *testing.T) {
	require := require.New(t)
	tr := newMemTransport()

	alice, err := NewIdentity()
	require.NoError(err)
	ev, err := signedAddEvent(tr, alice, "g1", "bob", RoleMember, time.Now())
	require.NoError(err)

	a := assertionFromEvent(ev)
	require.NotNil(a)
	require.Equal(alice.UserID(), a.AssertingUser)
	require.Equal(ev.ID, a.EventID)
	require.True(a.VerifySignature())

	// tampering breaks the signature
	tampered := *a
	tampered.Subject = "mallory"
	require.False(tampered.VerifySignature())

	// an add assertion on a remove event kind is rejected
	wrongKind := *ev
	wrongKind.Kind = KindMembershipRem
	require.Nil(assertionFromEvent(&wrongKind))

	garbage := *ev
	garbage.Content = []byte("not cbor")
	require.Nil(assertionFromEvent(&garbage))
}
