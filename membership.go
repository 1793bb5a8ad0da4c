// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// membership.go - membership reconciliation from the assertion ledger

package burrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"
)

// Role is a member's role within a group.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// AssertionKind discriminates Add from Remove assertions.
type AssertionKind uint8

const (
	AssertAdd AssertionKind = iota + 1
	AssertRemove
)

// MembershipAssertion is a signed, timestamped claim that a user was
// added to or removed from a group. Assertions are immutable, append
// only, and arrive out of order and possibly duplicated.
type MembershipAssertion struct {
	GroupExternalID string
	Subject         string
	Kind            AssertionKind
	AssertedAt      time.Time
	AssertingUser   string
	RoleHint        Role

	// EventID is the relay event id carrying this assertion. It is
	// the deterministic tie breaker for identical timestamps.
	EventID string

	Signature []byte
}

// signedBody returns the byte string covered by Signature.
func (a *MembershipAssertion) signedBody() []byte {
	body, err := cbor.Marshal(&MembershipAssertion{
		GroupExternalID: a.GroupExternalID,
		Subject:         a.Subject,
		Kind:            a.Kind,
		AssertedAt:      a.AssertedAt.UTC(),
		AssertingUser:   a.AssertingUser,
		RoleHint:        a.RoleHint,
	})
	if err != nil {
		panic(err)
	}
	return body
}

// Sign signs the assertion with the asserting user's identity.
func (a *MembershipAssertion) Sign(id *Identity) {
	a.AssertingUser = id.UserID()
	a.Signature = id.Sign(a.signedBody())
}

// VerifySignature checks the assertion against its asserting user.
func (a *MembershipAssertion) VerifySignature() bool {
	return Verify(a.AssertingUser, a.signedBody(), a.Signature)
}

// Before reports whether a loses to b under last-writer-wins. Ties at
// identical timestamps are broken by comparing event ids; the higher
// id wins, which makes the outcome independent of arrival order.
func (a *MembershipAssertion) Before(b *MembershipAssertion) bool {
	if a.AssertedAt.Before(b.AssertedAt) {
		return true
	}
	if b.AssertedAt.Before(a.AssertedAt) {
		return false
	}
	return a.EventID < b.EventID
}

// Roster is an authoritative admin list published for a group. When
// present it takes precedence over role hints, but it never hides a
// member the assertion ledger reconstructs: the reconciled member set
// is a superset union of both sources.
type Roster struct {
	GroupExternalID string
	Admins          []string
}

type memberView struct {
	members map[string]Role
	version uint64
	stale   bool
}

// Reconciler converts the stream of signed add/remove assertions into
// a current membership set per group. Results are cached with a
// monotonically increasing version counter; any write to the assertion
// ledger bumps the version so dependent views know to recompute.
type Reconciler struct {
	sync.RWMutex

	store     *Store
	transport Transport
	log       *logging.Logger

	cache map[string]*memberView
}

// NewReconciler creates a Reconciler.
func NewReconciler(log *logging.Logger, store *Store, transport Transport) *Reconciler {
	return &Reconciler{
		store:     store,
		transport: transport,
		log:       log,
		cache:     make(map[string]*memberView),
	}
}

// assertionFromEvent parses and verifies an assertion event, returning
// nil for events that do not verify.
func assertionFromEvent(ev *Event) *MembershipAssertion {
	if ev.Kind != KindMembershipAdd && ev.Kind != KindMembershipRem {
		return nil
	}
	a := new(MembershipAssertion)
	if _, err := cbor.UnmarshalFirst(ev.Content, a); err != nil {
		return nil
	}
	a.EventID = ev.ID
	if !a.VerifySignature() {
		return nil
	}
	if ev.Kind == KindMembershipAdd && a.Kind != AssertAdd {
		return nil
	}
	if ev.Kind == KindMembershipRem && a.Kind != AssertRemove {
		return nil
	}
	return a
}

// fold computes the member set from the winning assertions: a subject
// is a member iff its latest Add is strictly newer than its latest
// Remove, where ties at identical timestamps are ordered by event id.
func fold(assertions []*MembershipAssertion) map[string]Role {
	latest := make(map[string]map[AssertionKind]*MembershipAssertion)
	for _, a := range assertions {
		slots, ok := latest[a.Subject]
		if !ok {
			slots = make(map[AssertionKind]*MembershipAssertion)
			latest[a.Subject] = slots
		}
		if prev, ok := slots[a.Kind]; !ok || prev.Before(a) {
			slots[a.Kind] = a
		}
	}
	members := make(map[string]Role)
	for subject, slots := range latest {
		add, hasAdd := slots[AssertAdd]
		if !hasAdd {
			continue
		}
		if rem, hasRem := slots[AssertRemove]; hasRem && !rem.Before(add) {
			continue
		}
		role := add.RoleHint
		if role == "" {
			role = RoleMember
		}
		members[subject] = role
	}
	return members
}

// Ingest records one assertion into the ledger cache and invalidates
// the computed membership if the assertion won its slot. It returns
// true when the assertion changed the ledger.
func (r *Reconciler) Ingest(a *MembershipAssertion) (bool, error) {
	changed, err := r.store.PutAssertion(a)
	if err != nil {
		return false, err
	}
	if changed {
		r.Invalidate(a.GroupExternalID)
	}
	return changed, nil
}

// Invalidate drops the cached member set for a group and bumps its
// version counter. This is a cooperative invalidation contract: the
// version moves, dependent views recompute when they next look.
func (r *Reconciler) Invalidate(externalID string) {
	r.Lock()
	defer r.Unlock()
	view, ok := r.cache[externalID]
	if !ok {
		view = &memberView{version: 0}
		r.cache[externalID] = view
	}
	view.members = nil
	view.version++
}

// Version returns the current cache version for a group.
func (r *Reconciler) Version(externalID string) uint64 {
	r.RLock()
	defer r.RUnlock()
	if view, ok := r.cache[externalID]; ok {
		return view.version
	}
	return 0
}

// Reconcile returns the current member set for a group, cache-first.
// The assertion ledger is re-fetched from the network in the
// background; a fetch failure falls back silently to the last
// computed set, because default-deny on membership checks would lock
// users out of their own groups during transient connectivity loss.
func (r *Reconciler) Reconcile(ctx context.Context, externalID string) (map[string]Role, error) {
	r.RLock()
	if view, ok := r.cache[externalID]; ok && view.members != nil {
		members := copyMembers(view.members)
		r.RUnlock()
		return members, nil
	}
	r.RUnlock()
	return r.recompute(ctx, externalID)
}

// Refresh fetches the assertion ledger from the relay and folds any
// new assertions in. Returns ErrStaleMembership wrapped around the
// transport failure when the network is unreachable; the cached
// answer remains valid in that case.
func (r *Reconciler) Refresh(ctx context.Context, externalID string) error {
	events, err := r.transport.RequestPastEvents(ctx, &Filter{
		Kinds:    []int{KindMembershipAdd, KindMembershipRem},
		Tags:     map[string][]string{TagGroup: {externalID}},
		UseCache: false,
	})
	if err != nil {
		r.Lock()
		if view, ok := r.cache[externalID]; ok {
			view.stale = true
		}
		r.Unlock()
		return fmt.Errorf("%w: %w", ErrStaleMembership, &TransientNetworkError{Op: "Refresh", Err: err})
	}
	for _, ev := range events {
		a := assertionFromEvent(ev)
		if a == nil {
			r.log.Debugf("dropping unverifiable assertion event %s", ev.ID)
			continue
		}
		if _, err := r.Ingest(a); err != nil {
			return err
		}
	}
	r.Lock()
	if view, ok := r.cache[externalID]; ok {
		view.stale = false
	}
	r.Unlock()
	return nil
}

func (r *Reconciler) recompute(ctx context.Context, externalID string) (map[string]Role, error) {
	assertions, err := r.store.AssertionsForGroup(externalID)
	if err != nil {
		return nil, err
	}
	members := fold(assertions)
	r.applyRoster(externalID, members)

	r.Lock()
	view, ok := r.cache[externalID]
	if !ok {
		view = &memberView{}
		r.cache[externalID] = view
	}
	view.members = members
	r.Unlock()
	return copyMembers(members), nil
}

// applyRoster overlays the authoritative admin list, if one is cached
// on the transport, as a superset union over the reconstructed set.
func (r *Reconciler) applyRoster(externalID string, members map[string]Role) {
	events := r.transport.QueryCachedEvents(&Filter{
		Kinds: []int{KindRoster},
		Tags:  map[string][]string{TagGroup: {externalID}},
		Limit: 1,
	})
	if len(events) == 0 {
		return
	}
	roster := new(Roster)
	if _, err := cbor.UnmarshalFirst(events[0].Content, roster); err != nil {
		return
	}
	for _, admin := range roster.Admins {
		members[admin] = RoleAdmin
	}
}

// IsMember reports whether userID currently belongs to the group. A
// failed reconcile never propagates to callers; the last known answer
// is returned, possibly stale.
func (r *Reconciler) IsMember(ctx context.Context, externalID, userID string) bool {
	members, err := r.Reconcile(ctx, externalID)
	if err != nil {
		r.log.Warningf("reconcile for %s failed, serving last known state: %v", externalID, err)
		r.RLock()
		defer r.RUnlock()
		if view, ok := r.cache[externalID]; ok && view.members != nil {
			_, is := view.members[userID]
			return is
		}
		return false
	}
	_, is := members[userID]
	return is
}

// Members returns the sorted member ids of a group.
func (r *Reconciler) Members(ctx context.Context, externalID string) []string {
	members, err := r.Reconcile(ctx, externalID)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func copyMembers(m map[string]Role) map[string]Role {
	out := make(map[string]Role, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
