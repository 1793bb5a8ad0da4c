// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// lifecycle.go - group lifecycle: create, invite, welcome, commit

package burrow

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// doCreateGroup creates a group at epoch 0 with the local user as the
// sole member, persists it, and announces it: a self add-assertion
// marks the creator as admin and an initial roster record seeds the
// authoritative admin list.
func (c *Client) doCreateGroup(ctx context.Context, name string) (*Group, error) {
	state, err := c.crypto.Create(ctx)
	if err != nil {
		return nil, err
	}
	g := newGroup(name, state, c.identity.UserID())
	if err := c.store.PutGroup(g); err != nil {
		return nil, err
	}
	c.installGroup(g)

	assertion := &MembershipAssertion{
		GroupExternalID: g.ExternalID,
		Subject:         c.identity.UserID(),
		Kind:            AssertAdd,
		AssertedAt:      time.Now().UTC(),
		RoleHint:        RoleAdmin,
	}
	assertion.Sign(c.identity)
	if err := c.publishAssertion(ctx, assertion); err != nil {
		c.log.Warningf("group %s created, announce spooled: %v", g.ExternalID, err)
	}
	c.publishRoster(ctx, g)

	c.backups.MarkDirty(g.ExternalID)
	c.backups.FlushDirty(ctx)
	c.emit(&GroupCreatedEvent{GroupExternalID: g.ExternalID, Name: name})
	return g, nil
}

// doAddMember runs the invitation flow: the crypto layer produces a
// (commit, welcome) pair and advances the local epoch; the new epoch
// and secrets are persisted before any network send; then the Welcome
// goes to the candidate, a Commit notification to every pre-existing
// member except the actor, and the authoritative add-assertion to the
// ledger. A send failure after the persist never rolls the epoch back;
// the exact event is re-sent from the retry queue.
func (c *Client) doAddMember(ctx context.Context, externalID, userID string, memberKey []byte) error {
	g := c.groupByExternalID(externalID)
	if g == nil {
		return errGroupNotFound
	}
	if g.corrupt {
		return &CryptoStateError{GroupID: g.ID(), Err: errGroupCorrupt}
	}
	if g.hasMember(userID) {
		// idempotent: candidate already a member
		return nil
	}

	_, priorMembers := g.snapshot()

	res, err := c.crypto.AddMember(ctx, g.State(), userID, memberKey)
	if err != nil {
		return &CryptoStateError{GroupID: g.ID(), Err: err}
	}
	if !g.adopt(res.State) {
		// a concurrent commit already moved past this epoch
		return &CryptoStateError{GroupID: g.ID(), Err: errEpochConflict}
	}
	g.addMember(Member{UserID: userID, RoleHint: RoleMember})
	if err := c.store.PutGroup(g); err != nil {
		// abort before any network side effect; the epoch stays
		// advanced in memory and the group stays dirty for the
		// backup layer
		c.backups.MarkDirty(g.ExternalID)
		return err
	}

	name, members := g.snapshot()
	welcome, err := cbor.Marshal(&welcomePayload{
		GroupExternalID: g.ExternalID,
		Name:            name,
		Members:         members,
		Welcome:         res.Welcome,
	})
	if err != nil {
		return err
	}
	invite, err := cbor.Marshal(&invitePayload{
		GroupExternalID: g.ExternalID,
		Name:            name,
	})
	if err != nil {
		return err
	}
	commit, err := cbor.Marshal(&commitPayload{
		GroupExternalID: g.ExternalID,
		Epoch:           res.State.Epoch,
		Secrets:         res.State.Secrets,
		Commit:          res.Commit,
	})
	if err != nil {
		return err
	}

	now := time.Now()
	c.publishOrQueue(ctx, &Event{
		Kind:      KindInvite,
		AuthorID:  c.identity.UserID(),
		CreatedAt: now,
		Tags:      Tags{TagRecipient: {userID}, TagGroup: {g.ExternalID}},
		Content:   invite,
	})
	c.publishOrQueue(ctx, &Event{
		Kind:      KindWelcome,
		AuthorID:  c.identity.UserID(),
		CreatedAt: now,
		Tags:      Tags{TagRecipient: {userID}, TagGroup: {g.ExternalID}},
		Content:   welcome,
	})
	for _, m := range priorMembers {
		if m.UserID == c.identity.UserID() {
			continue
		}
		c.publishOrQueue(ctx, &Event{
			Kind:      KindCommit,
			AuthorID:  c.identity.UserID(),
			CreatedAt: now,
			Tags:      Tags{TagRecipient: {m.UserID}, TagGroup: {g.ExternalID}},
			Content:   commit,
		})
	}

	assertion := &MembershipAssertion{
		GroupExternalID: g.ExternalID,
		Subject:         userID,
		Kind:            AssertAdd,
		AssertedAt:      now.UTC(),
		RoleHint:        RoleMember,
	}
	assertion.Sign(c.identity)
	if err := c.publishAssertion(ctx, assertion); err != nil {
		c.log.Warningf("add-assertion for %s spooled: %v", userID, err)
	}

	c.backups.MarkDirty(g.ExternalID)
	c.backups.FlushDirty(ctx)
	c.emit(&EpochAdvancedEvent{GroupExternalID: g.ExternalID, Epoch: res.State.Epoch})
	return nil
}

// doAcceptWelcome opens a Welcome addressed to us and installs the
// group at the epoch embedded in it. The welcome key is derived from
// the long-term identity, so recovery never depends on ephemeral
// invite keys. A Welcome for a group we already hold is dropped: join
// is idempotent.
func (c *Client) doAcceptWelcome(ctx context.Context, ev *Event) {
	payload := new(welcomePayload)
	if _, err := cbor.UnmarshalFirst(ev.Content, payload); err != nil {
		c.log.Debugf("malformed welcome %s: %v", ev.ID, err)
		return
	}
	if g := c.groupByExternalID(payload.GroupExternalID); g != nil {
		c.log.Debugf("duplicate welcome for group %s dropped", payload.GroupExternalID)
		return
	}

	_, welcomeKey, err := c.crypto.DeriveKeyPair(c.identity.WelcomeKeySeed())
	if err != nil {
		c.fatal(err)
		return
	}
	state, err := c.crypto.Join(ctx, payload.Welcome, welcomeKey)
	if err != nil {
		c.log.Errorf("cannot open welcome for group %s: %v", payload.GroupExternalID, err)
		c.emit(&GroupCorruptEvent{GroupExternalID: payload.GroupExternalID, Err: err})
		return
	}
	g := joinedGroup(payload.Name, payload.GroupExternalID, state, payload.Members)
	if err := c.store.PutGroup(g); err != nil {
		c.log.Errorf("failed to persist joined group %s: %v", g.ExternalID, err)
		return
	}
	c.installGroup(g)
	c.reconciler.Invalidate(g.ExternalID)
	c.supersedeInvites(g.ExternalID)

	c.backups.MarkDirty(g.ExternalID)
	c.backups.FlushDirty(ctx)
	c.emit(&GroupJoinedEvent{GroupExternalID: g.ExternalID, Name: g.Name, Epoch: state.Epoch})
	c.emit(&MembershipChangedEvent{
		GroupExternalID: g.ExternalID,
		Version:         c.reconciler.Version(g.ExternalID),
	})
}

// doApplyCommit applies a Commit notification addressed to us. A
// commit carrying explicit new-epoch secrets is adopted directly;
// otherwise the ratchet is recomputed locally. Commits at or below the
// current epoch are no-ops, so the epoch only ever moves forward no
// matter the delivery order.
func (c *Client) doApplyCommit(ctx context.Context, ev *Event) {
	payload := new(commitPayload)
	if _, err := cbor.UnmarshalFirst(ev.Content, payload); err != nil {
		c.log.Debugf("malformed commit %s: %v", ev.ID, err)
		return
	}
	g := c.groupByExternalID(payload.GroupExternalID)
	if g == nil {
		c.log.Debugf("commit %s for unknown group %s", ev.ID, payload.GroupExternalID)
		return
	}
	if g.corrupt {
		return
	}

	var next *GroupState
	if len(payload.Secrets) > 0 {
		next = &GroupState{ID: g.ID(), Epoch: payload.Epoch, Secrets: payload.Secrets}
	} else {
		advanced, err := c.crypto.Advance(ctx, g.State(), payload.Commit)
		if err != nil {
			c.log.Errorf("commit %s cannot be applied to group %s: %v", ev.ID, g.ExternalID, err)
			g.corrupt = true
			if err := c.store.PutGroup(g); err != nil {
				c.log.Errorf("failed to persist corrupt flag for %s: %v", g.ExternalID, err)
			}
			c.emit(&GroupCorruptEvent{GroupExternalID: g.ExternalID, Err: err})
			return
		}
		next = advanced
	}
	if !g.adopt(next) {
		c.log.Debugf("stale commit %s for group %s at epoch %d dropped", ev.ID, g.ExternalID, g.Epoch)
		return
	}
	if err := c.store.PutGroup(g); err != nil {
		c.fatal(err)
		return
	}
	c.backups.MarkDirty(g.ExternalID)
	c.emit(&EpochAdvancedEvent{GroupExternalID: g.ExternalID, Epoch: next.Epoch})
}

// doProcessInvite records an invite addressed to the local user as a
// PendingInvite. It is destroyed on accept, superseded by the welcome
// and membership confirmation, or on explicit reject.
func (c *Client) doProcessInvite(ev *Event) {
	payload := new(invitePayload)
	if _, err := cbor.UnmarshalFirst(ev.Content, payload); err != nil {
		c.log.Debugf("malformed invite %s: %v", ev.ID, err)
		return
	}
	if g := c.groupByExternalID(payload.GroupExternalID); g != nil {
		// already joined; nothing pending
		return
	}
	inv := &PendingInvite{
		InviteEventID:   ev.ID,
		GroupExternalID: payload.GroupExternalID,
		GroupName:       payload.Name,
		InviterUserID:   ev.AuthorID,
		ReceivedAt:      ev.CreatedAt,
	}
	if err := c.store.PutInvite(inv); err != nil {
		c.log.Errorf("failed to persist invite %s: %v", ev.ID, err)
		return
	}
	c.emit(&InviteReceivedEvent{
		InviteEventID:   inv.InviteEventID,
		GroupExternalID: inv.GroupExternalID,
		GroupName:       inv.GroupName,
		InviterUserID:   inv.InviterUserID,
	})
}

// doProcessAssertion verifies and ingests a membership assertion from
// the live stream.
func (c *Client) doProcessAssertion(ev *Event) {
	a := assertionFromEvent(ev)
	if a == nil {
		c.log.Debugf("dropping unverifiable assertion event %s", ev.ID)
		return
	}
	changed, err := c.reconciler.Ingest(a)
	if err != nil {
		c.log.Errorf("failed to ingest assertion %s: %v", ev.ID, err)
		return
	}
	if changed {
		c.emit(&MembershipChangedEvent{
			GroupExternalID: a.GroupExternalID,
			Version:         c.reconciler.Version(a.GroupExternalID),
		})
	}
}

// supersedeInvites destroys pending invites for a group we now belong
// to.
func (c *Client) supersedeInvites(externalID string) {
	invites, err := c.store.Invites()
	if err != nil {
		c.log.Errorf("failed to list invites: %v", err)
		return
	}
	for _, inv := range invites {
		if inv.GroupExternalID == externalID {
			if err := c.store.DeleteInvite(inv.InviteEventID); err != nil {
				c.log.Errorf("failed to delete invite %s: %v", inv.InviteEventID, err)
			}
		}
	}
}

// publishAssertion signs nothing itself; the assertion must already be
// signed. It is sent to the ledger and folded into the local cache so
// the publisher's own views update without a network round trip.
func (c *Client) publishAssertion(ctx context.Context, a *MembershipAssertion) error {
	// the wire codec carries timestamps at second resolution; fold the
	// local copy at the same resolution so it orders identically to the
	// relayed copy on every device
	a.AssertedAt = a.AssertedAt.UTC().Truncate(time.Second)
	content, err := cbor.Marshal(a)
	if err != nil {
		return err
	}
	kind := KindMembershipAdd
	if a.Kind == AssertRemove {
		kind = KindMembershipRem
	}
	ev := &Event{
		Kind:      kind,
		AuthorID:  c.identity.UserID(),
		CreatedAt: a.AssertedAt,
		Tags:      Tags{TagGroup: {a.GroupExternalID}, TagSubject: {a.Subject}},
		Content:   content,
	}
	id, err := c.publishOrQueue(ctx, ev)
	if id != "" {
		a.EventID = id
	}
	if _, ingestErr := c.reconciler.Ingest(a); ingestErr != nil {
		return ingestErr
	}
	c.emit(&MembershipChangedEvent{
		GroupExternalID: a.GroupExternalID,
		Version:         c.reconciler.Version(a.GroupExternalID),
	})
	return err
}

// publishRoster publishes the authoritative admin list for a group we
// administer.
func (c *Client) publishRoster(ctx context.Context, g *Group) {
	_, members := g.snapshot()
	admins := make([]string, 0, 1)
	for _, m := range members {
		if m.RoleHint == RoleAdmin {
			admins = append(admins, m.UserID)
		}
	}
	content, err := cbor.Marshal(&Roster{GroupExternalID: g.ExternalID, Admins: admins})
	if err != nil {
		c.log.Errorf("failed to marshal roster for %s: %v", g.ExternalID, err)
		return
	}
	c.publishOrQueue(ctx, &Event{
		Kind:      KindRoster,
		AuthorID:  c.identity.UserID(),
		CreatedAt: time.Now(),
		Tags:      Tags{TagGroup: {g.ExternalID}},
		Content:   content,
	})
}

// doSendMessage encrypts and publishes an application message. The
// encrypt runs on the group's single-writer queue so it can never race
// an epoch advance.
func (c *Client) doSendMessage(ctx context.Context, externalID string, content []byte, tags Tags) (string, error) {
	g := c.groupByExternalID(externalID)
	if g == nil {
		return "", errGroupNotFound
	}
	if g.corrupt {
		return "", &CryptoStateError{GroupID: g.ID(), Err: errGroupCorrupt}
	}
	if !c.reconciler.IsMember(ctx, externalID, c.identity.UserID()) {
		return "", errNotAMember
	}
	if tags == nil {
		tags = make(Tags)
	}
	body, err := cbor.Marshal(&messageBody{Content: content, Tags: tags})
	if err != nil {
		return "", err
	}
	ciphertext, err := c.crypto.Encrypt(ctx, g.State(), body)
	if err != nil {
		return "", &CryptoStateError{GroupID: g.ID(), Err: err}
	}
	ev := &Event{
		Kind:      KindGroupMessage,
		AuthorID:  c.identity.UserID(),
		CreatedAt: time.Now(),
		Tags:      Tags{TagGroup: {externalID}},
		Content:   ciphertext,
	}
	id, err := c.publishOrQueue(ctx, ev)
	if err != nil {
		return "", err
	}
	if id == "" {
		c.emit(&MessageQueuedEvent{GroupExternalID: externalID})
		return "", nil
	}
	ev.ID = id
	if entry := c.timeline.OnLiveEvent(ctx, c.identity.UserID(), ev); entry != nil {
		c.emit(&MessageSentEvent{GroupExternalID: externalID, EventID: id})
	}
	return id, nil
}

// SendReaction publishes a "+" or "-" reaction to a target entry.
// Reactions aggregate as latest-per-(target, author), so repeating the
// same value is idempotent and "-" after "+" toggles the contribution
// off.
func (c *Client) SendReaction(ctx context.Context, externalID, targetEventID, value string) (string, error) {
	tags := make(Tags)
	tags.Add("reaction", value)
	tags.Add(TagRef, targetEventID)
	return c.SendMessage(ctx, externalID, nil, tags)
}

// SendReply publishes a reply referencing another entry; it is filed
// into the group's reply stream rather than the primary timeline.
func (c *Client) SendReply(ctx context.Context, externalID, targetEventID string, content []byte) (string, error) {
	tags := make(Tags)
	tags.Add("reply", targetEventID)
	tags.Add(TagRef, targetEventID)
	return c.SendMessage(ctx, externalID, content, tags)
}
