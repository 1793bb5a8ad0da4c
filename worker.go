// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// worker.go - client coordinator loop

package burrow

import (
	"context"
	"time"
)

// worker is the engine's coordinator. Every state mutating API call is
// funneled through opCh and every relay event through the subscription
// stream, so the coordinator is the only goroutine that hands work to
// the per-group executors. Decryption of application messages is fanned
// out to the crypto worker pool instead of running here.
func (c *Client) worker() {
	backupInterval := BackupFlushInterval
	if c.cfg.BackupIntervalHours > 0 {
		backupInterval = time.Duration(c.cfg.BackupIntervalHours) * time.Hour
	}
	backupTimer := time.NewTimer(backupInterval)
	defer backupTimer.Stop()

	for {
		select {
		case <-c.HaltCh():
			c.log.Debug("terminating gracefully")
			return
		case <-backupTimer.C:
			c.backups.FlushDirty(context.Background())
			backupTimer.Reset(backupInterval)
		case qs := <-c.resendCh:
			c.attemptResend(qs)
		case ev, ok := <-c.subEvents():
			if !ok {
				c.handleSubscriptionLoss()
				continue
			}
			c.handleLiveEvent(ev)
		case rawOp := <-c.opCh:
			c.handleOp(rawOp)
		}
	}
}

func (c *Client) handleOp(rawOp interface{}) {
	switch op := rawOp.(type) {
	case *opOnline:
		op.responseChan <- c.goOnline(op.context)
	case *opOffline:
		op.responseChan <- c.goOffline()
	case *opCreateGroup:
		g, err := c.doCreateGroup(context.Background(), op.name)
		if err != nil {
			op.responseChan <- err
		} else {
			op.responseChan <- g
		}
	case *opAddMember:
		g := c.groupByExternalID(op.externalID)
		if g == nil {
			op.responseChan <- errGroupNotFound
			return
		}
		c.runOnGroup(g.ID(), func() {
			op.responseChan <- c.doAddMember(context.Background(), op.externalID, op.userID, op.memberKey)
		})
	case *opSendMessage:
		g := c.groupByExternalID(op.externalID)
		if g == nil {
			op.responseChan <- errGroupNotFound
			return
		}
		c.runOnGroup(g.ID(), func() {
			id, err := c.doSendMessage(context.Background(), op.externalID, op.content, op.tags)
			if err != nil {
				op.responseChan <- err
			} else {
				op.responseChan <- id
			}
		})
	case *opGetGroups:
		c.groupsMutex.RLock()
		groups := make([]*Group, 0, len(c.groups))
		for _, g := range c.groups {
			groups = append(groups, g)
		}
		c.groupsMutex.RUnlock()
		op.responseChan <- groups
	case *opGetInvites:
		invites, err := c.store.Invites()
		if err != nil {
			op.responseChan <- err
		} else {
			op.responseChan <- invites
		}
	case *opRejectInvite:
		op.responseChan <- c.doRejectInvite(op.inviteEventID)
	case *opWipeTimeline:
		op.responseChan <- c.doWipeTimeline(op.externalID)
	default:
		panic("BUG, unknown operation type")
	}
}

// handleLiveEvent routes a subscription event to its handler. Control
// traffic addressed to other users is dropped here; everything past
// this point is either group scoped or for us.
func (c *Client) handleLiveEvent(ev *Event) {
	switch ev.Kind {
	case KindGroupMessage:
		select {
		case c.decryptCh <- ev:
		case <-c.HaltCh():
		default:
			// pool backlogged; the message is still on the relay and
			// will be picked up by the next timeline refresh
			c.log.Warningf("decrypt pool full, dropping live event %s", ev.ID)
		}
	case KindWelcome:
		if ev.Tags.First(TagRecipient) != c.identity.UserID() {
			return
		}
		c.doAcceptWelcome(context.Background(), ev)
	case KindCommit:
		externalID := ev.Tags.First(TagGroup)
		g := c.groupByExternalID(externalID)
		if g == nil {
			return
		}
		c.runOnGroup(g.ID(), func() {
			c.doApplyCommit(context.Background(), ev)
		})
	case KindInvite:
		if ev.Tags.First(TagRecipient) != c.identity.UserID() {
			return
		}
		c.doProcessInvite(ev)
	case KindMembershipAdd, KindMembershipRem:
		c.doProcessAssertion(ev)
	case KindRoster:
		externalID := ev.Tags.First(TagGroup)
		if externalID == "" {
			return
		}
		c.reconciler.Invalidate(externalID)
		c.emit(&MembershipChangedEvent{
			GroupExternalID: externalID,
			Version:         c.reconciler.Version(externalID),
		})
	default:
		c.log.Debugf("ignoring live event of unknown kind %d", ev.Kind)
	}
}

// handleSubscriptionLoss transitions to offline when the relay closes
// the stream under us. Cached data stays usable and sends spool.
func (c *Client) handleSubscriptionLoss() {
	c.connMutex.Lock()
	if !c.online {
		c.connMutex.Unlock()
		return
	}
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
	c.subCh = nil
	c.online = false
	c.connMutex.Unlock()
	c.log.Warning("relay subscription lost, going offline")
	c.emit(&ConnectionStatusEvent{Online: false, Err: &TransientNetworkError{Op: "Subscribe", Err: errNotOnline}})
}

// decryptWorker drains the decrypt pool channel and merges decrypted
// application messages into the timeline.
func (c *Client) decryptWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case ev := <-c.decryptCh:
			entry := c.timeline.OnLiveEvent(context.Background(), c.identity.UserID(), ev)
			if entry == nil {
				continue
			}
			c.emit(&MessageReceivedEvent{
				GroupExternalID: entry.GroupExternalID,
				EventID:         entry.EventID,
				AuthorID:        entry.AuthorID,
				Timestamp:       entry.CreatedAt,
			})
		}
	}
}

func (c *Client) doRejectInvite(inviteEventID string) error {
	invites, err := c.store.Invites()
	if err != nil {
		return &PersistenceError{Op: "Invites", Err: err}
	}
	found := false
	for _, inv := range invites {
		if inv.InviteEventID == inviteEventID {
			found = true
			break
		}
	}
	if !found {
		return errInviteNotFound
	}
	if err := c.store.DeleteInvite(inviteEventID); err != nil {
		return &PersistenceError{Op: "DeleteInvite", Err: err}
	}
	return nil
}

func (c *Client) doWipeTimeline(externalID string) error {
	if c.groupByExternalID(externalID) == nil {
		return errGroupNotFound
	}
	return c.timeline.Wipe(externalID)
}
