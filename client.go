// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// client.go - group messaging client engine

package burrow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"

	"github.com/burrowchat/burrow/config"
)

var (
	errNoRelay        = errors.New("no relay endpoint configured, network features disabled")
	errAlreadyOnline  = errors.New("already online")
	errAlreadyOffline = errors.New("already offline")
)

const storeFileName = "burrow.db"

// cryptoWorkers is the size of the decrypt offload pool. Decryption is
// CPU heavy and must not block the coordinator loop, but it still goes
// through the timeline merge lock, so a small pool suffices.
const cryptoWorkers = 4

// Client is the group messaging engine. It owns the group lifecycle,
// the membership reconciler, the timeline sync engine and the backup
// manager, and exposes them behind a catshadow style op-channel API.
// Consumers receive engine events on EventSink.
type Client struct {
	worker.Worker

	eventCh    channels.Channel
	EventSink  chan interface{}
	opCh       chan interface{}
	fatalErrCh chan error

	cfg       *config.Config
	store     *Store
	transport Transport
	crypto    GroupCrypto
	identity  *Identity

	reconciler *Reconciler
	timeline   *TimelineSync
	backups    *BackupManager

	groupsMutex      sync.RWMutex
	groups           map[GroupID]*Group
	groupsByExternal map[string]*Group

	// groupExec holds one single-writer queue per group. All epoch
	// advancing operations for a group run on its queue; operations
	// across distinct groups run in parallel.
	groupExecMutex sync.Mutex
	groupExec      map[GroupID]chan func()

	sendQueue   *Queue
	resendQueue *TimerQueue
	resendCh    chan *queuedSend

	decryptCh chan *Event

	connMutex sync.RWMutex
	online    bool
	subCh     <-chan *Event
	subCancel context.CancelFunc

	log        *logging.Logger
	logBackend *log.Backend
}

// New creates a Client, opening (or creating) the encrypted store
// under cfg.DataDir with the given passphrase. The recovery secret
// binds the backup locator; it must be the same on every device of the
// user.
func New(cfg *config.Config, transport Transport, groupCrypto GroupCrypto, passphrase, recoverySecret []byte) (*Client, error) {
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(logBackend.GetLogger("burrow/store"), filepath.Join(cfg.DataDir, storeFileName), passphrase)
	if err != nil {
		return nil, err
	}
	identity, err := store.Identity()
	if err != nil {
		store.Close()
		return nil, err
	}
	freshIdentity := false
	if identity == nil {
		identity, err = NewIdentity()
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := store.PutIdentity(identity); err != nil {
			store.Close()
			return nil, err
		}
		freshIdentity = true
	}

	c := &Client{
		eventCh:          channels.NewInfiniteChannel(),
		EventSink:        make(chan interface{}),
		opCh:             make(chan interface{}, 8),
		fatalErrCh:       make(chan error),
		cfg:              cfg,
		store:            store,
		transport:        transport,
		crypto:           groupCrypto,
		identity:         identity,
		groups:           make(map[GroupID]*Group),
		groupsByExternal: make(map[string]*Group),
		groupExec:        make(map[GroupID]chan func()),
		sendQueue:        new(Queue),
		resendCh:         make(chan *queuedSend, MaxQueueSize),
		decryptCh:        make(chan *Event, MaxQueueSize),
		log:              logBackend.GetLogger("burrow/client"),
		logBackend:       logBackend,
	}
	c.resendQueue = NewTimerQueue(c)
	c.reconciler = NewReconciler(logBackend.GetLogger("burrow/membership"), store, transport)
	c.timeline = NewTimelineSync(logBackend.GetLogger("burrow/timeline"), store, transport, groupCrypto, c.reconciler, c.groupByExternalID)
	if cfg.PageSize > 0 {
		c.timeline.pageSize = cfg.PageSize
	}
	c.backups = NewBackupManager(logBackend.GetLogger("burrow/backup"), store, transport, identity, recoverySecret, c.groupByExternalID)
	c.backups.OnBackup = func(externalID string, err error) {
		c.emit(&BackupCompletedEvent{GroupExternalID: externalID, Err: err})
	}

	groups, err := store.Groups()
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, g := range groups {
		c.groups[g.ID()] = g
		c.groupsByExternal[g.ExternalID] = g
	}
	transport.SetGroupResolver(func(externalIDHex string) *GroupState {
		if g := c.groupByExternalID(externalIDHex); g != nil {
			return g.State()
		}
		return nil
	})
	if freshIdentity {
		c.log.Notice("generated a new long-term identity; it will be backed up on first connect")
	}
	return c, nil
}

// NewFromRecovery bootstraps a fresh device: the identity and every
// group snapshot are fetched from the relay and decrypted with keys
// derived from the recovery secret, then a regular Client is built on
// top of the restored state.
func NewFromRecovery(ctx context.Context, cfg *config.Config, transport Transport, groupCrypto GroupCrypto, passphrase, recoverySecret []byte) (*Client, error) {
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, err
	}
	recoveryLog := logBackend.GetLogger("burrow/recovery")
	identity, err := RestoreIdentity(ctx, transport, recoverySecret)
	if err != nil {
		return nil, err
	}
	snapshots, err := RestoreGroups(ctx, recoveryLog, transport, identity, recoverySecret)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(logBackend.GetLogger("burrow/store"), filepath.Join(cfg.DataDir, storeFileName), passphrase)
	if err != nil {
		return nil, err
	}
	if err := store.PutIdentity(identity); err != nil {
		store.Close()
		return nil, err
	}
	for _, snap := range snapshots {
		g := joinedGroup(snap.Name, snap.ExternalID, &GroupState{
			ID:      snap.CryptoID,
			Epoch:   snap.Epoch,
			Secrets: snap.Secrets,
		}, snap.Members)
		if err := store.PutGroup(g); err != nil {
			store.Close()
			return nil, err
		}
	}
	store.Close()
	recoveryLog.Noticef("restored identity and %d group(s)", len(snapshots))
	return New(cfg, transport, groupCrypto, passphrase, recoverySecret)
}

// Start starts the engine workers.
func (c *Client) Start() {
	// fatal error watcher
	go func() {
		err, ok := <-c.fatalErrCh
		if !ok {
			return
		}
		c.log.Warningf("shutting down due to error: %v", err)
		c.Shutdown()
	}()

	c.backups.Start()
	c.resendQueue.Start()
	c.Go(c.eventSinkWorker)
	c.Go(c.worker)
	for i := 0; i < cryptoWorkers; i++ {
		c.Go(c.decryptWorker)
	}
}

// Shutdown halts every worker and closes the store.
func (c *Client) Shutdown() {
	c.log.Info("shutting down now")
	c.connMutex.Lock()
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
	c.connMutex.Unlock()
	c.Halt()
	c.backups.Halt()
	c.resendQueue.Halt()
	c.eventCh.Close()
	if err := c.store.Close(); err != nil {
		c.log.Errorf("failed to close store: %v", err)
	}
}

// UserID returns the local user's identifier.
func (c *Client) UserID() string {
	return c.identity.UserID()
}

func (c *Client) emit(event interface{}) {
	c.eventCh.In() <- event
}

// fatal hands an unrecoverable error to the watcher started in Start.
// The send never wedges a worker that is already halting.
func (c *Client) fatal(err error) {
	select {
	case c.fatalErrCh <- err:
	case <-c.HaltCh():
	}
}

func (c *Client) eventSinkWorker() {
	defer func() {
		c.log.Debug("event sink worker terminating gracefully")
		close(c.EventSink)
	}()
	for {
		var event interface{}
		select {
		case <-c.HaltCh():
			return
		case event = <-c.eventCh.Out():
		}
		select {
		case c.EventSink <- event:
		case <-c.HaltCh():
			return
		}
	}
}

func (c *Client) installGroup(g *Group) {
	c.groupsMutex.Lock()
	defer c.groupsMutex.Unlock()
	c.groups[g.ID()] = g
	c.groupsByExternal[g.ExternalID] = g
}

func (c *Client) groupByExternalID(externalID string) *Group {
	c.groupsMutex.RLock()
	defer c.groupsMutex.RUnlock()
	return c.groupsByExternal[externalID]
}

// runOnGroup schedules fn on the group's single-writer queue, creating
// the queue and its worker on first use.
func (c *Client) runOnGroup(id GroupID, fn func()) {
	c.groupExecMutex.Lock()
	ch, ok := c.groupExec[id]
	if !ok {
		ch = make(chan func(), 16)
		c.groupExec[id] = ch
		c.Go(func() {
			for {
				select {
				case <-c.HaltCh():
					return
				case fn := <-ch:
					fn()
				}
			}
		})
	}
	c.groupExecMutex.Unlock()
	select {
	case ch <- fn:
	case <-c.HaltCh():
	}
}

// publishOrQueue publishes an event, spooling it verbatim for later
// delivery when offline or on a transient failure. The returned id is
// empty when the event was spooled.
func (c *Client) publishOrQueue(ctx context.Context, ev *Event) (string, error) {
	c.connMutex.RLock()
	online := c.online
	c.connMutex.RUnlock()
	if !online {
		if err := c.sendQueue.Push(&queuedSend{Event: ev}); err != nil {
			return "", err
		}
		c.log.Debugf("spooled kind %d event while offline", ev.Kind)
		return "", nil
	}
	id, err := c.transport.Publish(ctx, ev)
	if err != nil {
		qs := &queuedSend{
			Event:    ev,
			Attempts: 1,
			SendAt:   time.Now().Add(SendRetryDelay).UnixNano(),
		}
		c.resendQueue.Push(qs)
		return "", &TransientNetworkError{Op: "Publish", Err: err}
	}
	return id, nil
}

// Push implements the resend TimerQueue forwarding target.
func (c *Client) Push(i Item) error {
	qs := i.(*queuedSend)
	select {
	case c.resendCh <- qs:
		return nil
	default:
		return ErrQueueFull
	}
}

// attemptResend re-sends a spooled event verbatim.
func (c *Client) attemptResend(qs *queuedSend) {
	id, err := c.transport.Publish(context.Background(), qs.Event)
	if err != nil {
		qs.Attempts++
		qs.SendAt = time.Now().Add(time.Duration(qs.Attempts) * SendRetryDelay).UnixNano()
		c.log.Debugf("resend attempt %d failed: %v", qs.Attempts, err)
		c.resendQueue.Push(qs)
		return
	}
	qs.Event.ID = id
	switch qs.Event.Kind {
	case KindGroupMessage:
		externalID := qs.Event.Tags.First(TagGroup)
		if entry := c.timeline.OnLiveEvent(context.Background(), c.identity.UserID(), qs.Event); entry != nil {
			c.emit(&MessageSentEvent{GroupExternalID: externalID, EventID: id})
		}
	case KindMembershipAdd, KindMembershipRem:
		// the ledger copy folded before the send carries no event id;
		// re-ingest under the id the relay assigned so the tie break
		// key matches every other device
		if a := assertionFromEvent(qs.Event); a != nil {
			changed, err := c.reconciler.Ingest(a)
			if err != nil {
				c.log.Errorf("failed to re-ingest assertion %s: %v", id, err)
				return
			}
			if changed {
				c.emit(&MembershipChangedEvent{
					GroupExternalID: a.GroupExternalID,
					Version:         c.reconciler.Version(a.GroupExternalID),
				})
			}
		}
	}
}

// drainSendQueue re-sends everything spooled while offline.
func (c *Client) drainSendQueue() {
	for {
		qs, err := c.sendQueue.Pop()
		if err != nil {
			return
		}
		c.attemptResend(qs)
	}
}

// goOnline subscribes to the relay and drains the offline spool. The
// absence of a configured relay endpoint is surfaced as a non-fatal
// configuration error that leaves cached data usable.
func (c *Client) goOnline(ctx context.Context) error {
	if c.cfg.Offline() {
		return errNoRelay
	}
	c.connMutex.Lock()
	if c.online {
		c.connMutex.Unlock()
		return errAlreadyOnline
	}
	subCtx, cancel := context.WithCancel(context.Background())
	subCh, err := c.transport.Subscribe(subCtx, &Filter{
		Kinds: []int{
			KindGroupMessage, KindMembershipAdd, KindMembershipRem,
			KindWelcome, KindCommit, KindInvite, KindRoster,
		},
	})
	if err != nil {
		cancel()
		c.connMutex.Unlock()
		return &TransientNetworkError{Op: "Subscribe", Err: err}
	}
	c.subCh = subCh
	c.subCancel = cancel
	c.online = true
	c.connMutex.Unlock()

	c.drainSendQueue()
	c.Go(func() {
		if err := c.backups.BackupIdentity(ctx); err != nil {
			c.log.Debugf("identity backup deferred: %v", err)
		}
	})
	c.Go(func() {
		// background ledger refresh for every known group
		c.groupsMutex.RLock()
		externals := make([]string, 0, len(c.groupsByExternal))
		for id := range c.groupsByExternal {
			externals = append(externals, id)
		}
		c.groupsMutex.RUnlock()
		for _, externalID := range externals {
			if err := c.reconciler.Refresh(ctx, externalID); err != nil {
				c.log.Debugf("membership refresh for %s: %v", externalID, err)
			}
		}
	})
	c.emit(&ConnectionStatusEvent{Online: true})
	return nil
}

func (c *Client) goOffline() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	if !c.online {
		return errAlreadyOffline
	}
	c.subCancel()
	c.subCancel = nil
	c.subCh = nil
	c.online = false
	c.emit(&ConnectionStatusEvent{Online: false})
	return nil
}

// subEvents is called by the worker routine; it returns the live
// subscription stream or nil in offline mode.
func (c *Client) subEvents() <-chan *Event {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.subCh
}

// Online connects the engine to the relay.
func (c *Client) Online(ctx context.Context) error {
	op := &opOnline{context: ctx, responseChan: make(chan error, 1)}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case err := <-op.responseChan:
		return err
	}
}

// Offline disconnects the engine from the relay; cached data stays
// usable and mutations spool.
func (c *Client) Offline() error {
	op := &opOffline{responseChan: make(chan error, 1)}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case err := <-op.responseChan:
		return err
	}
}

// CreateGroup creates a new group with the local user as sole member
// and admin.
func (c *Client) CreateGroup(ctx context.Context, name string) (*Group, error) {
	op := &opCreateGroup{name: name, responseChan: make(chan interface{}, 1)}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case v := <-op.responseChan:
		switch v := v.(type) {
		case error:
			return nil, v
		case *Group:
			return v, nil
		default:
			panic("BUG, unexpected response type")
		}
	}
}

// AddMember invites a user into a group: commit, welcome, assertion.
func (c *Client) AddMember(ctx context.Context, externalID, userID string, memberKey []byte) error {
	op := &opAddMember{
		externalID:   externalID,
		userID:       userID,
		memberKey:    memberKey,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case err := <-op.responseChan:
		return err
	}
}

// SendMessage encrypts and publishes an application message to a
// group. The returned id is empty when the message was spooled for
// later delivery.
func (c *Client) SendMessage(ctx context.Context, externalID string, content []byte, tags Tags) (string, error) {
	op := &opSendMessage{
		externalID:   externalID,
		content:      content,
		tags:         tags,
		responseChan: make(chan interface{}, 1),
	}
	select {
	case <-c.HaltCh():
		return "", errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return "", errHalted
	case v := <-op.responseChan:
		switch v := v.(type) {
		case error:
			return "", v
		case string:
			return v, nil
		default:
			panic("BUG, unexpected response type")
		}
	}
}

// Groups returns every group the engine holds state for.
func (c *Client) Groups() []*Group {
	op := &opGetGroups{responseChan: make(chan []*Group, 1)}
	select {
	case <-c.HaltCh():
		return nil
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil
	case groups := <-op.responseChan:
		return groups
	}
}

// PendingInvites lists received invites awaiting a decision.
func (c *Client) PendingInvites() ([]*PendingInvite, error) {
	op := &opGetInvites{responseChan: make(chan interface{}, 1)}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case v := <-op.responseChan:
		switch v := v.(type) {
		case error:
			return nil, v
		case []*PendingInvite:
			return v, nil
		default:
			panic("BUG, unexpected response type")
		}
	}
}

// RejectInvite destroys a pending invite.
func (c *Client) RejectInvite(inviteEventID string) error {
	op := &opRejectInvite{inviteEventID: inviteEventID, responseChan: make(chan error, 1)}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case err := <-op.responseChan:
		return err
	}
}

// WipeTimeline clears a group's cached timeline, in memory and on
// disk.
func (c *Client) WipeTimeline(externalID string) error {
	op := &opWipeTimeline{externalID: externalID, responseChan: make(chan error, 1)}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case err := <-op.responseChan:
		return err
	}
}

// Timeline exposes the sync engine's read and pagination surface.
// Reads are cheap and run inline; they never enter the op channel.
func (c *Client) Timeline() *TimelineSync {
	return c.timeline
}

// Membership exposes the reconciler's read surface.
func (c *Client) Membership() *Reconciler {
	return c.reconciler
}
