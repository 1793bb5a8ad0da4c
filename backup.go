// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// backup.go - identity and group backup, device recovery

package burrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/katzenpost/core/worker"
)

const locatorInfo = "burrow-backup-locator-v1"

// IdentityBackupRecord is the self-addressed, replaceable relay record
// holding the encrypted long-term signing key. Only the personal key
// stretched from the out-of-band recovery secret can open it.
type IdentityBackupRecord struct {
	Nonce      []byte
	Ciphertext []byte
}

// GroupBackupRecord is the encrypted snapshot of one group's secrets,
// keyed by the group's external id.
type GroupBackupRecord struct {
	GroupExternalID string
	Epoch           uint64
	Nonce           []byte
	Ciphertext      []byte
}

// GroupSnapshot is the decrypted content of a GroupBackupRecord; it
// carries everything needed to resurrect the group on a new device.
type GroupSnapshot struct {
	CryptoID   GroupID
	ExternalID string
	Name       string
	Epoch      uint64
	Members    []Member
	Secrets    []byte
}

// personalKey stretches the out-of-band recovery secret into the key
// that seals the identity record.
func personalKey(recoverySecret []byte) *[32]byte {
	key := &[32]byte{}
	copy(key[:], argon2.Key(recoverySecret, []byte(locatorInfo), 3, 32*1024, 4, 32))
	return key
}

// backupLocator derives the public self-addressing tag value under
// which this user's backup records are stored. It reveals nothing
// about the recovery secret.
func backupLocator(recoverySecret []byte) string {
	loc := make([]byte, 32)
	r := hkdf.New(sha256.New, recoverySecret, nil, []byte(locatorInfo))
	if _, err := io.ReadFull(r, loc); err != nil {
		panic(err)
	}
	return hex.EncodeToString(loc)
}

type backupJob struct {
	externalID string // "" means the identity record
	at         int64
}

func (j *backupJob) Priority() uint64 {
	return uint64(j.at)
}

// BackupManager snapshots lifecycle state back through the transport.
// Backups are best-effort eventual durability layered on top of the
// synchronous correctness of the live lifecycle manager: a failure is
// logged and retried on a timer, and never blocks foreground group
// operations.
type BackupManager struct {
	worker.Worker

	log       *logging.Logger
	store     *Store
	transport Transport
	identity  *Identity
	resolve   func(externalID string) *Group

	locator string
	pkey    *[32]byte

	// OnBackup, when set, is called after every attempted group backup
	// push so the engine can surface a completion event.
	OnBackup func(externalID string, err error)

	dirtyMu sync.Mutex
	dirty   map[string]bool

	retry   *TimerQueue
	retryCh chan *backupJob
}

// NewBackupManager creates a BackupManager bound to the given recovery
// secret.
func NewBackupManager(log *logging.Logger, store *Store, transport Transport, identity *Identity, recoverySecret []byte, resolve func(string) *Group) *BackupManager {
	m := &BackupManager{
		log:       log,
		store:     store,
		transport: transport,
		identity:  identity,
		resolve:   resolve,
		locator:   backupLocator(recoverySecret),
		pkey:      personalKey(recoverySecret),
		dirty:     make(map[string]bool),
		retryCh:   make(chan *backupJob, MaxQueueSize),
	}
	m.retry = NewTimerQueue(m)
	return m
}

// Start starts the retry workers.
func (m *BackupManager) Start() {
	m.retry.Start()
	m.Go(m.retryWorker)
}

// Halt stops the retry workers.
func (m *BackupManager) Halt() {
	m.retry.Halt()
	m.Worker.Halt()
}

// Push implements the TimerQueue forwarding target: a due retry job
// lands back in the retry channel.
func (m *BackupManager) Push(i Item) error {
	job := i.(*backupJob)
	select {
	case m.retryCh <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *BackupManager) retryWorker() {
	for {
		select {
		case <-m.HaltCh():
			return
		case job := <-m.retryCh:
			if job.externalID == "" {
				m.BackupIdentity(context.Background())
				continue
			}
			m.MarkDirty(job.externalID)
			m.FlushDirty(context.Background())
		}
	}
}

func (m *BackupManager) scheduleRetry(externalID string) {
	m.retry.Push(&backupJob{
		externalID: externalID,
		at:         time.Now().Add(BackupRetryDelay).UnixNano(),
	})
}

// MarkDirty flags a group's backup as out of date. Called whenever the
// group's epoch advances.
func (m *BackupManager) MarkDirty(externalID string) {
	m.dirtyMu.Lock()
	m.dirty[externalID] = true
	m.dirtyMu.Unlock()
}

// FlushDirty pushes a fresh backup for every dirty group. A crash can
// therefore lose at most one epoch's worth of group state.
func (m *BackupManager) FlushDirty(ctx context.Context) {
	m.dirtyMu.Lock()
	pending := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		pending = append(pending, id)
	}
	m.dirty = make(map[string]bool)
	m.dirtyMu.Unlock()

	for _, externalID := range pending {
		g := m.resolve(externalID)
		if g == nil {
			continue
		}
		err := m.BackupGroup(ctx, g)
		if err != nil {
			m.log.Warningf("backup of group %s failed, scheduling retry: %v", externalID, err)
			m.scheduleRetry(externalID)
		}
		if m.OnBackup != nil {
			m.OnBackup(externalID, err)
		}
	}
}

// BackupGroup encrypts and publishes one group snapshot, mirroring the
// record locally first.
func (m *BackupManager) BackupGroup(ctx context.Context, g *Group) error {
	state := g.State()
	name, members := g.snapshot()
	snap := &GroupSnapshot{
		CryptoID:   g.ID(),
		ExternalID: g.ExternalID,
		Name:       name,
		Epoch:      state.Epoch,
		Members:    members,
		Secrets:    state.Secrets,
	}
	plaintext, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	nonce := [24]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return err
	}
	rec := &GroupBackupRecord{
		GroupExternalID: g.ExternalID,
		Epoch:           state.Epoch,
		Nonce:           nonce[:],
		Ciphertext:      secretbox.Seal(nil, plaintext, &nonce, m.identity.BackupKey(g.ExternalID)),
	}
	if err := m.store.PutBackupMirror(g.ExternalID, rec); err != nil {
		return err
	}
	content, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	tags := make(Tags)
	tags.Add(TagLocator, m.locator)
	tags.Add(TagGroup, g.ExternalID)
	_, err = m.transport.Publish(ctx, &Event{
		Kind:      KindGroupBackup,
		AuthorID:  m.identity.UserID(),
		CreatedAt: time.Now(),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return &TransientNetworkError{Op: "BackupGroup", Err: err}
	}
	return nil
}

// BackupIdentity encrypts and publishes the identity record. Failures
// are scheduled for retry; the error is also returned for callers that
// care.
func (m *BackupManager) BackupIdentity(ctx context.Context) error {
	plaintext, err := m.identity.MarshalBinary()
	if err != nil {
		return err
	}
	nonce := [24]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return err
	}
	rec := &IdentityBackupRecord{
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, plaintext, &nonce, m.pkey),
	}
	content, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	tags := make(Tags)
	tags.Add(TagLocator, m.locator)
	_, err = m.transport.Publish(ctx, &Event{
		Kind:      KindIdentityBackup,
		AuthorID:  m.identity.UserID(),
		CreatedAt: time.Now(),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		m.log.Warningf("identity backup failed, scheduling retry: %v", err)
		m.retry.Push(&backupJob{at: time.Now().Add(BackupRetryDelay).UnixNano()})
		return &TransientNetworkError{Op: "BackupIdentity", Err: err}
	}
	return nil
}

// RestoreIdentity fetches and decrypts the identity record on a fresh
// device. The recovery secret is the only input; everything else is
// derived or fetched.
func RestoreIdentity(ctx context.Context, transport Transport, recoverySecret []byte) (*Identity, error) {
	if len(recoverySecret) == 0 {
		return nil, &RecoveryError{Err: errNoRecoverySeed}
	}
	locator := backupLocator(recoverySecret)
	events, err := transport.RequestPastEvents(ctx, &Filter{
		Kinds: []int{KindIdentityBackup},
		Tags:  map[string][]string{TagLocator: {locator}},
		Limit: 1,
	})
	if err != nil {
		return nil, &RecoveryError{Err: err}
	}
	if len(events) == 0 {
		return nil, &RecoveryError{Err: errBackupNotFound}
	}
	rec := new(IdentityBackupRecord)
	if _, err := cbor.UnmarshalFirst(events[0].Content, rec); err != nil {
		return nil, &RecoveryError{Err: err}
	}
	nonce := [24]byte{}
	copy(nonce[:], rec.Nonce)
	plaintext, ok := secretbox.Open(nil, rec.Ciphertext, &nonce, personalKey(recoverySecret))
	if !ok {
		return nil, &RecoveryError{Err: errDecryptFailed}
	}
	id := new(Identity)
	if err := id.UnmarshalBinary(plaintext); err != nil {
		return nil, &RecoveryError{Err: err}
	}
	return id, nil
}

// RestoreGroups fetches and decrypts every group snapshot belonging to
// the recovered identity. Snapshots that cannot be opened are skipped
// with a warning rather than failing the whole bootstrap.
func RestoreGroups(ctx context.Context, log *logging.Logger, transport Transport, id *Identity, recoverySecret []byte) ([]*GroupSnapshot, error) {
	locator := backupLocator(recoverySecret)
	events, err := transport.RequestPastEvents(ctx, &Filter{
		Kinds: []int{KindGroupBackup},
		Tags:  map[string][]string{TagLocator: {locator}},
	})
	if err != nil {
		return nil, &RecoveryError{Err: err}
	}
	// keep only the newest record per group
	newest := make(map[string]*Event)
	for _, ev := range events {
		gid := ev.Tags.First(TagGroup)
		if prev, ok := newest[gid]; !ok || prev.CreatedAt.Before(ev.CreatedAt) {
			newest[gid] = ev
		}
	}
	snapshots := make([]*GroupSnapshot, 0, len(newest))
	for _, ev := range newest {
		rec := new(GroupBackupRecord)
		if _, err := cbor.UnmarshalFirst(ev.Content, rec); err != nil {
			log.Warningf("malformed group backup record %s: %v", ev.ID, err)
			continue
		}
		nonce := [24]byte{}
		copy(nonce[:], rec.Nonce)
		plaintext, ok := secretbox.Open(nil, rec.Ciphertext, &nonce, id.BackupKey(rec.GroupExternalID))
		if !ok {
			log.Warningf("cannot open group backup record %s", ev.ID)
			continue
		}
		snap := new(GroupSnapshot)
		if _, err := cbor.UnmarshalFirst(plaintext, snap); err != nil {
			log.Warningf("malformed group snapshot in record %s: %v", ev.ID, err)
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}
