// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// store.go - encrypted persistent state

package burrow

import (
	"bytes"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"
)

const (
	storeKeySize   = 32
	storeNonceSize = 24
)

var (
	groupsBucket     = []byte("groups")
	assertionsBucket = []byte("assertions")
	timelineBucket   = []byte("timeline")
	invitesBucket    = []byte("invites")
	backupsBucket    = []byte("backups")
	identityBucket   = []byte("identity")

	identityKey = []byte("identity")

	// DecryptStateFailed is returned when a store record cannot be
	// opened with the key stretched from the given passphrase.
	DecryptStateFailed = errors.New("failed to decrypt state record")
)

// Store persists all engine state in a bbolt database. Every value is
// encrypted with a key stretched from the user's passphrase before it
// touches disk. A mutation is not complete until the corresponding
// bbolt transaction commits; operations with network side effects must
// persist first.
type Store struct {
	db  *bbolt.DB
	key *[storeKeySize]byte
	log *logging.Logger
}

func stretchKey(passphrase []byte) *[storeKeySize]byte {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, storeKeySize)
	key := &[storeKeySize]byte{}
	copy(key[:], secret)
	return key
}

func sealRecord(plaintext []byte, key *[storeKeySize]byte) ([]byte, error) {
	nonce := [storeNonceSize]byte{}
	_, err := rand.Reader.Read(nonce[:])
	if err != nil {
		return nil, err
	}
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, key)
	return append(nonce[:], ciphertext...), nil
}

func openRecord(ciphertext []byte, key *[storeKeySize]byte) ([]byte, error) {
	if len(ciphertext) < storeNonceSize {
		return nil, errShortCiphertext
	}
	nonce := [storeNonceSize]byte{}
	copy(nonce[:], ciphertext[:storeNonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[storeNonceSize:], &nonce, key)
	if !ok {
		return nil, DecryptStateFailed
	}
	return plaintext, nil
}

// OpenStore opens or creates the store at the given path, deriving the
// record encryption key from passphrase.
func OpenStore(log *logging.Logger, path string, passphrase []byte) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{groupsBucket, assertionsBucket, timelineBucket, invitesBucket, backupsBucket, identityBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, key: stretchKey(passphrase), log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	plaintext, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := sealRecord(plaintext, s.key)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, sealed)
	})
}

func (s *Store) get(bucket, key []byte, v interface{}) (bool, error) {
	var sealed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucket).Get(key); raw != nil {
			sealed = append([]byte{}, raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if sealed == nil {
		return false, nil
	}
	plaintext, err := openRecord(sealed, s.key)
	if err != nil {
		return false, err
	}
	if _, err := cbor.UnmarshalFirst(plaintext, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

func (s *Store) forEach(bucket []byte, prefix []byte, fn func(plaintext []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		var k, v []byte
		if prefix == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(prefix)
		}
		for ; k != nil; k, v = c.Next() {
			if prefix != nil && !bytes.HasPrefix(k, prefix) {
				break
			}
			plaintext, err := openRecord(v, s.key)
			if err != nil {
				return err
			}
			if err := fn(plaintext); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutGroup persists a group keyed by its cryptographic GroupID.
func (s *Store) PutGroup(g *Group) error {
	if err := s.put(groupsBucket, g.cryptoID[:], g); err != nil {
		return &PersistenceError{Op: "PutGroup", Err: err}
	}
	return nil
}

// Groups loads every persisted group.
func (s *Store) Groups() ([]*Group, error) {
	groups := make([]*Group, 0)
	err := s.forEach(groupsBucket, nil, func(plaintext []byte) error {
		g := new(Group)
		if _, err := cbor.UnmarshalFirst(plaintext, g); err != nil {
			return err
		}
		groups = append(groups, g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func assertionKey(a *MembershipAssertion) []byte {
	k := make([]byte, 0, len(a.GroupExternalID)+len(a.Subject)+3)
	k = append(k, []byte(a.GroupExternalID)...)
	k = append(k, 0)
	k = append(k, []byte(a.Subject)...)
	k = append(k, 0)
	k = append(k, byte(a.Kind))
	return k
}

// PutAssertion stores an assertion keyed by (group, subject, kind). If
// an assertion with a newer or equal position already occupies the
// slot, the write is a no-op: only the winning assertion per slot is
// retained, which makes replay idempotent.
func (s *Store) PutAssertion(a *MembershipAssertion) (bool, error) {
	prev := new(MembershipAssertion)
	found, err := s.get(assertionsBucket, assertionKey(a), prev)
	if err != nil {
		return false, &PersistenceError{Op: "PutAssertion", Err: err}
	}
	if found && !prev.Before(a) {
		return false, nil
	}
	if err := s.put(assertionsBucket, assertionKey(a), a); err != nil {
		return false, &PersistenceError{Op: "PutAssertion", Err: err}
	}
	return true, nil
}

// AssertionsForGroup returns the winning assertions for every
// (subject, kind) slot of the given group.
func (s *Store) AssertionsForGroup(externalID string) ([]*MembershipAssertion, error) {
	prefix := append([]byte(externalID), 0)
	out := make([]*MembershipAssertion, 0)
	err := s.forEach(assertionsBucket, prefix, func(plaintext []byte) error {
		a := new(MembershipAssertion)
		if _, err := cbor.UnmarshalFirst(plaintext, a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutTimelineEntry stores a decrypted message keyed by its EventID.
func (s *Store) PutTimelineEntry(e *TimelineEntry) error {
	if err := s.put(timelineBucket, []byte(e.EventID), e); err != nil {
		return &PersistenceError{Op: "PutTimelineEntry", Err: err}
	}
	return nil
}

// TimelineEntries loads every cached timeline entry for a group.
func (s *Store) TimelineEntries(externalID string) ([]*TimelineEntry, error) {
	out := make([]*TimelineEntry, 0)
	err := s.forEach(timelineBucket, nil, func(plaintext []byte) error {
		e := new(TimelineEntry)
		if _, err := cbor.UnmarshalFirst(plaintext, e); err != nil {
			return err
		}
		if e.GroupExternalID == externalID {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WipeTimeline removes every cached entry for a group.
func (s *Store) WipeTimeline(externalID string) error {
	victims := make([][]byte, 0)
	err := s.forEach(timelineBucket, nil, func(plaintext []byte) error {
		e := new(TimelineEntry)
		if _, err := cbor.UnmarshalFirst(plaintext, e); err != nil {
			return err
		}
		if e.GroupExternalID == externalID {
			victims = append(victims, []byte(e.EventID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(timelineBucket)
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutInvite stores a pending invite keyed by its invite event id.
func (s *Store) PutInvite(inv *PendingInvite) error {
	if err := s.put(invitesBucket, []byte(inv.InviteEventID), inv); err != nil {
		return &PersistenceError{Op: "PutInvite", Err: err}
	}
	return nil
}

// DeleteInvite destroys a pending invite.
func (s *Store) DeleteInvite(inviteEventID string) error {
	return s.delete(invitesBucket, []byte(inviteEventID))
}

// Invites returns all pending invites.
func (s *Store) Invites() ([]*PendingInvite, error) {
	out := make([]*PendingInvite, 0)
	err := s.forEach(invitesBucket, nil, func(plaintext []byte) error {
		inv := new(PendingInvite)
		if _, err := cbor.UnmarshalFirst(plaintext, inv); err != nil {
			return err
		}
		out = append(out, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutBackupMirror keeps a local mirror of the last backup blob pushed
// for a group, keyed by external id.
func (s *Store) PutBackupMirror(externalID string, rec *GroupBackupRecord) error {
	if err := s.put(backupsBucket, []byte(externalID), rec); err != nil {
		return &PersistenceError{Op: "PutBackupMirror", Err: err}
	}
	return nil
}

// BackupMirror returns the last backup blob pushed for a group.
func (s *Store) BackupMirror(externalID string) (*GroupBackupRecord, error) {
	rec := new(GroupBackupRecord)
	found, err := s.get(backupsBucket, []byte(externalID), rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return rec, nil
}

// PutIdentity persists the long-term identity.
func (s *Store) PutIdentity(id *Identity) error {
	if err := s.put(identityBucket, identityKey, id); err != nil {
		return &PersistenceError{Op: "PutIdentity", Err: err}
	}
	return nil
}

// Identity loads the long-term identity, or nil if none was stored.
func (s *Store) Identity() (*Identity, error) {
	id := new(Identity)
	found, err := s.get(identityBucket, identityKey, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return id, nil
}
