// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// identity.go - long-term user identity

package burrow

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/katzenpost/hpqc/sign/schemes"
)

const (
	welcomeKeyInfo = "burrow-welcome-key-v1"
	backupKeyInfo  = "burrow-group-backup-v1"
)

// Identity is the user's long-term signing identity. It is generated
// exactly once per user, backed up through the personal group, and
// every other per-device key is derived from it.
type Identity struct {
	scheme     sign.Scheme
	publicKey  sign.PublicKey
	privateKey sign.PrivateKey
}

type serializedIdentity struct {
	Scheme     string
	PublicKey  []byte
	PrivateKey []byte
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	scheme := ed25519.Scheme()
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{scheme: scheme, publicKey: pub, privateKey: priv}, nil
}

// UserID returns the hex encoded public key, which is how this user is
// named in assertions and event author fields.
func (i *Identity) UserID() string {
	blob, err := i.publicKey.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(blob)
}

// Sign signs msg with the identity key.
func (i *Identity) Sign(msg []byte) []byte {
	return i.scheme.Sign(i.privateKey, msg, nil)
}

// Verify checks a signature made by the hex encoded public key userID.
func Verify(userID string, msg, sig []byte) bool {
	raw, err := hex.DecodeString(userID)
	if err != nil {
		return false
	}
	scheme := ed25519.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return false
	}
	return scheme.Verify(pub, msg, sig, nil)
}

// WelcomeKeySeed deterministically derives the seed for this user's
// welcome key pair from the identity key, so that recovering the
// identity is sufficient to re-open any Welcome addressed to us.
func (i *Identity) WelcomeKeySeed() []byte {
	blob, err := i.privateKey.MarshalBinary()
	if err != nil {
		panic(err)
	}
	seed := make([]byte, 32)
	r := hkdf.New(sha256.New, blob, nil, []byte(welcomeKeyInfo))
	if _, err := io.ReadFull(r, seed); err != nil {
		panic(err)
	}
	return seed
}

// BackupKey derives the symmetric key under which the backup record of
// the given group is encrypted.
func (i *Identity) BackupKey(externalID string) *[32]byte {
	blob, err := i.privateKey.MarshalBinary()
	if err != nil {
		panic(err)
	}
	key := &[32]byte{}
	r := hkdf.New(sha256.New, blob, []byte(externalID), []byte(backupKeyInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		panic(err)
	}
	return key
}

// MarshalBinary serializes the identity for the encrypted store.
func (i *Identity) MarshalBinary() ([]byte, error) {
	pub, err := i.publicKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	priv, err := i.privateKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&serializedIdentity{
		Scheme:     i.scheme.Name(),
		PublicKey:  pub,
		PrivateKey: priv,
	})
}

// UnmarshalBinary deserializes an identity.
func (i *Identity) UnmarshalBinary(data []byte) error {
	s := new(serializedIdentity)
	if _, err := cbor.UnmarshalFirst(data, &s); err != nil {
		return err
	}
	scheme := schemes.ByName(s.Scheme)
	pub, err := scheme.UnmarshalBinaryPublicKey(s.PublicKey)
	if err != nil {
		return err
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(s.PrivateKey)
	if err != nil {
		return err
	}
	i.scheme = scheme
	i.publicKey = pub
	i.privateKey = priv
	return nil
}
