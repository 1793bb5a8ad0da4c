// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// crypto.go - opaque group crypto provider contract

package burrow

import (
	"context"
	"encoding/hex"
)

// GroupID is the cryptographic layer's identifier for a group. Note
// that for joined groups it differs from the externally announced
// membership identifier; see Group.ExternalID.
type GroupID [GroupIDLen]byte

// String returns the hex representation of the GroupID.
func (id GroupID) String() string {
	return hex.EncodeToString(id[:])
}

// GroupState is the serialized handle to one epoch of a group's shared
// key state. Secrets is opaque to this engine; only the provider
// interprets it. Epoch advances exactly once per membership change.
type GroupState struct {
	ID      GroupID
	Epoch   uint64
	Secrets []byte
}

// Copy returns a deep copy of the state.
func (s *GroupState) Copy() *GroupState {
	secrets := make([]byte, len(s.Secrets))
	copy(secrets, s.Secrets)
	return &GroupState{ID: s.ID, Epoch: s.Epoch, Secrets: secrets}
}

// AddMemberResult is the output of GroupCrypto.AddMember: the advanced
// group state, a Commit to broadcast to pre-existing members and a
// Welcome addressed to the newly added member.
type AddMemberResult struct {
	State   *GroupState
	Commit  []byte
	Welcome []byte
}

// GroupCrypto is the opaque forward-secure group key protocol provider
// (an MLS style group). All low level primitives (AEAD, HPKE, KDF,
// signatures) live behind it; this engine never sees key material in
// any form other than the opaque GroupState.Secrets blob.
type GroupCrypto interface {
	// Create makes a new group at epoch 0 with the caller as the sole
	// member.
	Create(ctx context.Context) (*GroupState, error)

	// AddMember produces a (commit, welcome) pair for the candidate
	// identified by memberID with the given public key material, and
	// returns the state advanced to the next epoch.
	AddMember(ctx context.Context, state *GroupState, memberID string, memberKey []byte) (*AddMemberResult, error)

	// Join opens a Welcome with the given welcome key and returns the
	// group state at the epoch embedded in the Welcome.
	Join(ctx context.Context, welcome []byte, welcomeKey []byte) (*GroupState, error)

	// Advance applies a Commit that did not carry explicit epoch
	// secrets, recomputing the ratchet locally.
	Advance(ctx context.Context, state *GroupState, commit []byte) (*GroupState, error)

	// Encrypt seals an application message under the current epoch.
	Encrypt(ctx context.Context, state *GroupState, plaintext []byte) ([]byte, error)

	// Decrypt opens an application message. Decryption may be CPU
	// heavy; callers offload it to the crypto worker pool.
	Decrypt(ctx context.Context, state *GroupState, ciphertext []byte) ([]byte, error)

	// DeriveKeyPair deterministically derives a key pair from seed.
	// Used for welcome keys so that recovery only requires the
	// identity backup, never separately backed up ephemeral keys.
	DeriveKeyPair(seed []byte) (pub []byte, priv []byte, err error)
}
