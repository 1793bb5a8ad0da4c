// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// group.go - group state and lifecycle payloads

package burrow

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Member is one entry of a group's ordered member list.
type Member struct {
	UserID   string
	RoleHint Role
}

// Group is the engine's view of one cryptographic group. It is owned
// exclusively by the lifecycle manager: it is mutated only through
// add-member and apply-commit operations, each of which persists the
// group before acknowledging any network side effect.
//
// cryptoID is the identifier assigned by the crypto layer, which for
// joined groups differs from the externally announced membership
// identifier; all queries against the relay event log use ExternalID.
type Group struct {
	cryptoID GroupID

	// ExternalID is the hex membership-ledger identifier. For groups
	// we created it equals the hex cryptoID (identity mapping).
	ExternalID string

	Name    string
	Epoch   uint64
	Members []Member

	// secrets is the opaque serialized epoch key material.
	secrets []byte

	// stateMutex serializes epoch-advancing and member-list mutations
	// with state marshalling and backup snapshots. Epoch advancement is
	// inherently sequential; a race would fork the group's key schedule
	// into an unrecoverable split.
	stateMutex *sync.Mutex

	// corrupt marks a group whose key state could not be advanced. It
	// is excluded from automatic retries until an explicit re-invite.
	corrupt bool

	// dirty marks the group as needing a fresh backup.
	dirty bool
}

type serializedGroup struct {
	CryptoID   GroupID
	ExternalID string
	Name       string
	Epoch      uint64
	Members    []Member
	Secrets    []byte
	Corrupt    bool
	Dirty      bool
}

// newGroup wraps a freshly created crypto state into a Group with the
// identity ExternalID mapping.
func newGroup(name string, state *GroupState, creator string) *Group {
	return &Group{
		cryptoID:   state.ID,
		ExternalID: state.ID.String(),
		Name:       name,
		Epoch:      state.Epoch,
		Members:    []Member{{UserID: creator, RoleHint: RoleAdmin}},
		secrets:    state.Secrets,
		stateMutex: new(sync.Mutex),
	}
}

// joinedGroup wraps a crypto state obtained from a Welcome. The
// externally announced identifier arrives with the Welcome and is
// recorded in the GroupId to ExternalId mapping.
func joinedGroup(name, externalID string, state *GroupState, members []Member) *Group {
	return &Group{
		cryptoID:   state.ID,
		ExternalID: externalID,
		Name:       name,
		Epoch:      state.Epoch,
		Members:    members,
		secrets:    state.Secrets,
		stateMutex: new(sync.Mutex),
	}
}

// ID returns the cryptographic group identifier.
func (g *Group) ID() GroupID {
	return g.cryptoID
}

// State snapshots the crypto layer handle for this group.
func (g *Group) State() *GroupState {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	secrets := make([]byte, len(g.secrets))
	copy(secrets, g.secrets)
	return &GroupState{ID: g.cryptoID, Epoch: g.Epoch, Secrets: secrets}
}

// adopt installs an advanced crypto state. Calls with an epoch lower
// than or equal to the current one are rejected as no-ops so that the
// epoch never moves backwards under out-of-order commit delivery.
func (g *Group) adopt(state *GroupState) bool {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	if state.Epoch <= g.Epoch {
		return false
	}
	g.Epoch = state.Epoch
	g.secrets = state.Secrets
	g.dirty = true
	return true
}

// hasMember reports whether userID already appears in the member list.
func (g *Group) hasMember(userID string) bool {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	for _, m := range g.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// addMember appends to the member list under the state lock.
func (g *Group) addMember(m Member) {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	g.Members = append(g.Members, m)
}

// snapshot copies the descriptive fields for readers that run off the
// group's single-writer queue, like the backup workers.
func (g *Group) snapshot() (string, []Member) {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	members := make([]Member, len(g.Members))
	copy(members, g.Members)
	return g.Name, members
}

// MarshalBinary serializes the Group for the encrypted store.
func (g *Group) MarshalBinary() ([]byte, error) {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	return cbor.Marshal(&serializedGroup{
		CryptoID:   g.cryptoID,
		ExternalID: g.ExternalID,
		Name:       g.Name,
		Epoch:      g.Epoch,
		Members:    g.Members,
		Secrets:    g.secrets,
		Corrupt:    g.corrupt,
		Dirty:      g.dirty,
	})
}

// UnmarshalBinary deserializes a Group.
func (g *Group) UnmarshalBinary(data []byte) error {
	s := new(serializedGroup)
	if _, err := cbor.UnmarshalFirst(data, &s); err != nil {
		return err
	}
	g.cryptoID = s.CryptoID
	g.ExternalID = s.ExternalID
	g.Name = s.Name
	g.Epoch = s.Epoch
	g.Members = s.Members
	g.secrets = s.Secrets
	g.corrupt = s.Corrupt
	g.dirty = s.Dirty
	g.stateMutex = new(sync.Mutex)
	return nil
}

// welcomePayload is the addressed single-recipient Welcome wrapper. It
// carries the membership-ledger identifier alongside the opaque crypto
// layer Welcome, because the crypto layer assigns joined groups their
// own GroupId.
type welcomePayload struct {
	GroupExternalID string
	Name            string
	Members         []Member
	Welcome         []byte
}

// commitPayload is broadcast to every pre-existing member when the
// group advances an epoch. Carrying the new serialized epoch secrets
// lets receivers skip a full ratchet recomputation; this trades
// plaintext-of-secrets inside an already per-recipient-confidential
// transport envelope for implementation simplicity, and is only sound
// while the transport keeps that guarantee. A payload without Secrets
// makes the receiver recompute via GroupCrypto.Advance.
type commitPayload struct {
	GroupExternalID string
	Epoch           uint64
	Secrets         []byte
	Commit          []byte
}

// invitePayload announces an invitation to the invited user before the
// Welcome arrives, so the UI can surface a pending invite.
type invitePayload struct {
	GroupExternalID string
	Name            string
}

// PendingInvite records an invite assertion addressed to the local
// user. It is destroyed on accept, superseded by membership
// confirmation, or on explicit reject.
type PendingInvite struct {
	InviteEventID   string
	GroupExternalID string
	GroupName       string
	InviterUserID   string
	ReceivedAt      time.Time
}
