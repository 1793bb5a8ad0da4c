// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// harness_test.go - in-memory transport and crypto test doubles

package burrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/katzenpost/core/log"
)

var errRelayUnreachable = errors.New("relay unreachable")

func testLogger(name string) *logging.Logger {
	backend, err := log.New("", "DEBUG", false)
	if err != nil {
		panic(err)
	}
	return backend.GetLogger(name)
}

// memTransport is an in-memory relay. Published events land in a
// shared ordered log, live subscribers get a fan-out copy and past
// event queries filter the log newest first. Setting offline fails
// every network operation while leaving the cache readable.
type memTransport struct {
	sync.Mutex

	events  []*Event
	subs    []*memSub
	nextID  int
	offline bool
}

type memSub struct {
	filter *Filter
	ch     chan *Event
	done   <-chan struct{}
}

func newMemTransport() *memTransport {
	return &memTransport{}
}

func (m *memTransport) setOffline(offline bool) {
	m.Lock()
	m.offline = offline
	m.Unlock()
}

func (m *memTransport) Publish(ctx context.Context, ev *Event) (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.offline {
		return "", errRelayUnreachable
	}
	m.nextID++
	stored := *ev
	stored.ID = fmt.Sprintf("evt%06d", m.nextID)
	m.events = append(m.events, &stored)
	for _, sub := range m.subs {
		if !matchFilter(sub.filter, &stored) {
			continue
		}
		select {
		case sub.ch <- &stored:
		case <-sub.done:
		}
	}
	return stored.ID, nil
}

func (m *memTransport) RequestPastEvents(ctx context.Context, f *Filter) ([]*Event, error) {
	m.Lock()
	defer m.Unlock()
	if m.offline && !f.UseCache {
		return nil, errRelayUnreachable
	}
	return filterEvents(m.events, f), nil
}

func (m *memTransport) Subscribe(ctx context.Context, f *Filter) (<-chan *Event, error) {
	m.Lock()
	defer m.Unlock()
	if m.offline {
		return nil, errRelayUnreachable
	}
	sub := &memSub{filter: f, ch: make(chan *Event, 256), done: ctx.Done()}
	m.subs = append(m.subs, sub)
	go func() {
		<-ctx.Done()
		m.Lock()
		for i, s := range m.subs {
			if s == sub {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

func (m *memTransport) QueryCachedEvents(f *Filter) []*Event {
	m.Lock()
	defer m.Unlock()
	return filterEvents(m.events, f)
}

func (m *memTransport) SetGroupResolver(resolve GroupResolver) {}

func matchFilter(f *Filter, ev *Event) bool {
	if f == nil {
		return true
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, wanted := range f.Tags {
		have := ev.Tags.First(key)
		found := false
		for _, w := range wanted {
			if w == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && !ev.CreatedAt.After(*f.Since) {
		return false
	}
	if f.Until != nil && !ev.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

func filterEvents(events []*Event, f *Filter) []*Event {
	out := make([]*Event, 0)
	for _, ev := range events {
		if matchFilter(f, ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f != nil && f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// memCrypto is a deterministic stand-in for the group key protocol.
// Welcome blobs carry the serialized state verbatim and "encryption"
// prefixes a marker, which lets tests follow every lifecycle path
// without a real ratchet.
type memCrypto struct{}

var boxMarker = []byte("box:")

func (m *memCrypto) Create(ctx context.Context) (*GroupState, error) {
	id := GroupID{}
	if _, err := rand.Reader.Read(id[:]); err != nil {
		return nil, err
	}
	return &GroupState{ID: id, Epoch: 0, Secrets: epochSecrets(0)}, nil
}

func epochSecrets(epoch uint64) []byte {
	return []byte(fmt.Sprintf("epoch-secret-%d", epoch))
}

func (m *memCrypto) AddMember(ctx context.Context, state *GroupState, memberID string, memberKey []byte) (*AddMemberResult, error) {
	next := &GroupState{ID: state.ID, Epoch: state.Epoch + 1, Secrets: epochSecrets(state.Epoch + 1)}
	welcome, err := cbor.Marshal(next)
	if err != nil {
		return nil, err
	}
	return &AddMemberResult{
		State:   next,
		Commit:  []byte(fmt.Sprintf("commit-%d", next.Epoch)),
		Welcome: welcome,
	}, nil
}

func (m *memCrypto) Join(ctx context.Context, welcome []byte, welcomeKey []byte) (*GroupState, error) {
	state := new(GroupState)
	if _, err := cbor.UnmarshalFirst(welcome, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (m *memCrypto) Advance(ctx context.Context, state *GroupState, commit []byte) (*GroupState, error) {
	return &GroupState{ID: state.ID, Epoch: state.Epoch + 1, Secrets: epochSecrets(state.Epoch + 1)}, nil
}

func (m *memCrypto) Encrypt(ctx context.Context, state *GroupState, plaintext []byte) ([]byte, error) {
	return append(append([]byte{}, boxMarker...), plaintext...), nil
}

func (m *memCrypto) Decrypt(ctx context.Context, state *GroupState, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < len(boxMarker) {
		return nil, errShortCiphertext
	}
	return ciphertext[len(boxMarker):], nil
}

func (m *memCrypto) DeriveKeyPair(seed []byte) ([]byte, []byte, error) {
	return seed, seed, nil
}

// mustPublish publishes directly to the relay log on behalf of a test
// actor, bypassing any client.
func mustPublish(t interface{ Fatalf(string, ...interface{}) }, tr *memTransport, ev *Event) string {
	id, err := tr.Publish(context.Background(), ev)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return id
}

// signedAddEvent builds a published add-assertion event for subject.
func signedAddEvent(tr *memTransport, signer *Identity, externalID, subject string, role Role, at time.Time) (*Event, error) {
	a := &MembershipAssertion{
		GroupExternalID: externalID,
		Subject:         subject,
		Kind:            AssertAdd,
		AssertedAt:      at.UTC(),
		RoleHint:        role,
	}
	a.Sign(signer)
	content, err := cbor.Marshal(a)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		Kind:      KindMembershipAdd,
		AuthorID:  signer.UserID(),
		CreatedAt: at,
		Tags:      Tags{TagGroup: {externalID}, TagSubject: {subject}},
		Content:   content,
	}
	id, err := tr.Publish(context.Background(), ev)
	if err != nil {
		return nil, err
	}
	ev.ID = id
	return ev, nil
}
