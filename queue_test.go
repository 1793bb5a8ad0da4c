// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// queue_test.go - egress queue tests

package burrow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSend(i int) *queuedSend {
	return &queuedSend{
		Event: &Event{
			Kind:      KindGroupMessage,
			AuthorID:  "alice",
			CreatedAt: time.Unix(int64(i), 0),
			Tags:      Tags{TagGroup: {"g1"}},
			Content:   []byte(fmt.Sprintf("payload %d", i)),
		},
	}
}

func TestQueueFIFO(t *testing.T) {
	require := require.New(t)
	q := new(Queue)

	_, err := q.Pop()
	require.ErrorIs(err, ErrQueueEmpty)

	for i := 0; i < 3; i++ {
		require.NoError(q.Push(testSend(i)))
	}
	require.Equal(3, q.Len())

	peeked, err := q.Peek()
	require.NoError(err)
	require.Equal([]byte("payload 0"), peeked.Event.Content)

	for i := 0; i < 3; i++ {
		s, err := q.Pop()
		require.NoError(err)
		require.Equal([]byte(fmt.Sprintf("payload %d", i)), s.Event.Content)
	}
	require.Equal(0, q.Len())
}

func TestQueueFull(t *testing.T) {
	require := require.New(t)
	q := new(Queue)

	for i := 0; i < MaxQueueSize; i++ {
		require.NoError(q.Push(testSend(i)))
	}
	require.ErrorIs(q.Push(testSend(MaxQueueSize)), ErrQueueFull)

	// popping one frees one slot, and wrap-around keeps order
	s, err := q.Pop()
	require.NoError(err)
	require.Equal([]byte("payload 0"), s.Event.Content)
	require.NoError(q.Push(testSend(MaxQueueSize)))

	s, err = q.Pop()
	require.NoError(err)
	require.Equal([]byte("payload 1"), s.Event.Content)
}

func TestQueueBinaryRoundTrip(t *testing.T) {
	require := require.New(t)
	q := new(Queue)
	for i := 0; i < 5; i++ {
		require.NoError(q.Push(testSend(i)))
	}

	blob, err := q.MarshalBinary()
	require.NoError(err)

	restored := new(Queue)
	require.NoError(restored.UnmarshalBinary(blob))
	require.Equal(5, restored.Len())
	for i := 0; i < 5; i++ {
		s, err := restored.Pop()
		require.NoError(err)
		require.Equal([]byte(fmt.Sprintf("payload %d", i)), s.Event.Content)
	}
}
