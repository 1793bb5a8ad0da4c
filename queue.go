// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// queue.go - egress retry queue

package burrow

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const MaxQueueSize = 64

// ErrQueueFull is the error issued when the queue is full.
var ErrQueueFull = errors.New("queue is full")

// ErrQueueEmpty is the error issued when the queue is empty.
var ErrQueueEmpty = errors.New("queue is empty")

// queuedSend is one network send that must eventually reach the relay.
// The event is re-sent verbatim, never re-derived: re-deriving a
// commit or welcome would desynchronize us from receivers that already
// processed the first copy.
type queuedSend struct {
	Event    *Event
	Attempts int

	// SendAt is the unix nanosecond time before which the send must
	// not be retried.
	SendAt int64
}

// Priority implements the timer queue item interface.
func (s *queuedSend) Priority() uint64 {
	return uint64(s.SendAt)
}

// Queue is our in-memory FIFO of sends spooled while offline or
// awaiting retry. Sends are drained in order on reconnect.
type Queue struct {
	sync.Mutex
	content   [MaxQueueSize]*queuedSend
	readHead  int
	writeHead int
	len       int
}

// Push pushes the given send onto the queue and returns nil on
// success, otherwise an error is returned.
func (q *Queue) Push(e *queuedSend) error {
	q.Lock()
	defer q.Unlock()
	if q.len >= MaxQueueSize {
		return ErrQueueFull
	}
	q.content[q.writeHead] = e
	q.writeHead = (q.writeHead + 1) % MaxQueueSize
	q.len++
	return nil
}

// Pop pops the next send off the queue or returns an error.
func (q *Queue) Pop() (*queuedSend, error) {
	q.Lock()
	defer q.Unlock()
	if q.len <= 0 {
		return nil, ErrQueueEmpty
	}
	result := q.content[q.readHead]
	q.content[q.readHead] = nil
	q.readHead = (q.readHead + 1) % MaxQueueSize
	q.len--
	return result, nil
}

// Peek returns the next send from the queue without modifying it.
func (q *Queue) Peek() (*queuedSend, error) {
	q.Lock()
	defer q.Unlock()
	if q.len <= 0 {
		return nil, ErrQueueEmpty
	}
	return q.content[q.readHead], nil
}

// Len returns the number of queued sends.
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.len
}

type serializedQ struct {
	Content   [MaxQueueSize]*queuedSend
	ReadHead  int
	WriteHead int
	Len       int
}

func (q *Queue) MarshalBinary() ([]byte, error) {
	q.Lock()
	defer q.Unlock()
	tmp := &serializedQ{
		ReadHead:  q.readHead,
		WriteHead: q.writeHead,
		Len:       q.len,
	}
	for i := range q.content {
		tmp.Content[i] = q.content[i]
	}
	return cbor.Marshal(tmp)
}

func (q *Queue) UnmarshalBinary(data []byte) error {
	tmp := &serializedQ{}
	if _, err := cbor.UnmarshalFirst(data, &tmp); err != nil {
		return err
	}
	for i := range tmp.Content {
		q.content[i] = tmp.Content[i]
	}
	q.readHead = tmp.ReadHead
	q.writeHead = tmp.WriteHead
	q.len = tmp.Len
	return nil
}
