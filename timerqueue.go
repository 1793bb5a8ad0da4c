// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// timerqueue.go - time delayed retry queue

package burrow

import (
	"container/heap"
	"sync"
	"time"

	"github.com/katzenpost/katzenpost/core/queue"
	"github.com/katzenpost/katzenpost/core/worker"
)

// Item is an entry of the TimerQueue; Priority is the unix nanosecond
// time at which the item becomes due.
type Item interface {
	Priority() uint64
}

// Nqueue is the destination items are forwarded to when due.
type Nqueue interface {
	Push(Item) error
}

// TimerQueue delays items until their priority time and then forwards
// them to the next queue. It schedules the retries of failed backups
// and failed network sends.
type TimerQueue struct {
	worker.Worker

	priq  *queue.PriorityQueue
	nextQ Nqueue

	l      sync.Mutex
	wakech chan struct{}
}

// NewTimerQueue instantiates a new TimerQueue.
func NewTimerQueue(nextQueue Nqueue) *TimerQueue {
	return &TimerQueue{
		nextQ:  nextQueue,
		priq:   queue.New(),
		wakech: make(chan struct{}),
	}
}

// Start starts the worker routine.
func (a *TimerQueue) Start() {
	a.Go(a.worker)
}

// Push adds an item to the TimerQueue.
func (a *TimerQueue) Push(i Item) {
	a.l.Lock()
	a.priq.Enqueue(i.Priority(), i)
	a.l.Unlock()
	select {
	case a.wakech <- struct{}{}:
	case <-a.HaltCh():
		// don't block at shutdown
	}
}

// Len returns the number of delayed items.
func (a *TimerQueue) Len() int {
	a.l.Lock()
	defer a.l.Unlock()
	return a.priq.Len()
}

func (a *TimerQueue) forward() {
	a.l.Lock()
	m := heap.Pop(a.priq)
	a.l.Unlock()
	if m == nil {
		return
	}
	item := m.(*queue.Entry).Value.(Item)
	if err := a.nextQ.Push(item); err != nil {
		// the next queue is full; push back with the same priority
		a.l.Lock()
		a.priq.Enqueue(item.Priority(), item)
		a.l.Unlock()
	}
}

func (a *TimerQueue) worker() {
	for {
		var c <-chan time.Time
		a.l.Lock()
		if m := a.priq.Peek(); m != nil {
			until := time.Until(time.Unix(0, int64(m.Priority)))
			if until <= 0 {
				a.l.Unlock()
				a.forward()
				continue
			}
			c = time.After(until)
		}
		a.l.Unlock()
		select {
		case <-a.HaltCh():
			return
		case <-c:
			a.forward()
		case <-a.wakech:
		}
	}
}
