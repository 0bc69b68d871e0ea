// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// I4: dequeue pops waiters in FIFO order, one at a time.
func TestSocketQueueFIFO(t *testing.T) {
	s := newSocket(7)

	w1 := make(waiter, 1)
	w2 := make(waiter, 1)
	w3 := make(waiter, 1)
	s.queue(DirRead, w1)
	s.queue(DirRead, w2)
	s.queue(DirRead, w3)
	assert.Equal(t, 3, s.queueDepth(DirRead))

	got, ok := s.dequeue(DirRead)
	assert.True(t, ok)
	assert.Same(t, w1, got)

	got, ok = s.dequeue(DirRead)
	assert.True(t, ok)
	assert.Same(t, w2, got)

	assert.Equal(t, 1, s.queueDepth(DirRead))
}

// Read and write directions are tracked independently.
func TestSocketQueueDirectionsIndependent(t *testing.T) {
	s := newSocket(7)
	rw := make(waiter, 1)
	ww := make(waiter, 1)
	s.queue(DirRead, rw)
	s.queue(DirWrite, ww)

	got, ok := s.dequeue(DirWrite)
	assert.True(t, ok)
	assert.Same(t, ww, got)
	assert.Equal(t, 1, s.queueDepth(DirRead))
}

// dequeue on an empty queue reports false without blocking (I4).
func TestSocketDequeueEmpty(t *testing.T) {
	s := newSocket(7)
	_, ok := s.dequeue(DirRead)
	assert.False(t, ok)
}

// I5: dequeueAll drains every waiter in every direction with the given
// error.
func TestSocketDequeueAllDrainsBothDirections(t *testing.T) {
	s := newSocket(7)
	rw := make(waiter, 1)
	ww := make(waiter, 1)
	s.queue(DirRead, rw)
	s.queue(DirWrite, ww)

	cause := errors.New("boom")
	s.dequeueAll(cause)

	assert.Equal(t, cause, <-rw)
	assert.Equal(t, cause, <-ww)
	assert.Equal(t, 0, s.queueDepth(DirRead))
	assert.Equal(t, 0, s.queueDepth(DirWrite))
}

// The event stream buffers only the newest event.
func TestSocketEmitDropsOldest(t *testing.T) {
	s := newSocket(7)
	s.emit(Event{Kind: EventRead, Count: 1})
	s.emit(Event{Kind: EventRead, Count: 2})

	ev := <-s.Events()
	assert.Equal(t, 2, ev.Count)
}

// I5: no event is delivered after the terminal close.
func TestSocketEmitStopsAfterClose(t *testing.T) {
	s := newSocket(7)
	s.emit(Event{Kind: EventClose})
	s.emit(Event{Kind: EventRead, Count: 5})

	ev := <-s.Events()
	assert.Equal(t, EventClose, ev.Kind)

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after close: %+v", ev)
	default:
	}
}
