// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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
	"sync"

	"golang.org/x/sys/unix"

	"fdmux/core/internal/iosock"
)

// waiter is the one-shot continuation a suspended caller blocks on;
// grounded on the neo-go rpcclient/waiter one-shot-channel pattern. It is
// always created with capacity 1 so the resumer (poll loop or
// dequeueAll) never blocks delivering the result.
type waiter chan error

// socket is the Socket State of spec §4.1: it owns exactly one open
// non-blocking descriptor, the per-direction FIFO waiter queues, and the
// single-subscriber event stream. All syscall methods assume the Manager
// has already confirmed readiness in the relevant direction. They take no
// lock of their own: a dispatch pass resumes at most one waiter per
// direction, so a read and a write on the same socket can run at once.
type socket struct {
	fd int32

	mu       sync.Mutex
	waiters  [2][]waiter // indexed by Direction
	terminal bool        // true once the terminal close event has fired

	events chan Event // capacity 1, buffers newest only
}

func newSocket(fd int32) *socket {
	return &socket{
		fd:     fd,
		events: make(chan Event, 1),
	}
}

// Fd returns the underlying descriptor value.
func (s *socket) Fd() int32 { return s.fd }

// Events returns the socket's single-subscriber event stream.
func (s *socket) Events() <-chan Event { return s.events }

// emit delivers ev, dropping the previously buffered event if the
// consumer hasn't kept up (spec: "buffers only the newest event"). No
// event is delivered after the terminal close (I5).
func (s *socket) emit(ev Event) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	if ev.Kind == EventClose {
		s.terminal = true
	}
	s.mu.Unlock()

	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// queue appends w to direction's FIFO.
func (s *socket) queue(dir Direction, w waiter) {
	s.mu.Lock()
	s.waiters[dir] = append(s.waiters[dir], w)
	s.mu.Unlock()
}

// dequeue pops the oldest waiter from direction's FIFO, or reports false
// if the queue is empty (I4).
func (s *socket) dequeue(dir Direction) (waiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.waiters[dir]
	if len(q) == 0 {
		return nil, false
	}
	w := q[0]
	s.waiters[dir] = q[1:]
	return w, true
}

// unqueue removes w from direction's FIFO wherever it sits and reports
// whether it was still queued. A cancelled wait() calls this to avoid
// leaking a dead waiter into the queue forever; if it reports false, the
// poll loop has already dequeued w (and is sending its result), so the
// caller should receive from w instead of treating the wait as cancelled.
func (s *socket) unqueue(dir Direction, w waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.waiters[dir]
	for i, cand := range q {
		if cand == w {
			s.waiters[dir] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// queueDepth reports the number of pending waiters in direction, used by
// the introspection/stats surface only.
func (s *socket) queueDepth(dir Direction) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[dir])
}

// dequeueAll drains every waiter in every direction, resuming each with
// err (I5).
func (s *socket) dequeueAll(err error) {
	s.mu.Lock()
	pending := s.waiters
	s.waiters = [2][]waiter{}
	s.mu.Unlock()

	for _, q := range pending {
		for _, w := range q {
			w <- err
		}
	}
}

// write writes buf in one syscall, returning the count actually written
// and emitting write(count) on success.
func (s *socket) write(buf []byte) (int, error) {
	n, err := iosock.Write(int(s.fd), buf)
	if err != nil {
		return n, err
	}
	s.emit(Event{Kind: EventWrite, Count: n})
	return n, nil
}

// sendMessage writes buf as a datagram, optionally to a specific peer.
func (s *socket) sendMessage(buf []byte, to unix.Sockaddr) (int, error) {
	n, err := iosock.SendTo(int(s.fd), buf, to)
	if err != nil {
		return n, err
	}
	s.emit(Event{Kind: EventWrite, Count: n})
	return n, nil
}

// read reads up to max bytes in one syscall, returning only the bytes
// actually read. A zero-length, nil-error result means the peer closed
// its end; it is returned normally, not as an error (spec §4.1).
func (s *socket) read(max int) ([]byte, error) {
	b, err := iosock.Recv(int(s.fd), max)
	if err != nil {
		return nil, err
	}
	s.emit(Event{Kind: EventRead, Count: len(b)})
	return b, nil
}

// receiveMessage reads up to max bytes of a datagram, returning the
// payload and the sender's address.
func (s *socket) receiveMessage(max int) ([]byte, unix.Sockaddr, error) {
	b, from, err := iosock.RecvFrom(int(s.fd), max)
	if err != nil {
		return nil, nil, err
	}
	s.emit(Event{Kind: EventRead, Count: len(b)})
	return b, from, nil
}
