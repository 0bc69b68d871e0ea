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

// Package netpoll wraps the portable, level-triggered readiness-poll
// syscall (poll(2)) behind a vector that the Manager rebuilds on every
// registration or removal. Unlike the kqueue/epoll reactor this module
// was forked from, it does not register individual descriptors with the
// kernel ahead of time: every tick hands the OS the full vector and reads
// back per-descriptor readiness, per spec §9's portable-polling mandate.
package netpoll

import (
	"math"
	"os"

	"github.com/petar/GoLLRB/llrb"
	"golang.org/x/sys/unix"
)

// Events is a bit-set over the readiness vocabulary the Manager cares
// about: read, write, error, hangup and invalid-request.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
	EventInvalid
)

// Has reports whether e contains every bit set in want.
func (e Events) Has(want Events) bool { return e&want == want }

// requestedMask is what every poll entry asks the OS for. POLLERR,
// POLLHUP and POLLNVAL are always reported by the kernel regardless of
// the requested mask, so only POLLIN/POLLOUT need to be requested
// explicitly; the union described in spec §3 is the conceptual readiness
// vocabulary the Manager reasons about, not a literal request mask.
const requestedMask = unix.POLLIN | unix.POLLOUT

func maskToEvents(mask int16) Events {
	var e Events
	if mask&unix.POLLIN != 0 {
		e |= EventRead
	}
	if mask&unix.POLLOUT != 0 {
		e |= EventWrite
	}
	if mask&unix.POLLERR != 0 {
		e |= EventError
	}
	if mask&unix.POLLHUP != 0 {
		e |= EventHangup
	}
	if mask&unix.POLLNVAL != 0 {
		e |= EventInvalid
	}
	return e
}

// fdItem is the llrb.Item backing the Vector's ordered descriptor set;
// ordering by fd alone gives the ascending-by-descriptor-value iteration
// order required by I2/P6 for free out of tree traversal, with O(log n)
// insert/delete instead of re-sorting a flat slice on every mutation.
type fdItem struct {
	fd int32
}

func (i fdItem) Less(than llrb.Item) bool {
	return i.fd < than.(fdItem).fd
}

// Vector is the poll vector: an ordered set of descriptors plus the
// []unix.PollFd slice handed to the OS poll syscall.
type Vector struct {
	tree    *llrb.LLRB
	entries []unix.PollFd
	index   map[int32]int
	dirty   bool
}

// NewVector returns an empty poll vector.
func NewVector() *Vector {
	return &Vector{
		tree:  llrb.New(),
		index: make(map[int32]int),
	}
}

// Insert adds fd to the vector (I1). It is a no-op if fd is already
// present.
func (v *Vector) Insert(fd int32) {
	if v.tree.Get(fdItem{fd}) != nil {
		return
	}
	v.tree.ReplaceOrInsert(fdItem{fd})
	v.dirty = true
}

// Remove drops fd from the vector (I1). It is a no-op if fd is absent.
func (v *Vector) Remove(fd int32) {
	if v.tree.Delete(fdItem{fd}) != nil {
		v.dirty = true
	}
}

// Len reports how many descriptors are currently tracked.
func (v *Vector) Len() int { return v.tree.Len() }

// rebuild regenerates the []unix.PollFd slice from the tree in ascending
// order (I2/P6), only when the descriptor set actually changed since the
// last rebuild.
func (v *Vector) rebuild() {
	if !v.dirty {
		return
	}
	v.entries = v.entries[:0]
	v.index = make(map[int32]int, v.tree.Len())
	v.tree.AscendGreaterOrEqual(fdItem{fd: math.MinInt32}, func(i llrb.Item) bool {
		fd := i.(fdItem).fd
		v.index[fd] = len(v.entries)
		v.entries = append(v.entries, unix.PollFd{Fd: fd, Events: requestedMask})
		return true
	})
	v.dirty = false
}

// Poll rebuilds the vector if needed, resets returned events, and issues
// a single poll(2) call with the given millisecond timeout (0 means
// return immediately, matching spec §5's "immediate-return polling with
// subsequent interval-based re-polling").
func (v *Vector) Poll(timeoutMs int) error {
	v.rebuild()
	for i := range v.entries {
		v.entries[i].Revents = 0
	}
	if len(v.entries) == 0 {
		return nil
	}
	n, err := unix.Poll(v.entries, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("poll", err)
	}
	_ = n
	return nil
}

// Returned reports the events the last Poll call observed for fd.
func (v *Vector) Returned(fd int32) (Events, bool) {
	i, ok := v.index[fd]
	if !ok {
		return 0, false
	}
	return maskToEvents(v.entries[i].Revents), true
}

// Each invokes fn for every tracked descriptor in ascending order,
// passing the events the last Poll call observed for it. fn's return
// value controls early termination, mirroring llrb's iterator contract.
func (v *Vector) Each(fn func(fd int32, returned Events) bool) {
	v.rebuild()
	for _, e := range v.entries {
		if !fn(e.Fd, maskToEvents(e.Revents)) {
			return
		}
	}
}
