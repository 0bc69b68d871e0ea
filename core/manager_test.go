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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(WithMonitorInterval(time.Millisecond))
}

func socketpair(t *testing.T) (int32, int32) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return int32(fds[0]), int32(fds[1])
}

// P1: contains(d) reflects add/remove exactly.
func TestContainsReflectsAddRemove(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	assert.False(t, m.Contains(a))
	sock := m.Add(a)
	assert.True(t, m.Contains(a))
	sock.Remove(nil)
	assert.False(t, m.Contains(a))
}

// R1: after remove, contains is false and the descriptor is closed.
func TestRemoveClosesDescriptorExactlyOnce(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	m.Add(a)
	m.Remove(a, nil)
	assert.False(t, m.Contains(a))

	// a is now closed; writing to it must fail with EBADF.
	_, err := unix.Write(int(a), []byte("x"))
	assert.Error(t, err)
}

// R2: remove is idempotent.
func TestRemoveIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	m.Add(a)
	m.Remove(a, nil)
	assert.NotPanics(t, func() {
		m.Remove(a, nil)
		m.Remove(a, nil)
	})
}

// Scenario 5: adding the same descriptor twice is a fatal programmer
// error.
func TestAddTwiceAborts(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(a))
	defer unix.Close(int(b))

	m.Add(a)
	assert.Panics(t, func() { m.Add(a) })
}

// Scenario 1: a wait on the read direction resumes once the peer writes.
func TestReadWaitResumesOnPeerWrite(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	m.Add(a)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var got []byte
	var err error
	go func() {
		got, err = m.Read(ctx, a, 64)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	_, werr := unix.Write(int(b), []byte("hello"))
	require.NoError(t, werr)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read did not resume")
	}
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

// Scenario 2: the peer closing its end resumes a pending read, and the
// hangup removes the descriptor (the read fails with connection-reset).
func TestPeerCloseResumesAndRemoves(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)

	m.Add(a)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = m.Read(ctx, a, 64)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, unix.Close(int(b)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read did not resume after peer close")
	}

	assert.Eventually(t, func() bool {
		return !m.Contains(a)
	}, time.Second, time.Millisecond)
}

// Scenario 3: concurrent waiters on the same descriptor/direction are
// resumed in FIFO submission order.
func TestConcurrentReadersResumeInFIFOOrder(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	m.Add(a)

	const n = 5
	order := make(chan int, n)
	var startWG sync.WaitGroup
	startWG.Add(n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			startWG.Done()
			_, err := m.Read(ctx, a, 1)
			if err == nil {
				order <- i
			}
		}()
		// Stagger submission so the FIFO order is deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	for i := 0; i < n; i++ {
		_, err := unix.Write(int(b), []byte{byte('a' + i)})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	var got []int
	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-timeout:
			t.Fatalf("only %d of %d readers resumed", len(got), n)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

// P5/scenario 4: cancelling one waiter's context does not affect other
// waiters pending on the same descriptor.
func TestCancellationIsolatesOtherWaiters(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	m.Add(a)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelDone := make(chan error, 1)
	go func() {
		_, err := m.Read(cancelCtx, a, 1)
		cancelDone <- err
	}()

	okCtx, okCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer okCancel()
	okDone := make(chan error, 1)
	go func() {
		_, err := m.Read(okCtx, a, 1)
		okDone <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelDone:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	_, err := unix.Write(int(b), []byte("z"))
	require.NoError(t, err)

	select {
	case err := <-okDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("surviving waiter never resumed")
	}
}

// I6: the background poll loop stops once the last socket is removed
// and is restarted by the next Add.
func TestLoopQuiescesWhenEmpty(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	m.Add(a)
	m.Remove(a, nil)

	assert.Eventually(t, func() bool {
		var idle bool
		m.submit(func() { idle = !m.monitoring })
		return idle
	}, time.Second, time.Millisecond)

	c, d := socketpair(t)
	defer unix.Close(int(d))
	m.Add(c)
	assert.Eventually(t, func() bool {
		var active bool
		m.submit(func() { active = m.monitoring })
		return active
	}, time.Second, time.Millisecond)
	m.Remove(c, nil)
}

// Write round-trips through the manager onto a real socketpair.
func TestWriteRoundTrip(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	defer unix.Close(int(b))

	m.Add(a)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := m.Write(ctx, a, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	bn, rerr := unix.Read(int(b), buf)
	require.NoError(t, rerr)
	assert.Equal(t, "ping", string(buf[:bn]))
}
