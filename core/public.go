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

// Package core implements the Socket State / Socket Manager pair: a
// process-wide asynchronous socket I/O multiplexer built on a portable
// level-triggered readiness poll, exposing a suspend/resume wait()
// contract instead of callback dispatch.
package core

import (
	"context"

	"golang.org/x/sys/unix"
)

// Socket is a convenience handle bound to one registered descriptor,
// returned by Add and by the package-level Add. It forwards every call
// to the owning Manager with its own descriptor, so callers that hold
// a Socket never need to thread the descriptor value back through.
type Socket struct {
	fd  int32
	mgr *Manager
}

// Fd returns the underlying descriptor value.
func (sock *Socket) Fd() int32 { return sock.fd }

// Manager returns the Manager this socket is registered with.
func (sock *Socket) Manager() *Manager { return sock.mgr }

// Events returns the socket's event stream (spec §3/§6). It panics if
// the descriptor has already been removed from its Manager, mirroring
// Add/Remove's own fatal-on-misuse posture.
func (sock *Socket) Events() <-chan Event {
	s, err := sock.mgr.lookup(sock.fd)
	if err != nil {
		panic(err)
	}
	return s.Events()
}

// Write writes buf to the socket, waiting for writability first.
func (sock *Socket) Write(ctx context.Context, buf []byte) (int, error) {
	return sock.mgr.Write(ctx, sock.fd, buf)
}

// SendMessage writes buf as a datagram, optionally to a specific peer,
// waiting for writability first.
func (sock *Socket) SendMessage(ctx context.Context, buf []byte, to unix.Sockaddr) (int, error) {
	return sock.mgr.SendMessage(ctx, sock.fd, buf, to)
}

// Read reads up to max bytes, waiting for readability first.
func (sock *Socket) Read(ctx context.Context, max int) ([]byte, error) {
	return sock.mgr.Read(ctx, sock.fd, max)
}

// ReceiveMessage reads up to max bytes of a datagram, waiting for
// readability first, and returns the sender's address.
func (sock *Socket) ReceiveMessage(ctx context.Context, max int) ([]byte, unix.Sockaddr, error) {
	return sock.mgr.ReceiveMessage(ctx, sock.fd, max)
}

// Remove unregisters the socket from its Manager; see Manager.Remove.
func (sock *Socket) Remove(cause error) {
	sock.mgr.Remove(sock.fd, cause)
}

// Add registers fd with the process-wide default Manager. It is a thin
// wrapper over Default().Add, mirroring the teacher's package-level
// convenience functions sitting atop an EngineGlobal singleton.
func Add(fd int32) *Socket { return Default().Add(fd) }

// Remove unregisters fd from the process-wide default Manager.
func Remove(fd int32, cause error) { Default().Remove(fd, cause) }

// Contains reports whether fd is registered with the process-wide
// default Manager.
func Contains(fd int32) bool { return Default().Contains(fd) }
