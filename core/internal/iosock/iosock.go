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

// Package iosock wraps the raw non-blocking socket syscalls that Socket
// State issues once the Manager has confirmed readiness. Every call here
// assumes a single in-flight caller per descriptor (spec §4.1's "all
// logically serialized per instance" contract) and returns short
// reads/writes as ordinary success, never as an error.
package iosock

import (
	"os"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// SetNonblocking forces fd into non-blocking mode by reading its current
// status flags, ORing in O_NONBLOCK and writing the result back. Per
// spec §9's open question, failure here is soft: the caller logs and
// continues rather than failing registration.
func SetNonblocking(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return os.NewSyscallError("fcntl getfl", err)
	}
	if flags&unix.O_NONBLOCK != 0 {
		return nil
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return os.NewSyscallError("fcntl setfl", err)
	}
	return nil
}

// Read performs a single non-blocking read of up to len(buf) bytes,
// returning only the bytes actually read. n == 0 with err == nil means
// the peer closed its end (spec §4.1).
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}
	return n, nil
}

// Write performs a single non-blocking write of up to len(buf) bytes,
// returning the number of bytes actually written; a short write is a
// successful partial result, not an error.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, os.NewSyscallError("write", err)
	}
	return n, nil
}

// SendTo performs a single non-blocking datagram send, optionally to a
// specific peer address.
func SendTo(fd int, buf []byte, to unix.Sockaddr) (int, error) {
	if to == nil {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
	if err := unix.Sendto(fd, buf, 0, to); err != nil {
		return 0, os.NewSyscallError("sendto", err)
	}
	return len(buf), nil
}

// bufPool pools the scratch buffers used by Recv/RecvFrom so that
// repeated short reads across many descriptors don't allocate per call;
// the teacher pools response buffers with the same library in its codec
// layer, so the same pool serves the equivalent concern here.
var bufPool bytebufferpool.Pool

// Recv performs a single non-blocking read of up to max bytes via a
// pooled scratch buffer, returning a right-sized copy of what was
// actually read.
func Recv(fd int, max int) ([]byte, error) {
	scratch := bufPool.Get()
	defer bufPool.Put(scratch)
	scratch.B = growTo(scratch.B, max)

	n, err := unix.Read(fd, scratch.B[:max])
	if err != nil {
		return nil, os.NewSyscallError("read", err)
	}
	out := make([]byte, n)
	copy(out, scratch.B[:n])
	return out, nil
}

// RecvFrom performs a single non-blocking datagram receive via a pooled
// scratch buffer, returning a right-sized copy and the peer address.
func RecvFrom(fd int, max int) ([]byte, unix.Sockaddr, error) {
	scratch := bufPool.Get()
	defer bufPool.Put(scratch)
	scratch.B = growTo(scratch.B, max)

	n, from, err := unix.Recvfrom(fd, scratch.B[:max], 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("recvfrom", err)
	}
	out := make([]byte, n)
	copy(out, scratch.B[:n])
	return out, from, nil
}

func growTo(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	return make([]byte, n)
}
