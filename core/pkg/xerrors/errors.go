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

package xerrors

import "errors"

var (
	// ErrInvalidArgument occurs when an operation targets a descriptor that
	// is not registered with the Manager.
	ErrInvalidArgument = errors.New("invalid argument: descriptor not registered")
	// ErrConnectionAborted occurs when a socket is removed while a waiter is
	// pending on it, or when the poller itself reports an OS error event.
	ErrConnectionAborted = errors.New("connection aborted")
	// ErrConnectionReset occurs when the OS reports a hangup on a descriptor.
	ErrConnectionReset = errors.New("connection reset by peer")
	// ErrBadFileDescriptor occurs when the OS reports an invalid-request
	// event for a descriptor; this indicates a programmer error upstream.
	ErrBadFileDescriptor = errors.New("bad file descriptor")
	// ErrCancelled is returned to a waiter whose context was cancelled
	// before its direction became ready.
	ErrCancelled = errors.New("wait cancelled")
	// ErrAlreadyRegistered occurs when Add is called twice for the same
	// descriptor; this is a programmer error and is never recovered from.
	ErrAlreadyRegistered = errors.New("descriptor already registered")
	// ErrManagerClosed is not returned by any Manager method: a Manager's
	// owner goroutine runs for the life of the process.
	ErrManagerClosed = errors.New("manager is closed")
)
