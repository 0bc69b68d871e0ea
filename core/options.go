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

import "time"

// Option is a function that configures a Manager.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}
	return &opts
}

// Options configure a Manager instance.
type Options struct {
	// MonitorInterval is the sleep between poll ticks of the background
	// loop. Nanosecond granularity per spec §6; default is on the order
	// of milliseconds.
	MonitorInterval time.Duration

	// MonitorPriority is a scheduling priority hint for the background
	// poll loop's OS thread. Best-effort: not every platform honors it.
	MonitorPriority int

	// ReadBufferCap is a read size kept with the Manager's options.
	// Read and ReceiveMessage do not consult it: they always use the
	// caller's max.
	ReadBufferCap int
}

var defaultOptions = Options{
	MonitorInterval: 10 * time.Millisecond,
	MonitorPriority: 0,
	ReadBufferCap:   64 * 1024,
}

// WithMonitorInterval sets up the sleep duration between poll ticks.
func WithMonitorInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.MonitorInterval = d
	}
}

// WithMonitorPriority sets up the scheduling priority hint for the
// background poll loop.
func WithMonitorPriority(priority int) Option {
	return func(opts *Options) {
		opts.MonitorPriority = priority
	}
}

// WithReadBufferCap sets Options.ReadBufferCap.
func WithReadBufferCap(n int) Option {
	return func(opts *Options) {
		opts.ReadBufferCap = n
	}
}
