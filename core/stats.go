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
	"github.com/prometheus/client_golang/prometheus"
)

// managerMetrics holds one Manager's Prometheus collectors, following the
// teacher's NewProxyStats(namespace) shape: a struct of collector fields
// built once and registered with the Manager's own registry.
type managerMetrics struct {
	registeredSockets prometheus.Gauge
	pollTicks         prometheus.Counter
	pollErrors        prometheus.Counter
	pollTickDuration  prometheus.Histogram
	eventsDispatched  prometheus.Counter
}

// newManagerMetrics builds one Manager's collectors and registers them
// with reg. Each Manager owns its own *prometheus.Registry (see
// NewManager) rather than the global default, so NewManager's documented
// test-isolation guarantee holds: two Managers never share a gauge, and
// constructing many of them in a test suite never hits
// prometheus.MustRegister's duplicate-descriptor panic.
func newManagerMetrics(reg *prometheus.Registry) *managerMetrics {
	m := &managerMetrics{
		registeredSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fdmux",
			Name:      "registered_sockets",
			Help:      "number of descriptors currently registered with the manager",
		}),
		pollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fdmux",
			Name:      "poll_ticks_total",
			Help:      "number of completed poll(2) passes",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fdmux",
			Name:      "poll_errors_total",
			Help:      "number of poll(2) passes that returned a syscall error",
		}),
		pollTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fdmux",
			Name:      "poll_tick_duration_seconds",
			Help:      "wall time of one poll-and-dispatch pass",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fdmux",
			Name:      "waiters_resumed_total",
			Help:      "number of waiters resumed by the poll loop",
		}),
	}
	reg.MustRegister(
		m.registeredSockets, m.pollTicks, m.pollErrors, m.pollTickDuration, m.eventsDispatched,
	)
	return m
}

// snapshot is the registry mirror's value type: a point-in-time,
// read-only view of one registered descriptor, including both waiter
// queue depths. It is written exclusively by the owner goroutine (on
// every Add and after every dispatch pass) and read lock-free by the web
// and stats surfaces, which never touch the owner goroutine's
// authoritative sockets map.
type snapshot struct {
	fd         int32
	readQueue  int
	writeQueue int
}

func newSnapshot(fd int32, readQueue, writeQueue int) snapshot {
	return snapshot{fd: fd, readQueue: readQueue, writeQueue: writeQueue}
}

// Fd returns the descriptor this snapshot describes.
func (s snapshot) Fd() int32 { return s.fd }

// Snapshot is the exported, read-only view returned by RegistrySnapshot.
type Snapshot struct {
	Fd         int32
	ReadQueue  int
	WriteQueue int
}

// RegistrySnapshot returns a point-in-time view of every registered
// descriptor, read lock-free from the registry mirror (never from the
// owner goroutine's authoritative sockets map), for use by the web and
// stats surfaces. It never hops onto the owner goroutine, so it cannot
// stall a poll tick.
func (m *Manager) RegistrySnapshot() []Snapshot {
	out := make([]Snapshot, 0, m.registry.Len())
	for kv := range m.registry.Iter() {
		snap := kv.Value.(snapshot)
		out = append(out, Snapshot{
			Fd:         snap.fd,
			ReadQueue:  snap.readQueue,
			WriteQueue: snap.writeQueue,
		})
	}
	return out
}

// RegisteredCount returns the number of descriptors currently mirrored
// in the registry, read lock-free.
func (m *Manager) RegisteredCount() int {
	return m.registry.Len()
}
