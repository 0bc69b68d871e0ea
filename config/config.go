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

// Package config loads and hot-reloads the YAML configuration for an
// fdmux-based process.
package config

import (
	"io/ioutil"
	"path"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fdmux/core/pkg/logging"
)

// Config is the top-level YAML document consumed by cmd/echosrv and any
// other fdmux-based binary.
type Config struct {
	Port            int    `yaml:"port"`
	WebPort         int    `yaml:"web_port"`
	LogPath         string `yaml:"log_path"`
	LogLevel        string `yaml:"log_level"`
	LogExpireDay    int    `yaml:"log_expire_day"`
	MonitorInterval int    `yaml:"monitor_interval_ms"`
	MonitorPriority int    `yaml:"monitor_priority"`
	ReadBufferCap   int    `yaml:"read_buffer_cap"`
}

// MonitorIntervalDuration converts MonitorInterval (milliseconds in the
// YAML document) into a time.Duration for core.WithMonitorInterval.
func (c *Config) MonitorIntervalDuration() time.Duration {
	return time.Duration(c.MonitorInterval) * time.Millisecond
}

func (c *Config) validate() error {
	if c.Port <= 0 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if _, ok := logging.LevelMapperRev[c.LogLevel]; !ok {
		return errors.Errorf("unknown log level %s", c.LogLevel)
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10
	}
	if c.ReadBufferCap <= 0 {
		c.ReadBufferCap = 64 * 1024
	}
	return nil
}

// LoadConfig reads and validates the YAML document at fileName.
func LoadConfig(fileName string) (*Config, error) {
	file, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file from %s", fileName)
	}
	var cfg Config
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", fileName)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "config validate failed")
	}
	return &cfg, nil
}

// Watcher reloads a Config from disk whenever the backing file changes,
// exposing the latest parsed value through Current. A failed reload
// logs and keeps serving the previous value, mirroring authip's
// LoopIPWhiteList tolerance for transient write races.
type Watcher struct {
	dir  string
	name string
	full string

	mu      sync.RWMutex
	current *Config
}

// WatchConfig loads fileName once and then watches its parent directory
// for subsequent writes, reloading on each one.
func WatchConfig(fileName string) (*Watcher, error) {
	cfg, err := LoadConfig(fileName)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:     path.Dir(fileName),
		name:    path.Base(fileName),
		full:    fileName,
		current: cfg,
	}
	if err := w.watch(); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) watch() error {
	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to start config watcher")
	}
	if err := watch.Add(w.dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", w.dir)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watch.Events:
				if !ok {
					return
				}
				if path.Base(ev.Name) != w.name {
					continue
				}
				switch {
				case ev.Op&fsnotify.Write == fsnotify.Write, ev.Op&fsnotify.Rename == fsnotify.Rename:
					cfg, err := LoadConfig(w.full)
					if err != nil {
						logging.Errorf("config reload failed: %s", err)
						continue
					}
					w.mu.Lock()
					w.current = cfg
					w.mu.Unlock()
					logging.Infof("reloaded config from %s", w.full)
				}
			case err, ok := <-watch.Errors:
				if !ok {
					return
				}
				logging.Errorf("config watcher error: %s", err)
			}
		}
	}()
	return nil
}
