// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fdmux/core"
)

// buildVersion and buildCommit are overridden at link time via -ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

type handlers struct {
	mgr *core.Manager
}

// HandleSockets reports a point-in-time snapshot of every registered
// descriptor, read lock-free from the Manager's registry mirror (spec
// §9: the web surface never touches the owner goroutine's authoritative
// state).
func (h *handlers) HandleSockets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count":   h.mgr.RegisteredCount(),
		"sockets": h.mgr.RegistrySnapshot(),
	})
}

// HandleVersion reports the build version and commit.
func (h *handlers) HandleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": buildVersion,
		"commit":  buildCommit,
	})
}
