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

// Package web exposes a read-only introspection surface over a
// fdmux core.Manager: registered-socket snapshots, version info,
// Prometheus metrics and pprof profiles.
package web

import (
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fdmux/core"
)

// Init mounts the introspection routes for mgr onto ginSrv.
func Init(ginSrv *gin.Engine, mgr *core.Manager) {
	pprof.Register(ginSrv)
	h := &handlers{mgr: mgr}
	ginSrv.GET("/sockets", h.HandleSockets)
	ginSrv.GET("/version", h.HandleVersion)
	ginSrv.GET("/metrics", gin.WrapH(promhttp.HandlerFor(mgr.MetricsGatherer(), promhttp.HandlerOpts{})))
}
