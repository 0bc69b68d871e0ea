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

// Command echosrv is a minimal demonstration of fdmux/core: it accepts
// TCP connections with the standard library, hands each accepted
// descriptor to a core.Manager, and echoes back whatever it reads until
// the peer closes or an error removes the socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sys/unix"

	"fdmux/config"
	"fdmux/core"
	"fdmux/core/pkg/logging"
	"fdmux/web"
)

var (
	configPath      = flag.String("p", "conf", "Config file path")
	basicConfigFile = flag.String("c", "echosrv.yaml", "Basic config filename")
	version         = flag.Bool("v", false, "Show version")
	help            = flag.Bool("h", false, "Show usage info")
)

var (
	CommitSHA string
	Tag       string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
}

const banner string = `
  __ _ _
 / _| | |
| |_| | |_ __ ___  _   ___  __
|  _| | '_ ` + "`" + ` _ \| | | \ \/ /
| | | | | | | | | |_| |>  <
|_| |_|_| |_| |_|\__,_/_/\_\
`

func parseCli() {
	flag.Parse()
	if *version {
		fmt.Printf("version: %s\ncommit: %s\n", Tag, CommitSHA)
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
}

func main() {
	parseCli()

	cfg, err := config.LoadConfig(path.Join(*configPath, *basicConfigFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config file err: %v\n", err)
		return
	}

	if err = logging.InitializeLogger(
		logging.WithPath(cfg.LogPath),
		logging.WithExpireDay(cfg.LogExpireDay),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger, err: %s\n", err)
		return
	}

	fmt.Print(banner)
	fmt.Printf("echosrv version: %s\n", Tag)
	fmt.Printf("echosrv started with port: %d, pid: %d\n", cfg.Port, syscall.Getpid())
	logging.Infof("echosrv started with port: %d, pid: %d, version: %s", cfg.Port, syscall.Getpid(), Tag)

	mgr := core.NewManager(
		core.WithMonitorInterval(cfg.MonitorIntervalDuration()),
		core.WithMonitorPriority(cfg.MonitorPriority),
		core.WithReadBufferCap(cfg.ReadBufferCap),
	)

	if cfg.WebPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.WebPort)
		gin.SetMode(gin.ReleaseMode)
		ginSrv := gin.New()
		web.Init(ginSrv, mgr)
		go func() {
			if err := ginSrv.Run(addr); err != nil {
				logging.Errorf("failed to start http server, err: %s", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logging.Errorf("failed to listen: %s", err)
		return
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logging.Errorf("accept failed: %s", err)
			return
		}
		go serve(mgr, cfg, conn)
	}
}

// serve duplicates the accepted connection's descriptor, registers it
// with mgr, and echoes data back until the peer closes or the socket is
// removed due to an error.
func serve(mgr *core.Manager, cfg *config.Config, conn net.Conn) {
	defer conn.Close()

	sc, ok := conn.(syscall.Conn)
	if !ok {
		logging.Errorf("accepted connection is not a syscall.Conn")
		return
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		logging.Errorf("failed to get raw conn: %s", err)
		return
	}

	var dupFD int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil || dupErr != nil {
		logging.Errorf("failed to dup accepted descriptor: ctrl=%v dup=%v", ctrlErr, dupErr)
		return
	}

	sock := mgr.Add(int32(dupFD))
	ctx := context.Background()

	for {
		buf, err := sock.Read(ctx, cfg.ReadBufferCap)
		if err != nil {
			logging.Debugf("fd=%d read ended: %s", dupFD, err)
			sock.Remove(err)
			return
		}
		if len(buf) == 0 {
			logging.Debugf("fd=%d peer closed", dupFD)
			sock.Remove(nil)
			return
		}
		if _, err := sock.Write(ctx, buf); err != nil {
			logging.Debugf("fd=%d write failed: %s", dupFD, err)
			sock.Remove(err)
			return
		}
	}
}
