// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/cubefs/backupstore/server"
	"github.com/cubefs/backupstore/util"
)

// Config service config
type Config struct {
	server.Config

	HttpBindPort  uint32          `json:"http_bind_port"`
	MaxProcessors int             `json:"max_processors"`
	LogLevel      log.Level       `json:"log_level"`
	AuditLog      auditlog.Config `json:"audit_log"`
}

func main() {
	config.Init("f", "", "backupstore.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	// standalone backup node: the replication layer attaches remotely, so
	// the monitor runs without a replica manager and only tracks crashes
	startServer, err := server.NewServer(ctx, &cfg.Config, nil, nil)
	if err != nil {
		span.Fatalf("start backup node failed: %s", errors.Detail(err))
	}

	httpServer := server.NewHttpServer(startServer)
	if err := httpServer.Serve(":"+strconv.Itoa(int(cfg.HttpBindPort)), &cfg.AuditLog); err != nil {
		span.Fatalf("start http server failed: %s", errors.Detail(err))
	}
	if ip, err := util.GetLocalIp(); err == nil {
		span.Infof("backup node reachable at %s:%d", ip, cfg.HttpBindPort)
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	// stop all server
	httpServer.Stop()
	startServer.Close(ctx)
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 1024000
	rLimit.Max = 1024000

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("setting rlimit faield: %s", err)
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}

func initConfig(cfg *Config) {
	if cfg.AuditLog.LogDir == "" {
		cfg.AuditLog.LogDir = "./run/audit_log"
	}
	if cfg.StorageConfig.Path == "" {
		cfg.StorageConfig.Path = "./run/segments"
	}
	if cfg.StorageConfig.SegmentSize == 0 {
		cfg.StorageConfig.SegmentSize = 8 << 20
	}
	if cfg.StorageConfig.Frames == 0 {
		cfg.StorageConfig.Frames = 256
	}
	if cfg.BackupConfig.PoolSlots == 0 {
		cfg.BackupConfig.PoolSlots = 32
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
}
