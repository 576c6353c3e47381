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

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/backupstore/backupserver"
	"github.com/cubefs/backupstore/backupserver/storage"
	"github.com/cubefs/backupstore/cluster"
)

type Config struct {
	BackupConfig  backupserver.Config `json:"backup_config"`
	StorageConfig storage.FileConfig  `json:"storage_config"`
	// MemStorage keeps segments in memory instead of the flat file; for
	// tests and throwaway clusters.
	MemStorage bool `json:"mem_storage"`
}

// Server glues the backup data path to the failure monitor. The replica
// manager and log are attach points for the replication layer running in the
// same process; both may be nil, in which case crashes are only tracked.
type Server struct {
	backup  *backupserver.BackupServer
	tracker *cluster.Tracker
	monitor *cluster.FailureMonitor
}

func NewServer(ctx context.Context, cfg *Config, rm cluster.ReplicaManager, log cluster.Log) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)

	var backend storage.Backend
	if cfg.MemStorage {
		backend = storage.NewMemBackend(cfg.StorageConfig.SegmentSize, cfg.StorageConfig.Frames)
	} else {
		var err error
		backend, err = storage.OpenFileBackend(ctx, cfg.StorageConfig)
		if err != nil {
			return nil, err
		}
	}

	tracker := cluster.NewTracker()
	s := &Server{
		backup:  backupserver.NewBackupServer(ctx, &cfg.BackupConfig, backend),
		tracker: tracker,
		monitor: cluster.NewFailureMonitor(tracker, rm),
	}
	if err := s.monitor.Start(log); err != nil {
		s.backup.Close(ctx)
		return nil, err
	}

	span.Info("backup node started")
	return s, nil
}

func (s *Server) Backup() *backupserver.BackupServer {
	return s.backup
}

func (s *Server) Tracker() *cluster.Tracker {
	return s.tracker
}

func (s *Server) Monitor() *cluster.FailureMonitor {
	return s.monitor
}

func (s *Server) Close(ctx context.Context) error {
	s.monitor.Halt()
	return s.backup.Close(ctx)
}
