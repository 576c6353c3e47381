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

// Package backupserver handles requests from owner nodes and the recovery
// coordinator: it persistently stores log segments and serves them back when
// an owner crashes. The table lock covers only lookup/insert/erase; all
// storage I/O happens on the segment itself, outside the table lock.
package backupserver

import (
	"context"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/backupstore/backupserver/segpool"
	"github.com/cubefs/backupstore/backupserver/storage"
	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/metrics"
	"github.com/cubefs/backupstore/proto"
)

type Config struct {
	// PoolSlots bounds how many segments can be staged in memory at once.
	PoolSlots int `json:"pool_slots"`
}

type segmentKey struct {
	ownerID   proto.OwnerID
	segmentID proto.SegmentID
}

type BackupServer struct {
	pool    *segpool.Pool
	backend storage.Backend

	lock     sync.Mutex
	segments map[segmentKey]*SegmentInfo
	closed   bool
}

// NewBackupServer reserves the full staging pool up front; per-request paths
// never touch the general allocator for segment memory.
func NewBackupServer(ctx context.Context, cfg *Config, backend storage.Backend) *BackupServer {
	span := trace.SpanFromContextSafe(ctx)

	if cfg.PoolSlots <= 0 {
		cfg.PoolSlots = 16
	}
	s := &BackupServer{
		pool:     segpool.New(backend.SegmentSize(), cfg.PoolSlots),
		backend:  backend,
		segments: make(map[segmentKey]*SegmentInfo),
	}
	span.Infof("backup server ready: %d staging slots of %d bytes", cfg.PoolSlots, backend.SegmentSize())
	return s
}

// findSegment copies the entry pointer out under the table lock.
func (s *BackupServer) findSegment(ownerID proto.OwnerID, segmentID proto.SegmentID) (*SegmentInfo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, apierrors.ErrBackupClosed
	}
	seg, ok := s.segments[segmentKey{ownerID, segmentID}]
	if !ok {
		return nil, apierrors.ErrSegmentNotFound
	}
	return seg, nil
}

// OpenSegment creates and opens the segment. A FREED remnant under the same
// key is replaced; any other existing state reports the segment already open.
func (s *BackupServer) OpenSegment(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID) error {
	span := trace.SpanFromContextSafe(ctx)
	key := segmentKey{ownerID, segmentID}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return apierrors.ErrBackupClosed
	}
	if existing, ok := s.segments[key]; ok && existing.State() != StateFreed {
		s.lock.Unlock()
		metrics.SegmentOps.WithLabelValues("open", "already_open").Inc()
		return apierrors.ErrSegmentAlreadyOpen
	}
	seg := newSegmentInfo(s.pool, s.backend, ownerID, segmentID)
	s.segments[key] = seg
	s.lock.Unlock()

	if err := seg.open(ctx); err != nil {
		span.Warnf("open segment[%d] of owner[%d] failed: %s", segmentID, ownerID, err)
		s.lock.Lock()
		if s.segments[key] == seg {
			delete(s.segments, key)
		}
		s.lock.Unlock()
		metrics.SegmentOps.WithLabelValues("open", "error").Inc()
		return err
	}

	metrics.SegmentOps.WithLabelValues("open", "ok").Inc()
	metrics.SegmentsOpen.Inc()
	span.Debugf("opened segment[%d] of owner[%d]", segmentID, ownerID)
	return nil
}

func (s *BackupServer) WriteSegment(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID, offset uint32, data []byte) error {
	seg, err := s.findSegment(ownerID, segmentID)
	if err != nil {
		metrics.SegmentOps.WithLabelValues("write", "not_found").Inc()
		return err
	}
	if err := seg.write(ctx, offset, data); err != nil {
		metrics.SegmentOps.WithLabelValues("write", "error").Inc()
		return err
	}
	metrics.SegmentOps.WithLabelValues("write", "ok").Inc()
	metrics.BytesWritten.Add(float64(len(data)))
	return nil
}

func (s *BackupServer) CloseSegment(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID) error {
	span := trace.SpanFromContextSafe(ctx)
	seg, err := s.findSegment(ownerID, segmentID)
	if err != nil {
		metrics.SegmentOps.WithLabelValues("close", "not_found").Inc()
		return err
	}
	if err := seg.close(ctx); err != nil {
		metrics.SegmentOps.WithLabelValues("close", "error").Inc()
		return err
	}
	metrics.SegmentOps.WithLabelValues("close", "ok").Inc()
	span.Debugf("closed segment[%d] of owner[%d]", segmentID, ownerID)
	return nil
}

// FreeSegment releases the segment's resources and erases it. Freeing an
// absent segment acks: free is idempotent end to end.
func (s *BackupServer) FreeSegment(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID) error {
	key := segmentKey{ownerID, segmentID}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return apierrors.ErrBackupClosed
	}
	seg, ok := s.segments[key]
	s.lock.Unlock()
	if !ok {
		metrics.SegmentOps.WithLabelValues("free", "ok").Inc()
		return nil
	}

	seg.free(ctx)

	s.lock.Lock()
	if s.segments[key] == seg {
		delete(s.segments, key)
		// only the erasing caller decrements; racing frees of one key
		// must not skew the gauge
		metrics.SegmentsOpen.Dec()
	}
	s.lock.Unlock()
	metrics.SegmentOps.WithLabelValues("free", "ok").Inc()
	return nil
}

// EvictSegment releases the staging chunk of a durably stored segment so the
// pool slot can back another segment.
func (s *BackupServer) EvictSegment(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID) error {
	seg, err := s.findSegment(ownerID, segmentID)
	if err != nil {
		return err
	}
	return seg.evict(ctx)
}

// StartReadingData is the entry point of crash recovery: it kicks off loads
// for every stored segment the crashed owner left here and returns the
// metadata the recovering side needs to rebuild the log digest.
func (s *BackupServer) StartReadingData(ctx context.Context, ownerID proto.OwnerID) ([]proto.SegmentMetadata, error) {
	span := trace.SpanFromContextSafe(ctx)

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil, apierrors.ErrBackupClosed
	}
	var segs []*SegmentInfo
	for key, seg := range s.segments {
		if key.ownerID == ownerID {
			segs = append(segs, seg)
		}
	}
	s.lock.Unlock()

	if len(segs) == 0 {
		return nil, apierrors.ErrSegmentNotFound
	}

	result := make([]proto.SegmentMetadata, 0, len(segs))
	for _, seg := range segs {
		switch seg.State() {
		case StateClosed:
			// a failed load start is not fatal for the scan: the segment
			// still exists and its metadata must reach the coordinator;
			// residency is polled through GetRecoveryData anyway
			if _, err := seg.startLoading(ctx); err != nil {
				span.Warnf("start loading segment[%d] of owner[%d] failed: %s", seg.segmentID, ownerID, err)
			} else {
				metrics.RecoveryLoads.Inc()
			}
		case StateOpen:
			// still staged, nothing to load
		default:
			continue
		}
		result = append(result, seg.metadata())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SegmentID < result[j].SegmentID })

	span.Infof("started reading %d segments of owner[%d]", len(result), ownerID)
	return result, nil
}

// GetRecoveryData serves the filtered entries of one loaded segment. A
// segment still in flight from storage reports not-resident so the caller
// retries after a delay instead of treating it as missing.
func (s *BackupServer) GetRecoveryData(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID, filter proto.TabletFilter) ([]proto.Entry, error) {
	seg, err := s.findSegment(ownerID, segmentID)
	if err != nil {
		return nil, err
	}
	return seg.recoveryEntries(filter)
}

type BackupStats struct {
	Segments  int `json:"segments"`
	FreeSlots int `json:"free_slots"`
}

func (s *BackupServer) Stats() BackupStats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return BackupStats{
		Segments:  len(s.segments),
		FreeSlots: s.pool.FreeSlots(),
	}
}

// Close frees every segment and shuts the storage backend down.
func (s *BackupServer) Close(ctx context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	segs := make([]*SegmentInfo, 0, len(s.segments))
	for _, seg := range s.segments {
		segs = append(segs, seg)
	}
	s.segments = make(map[segmentKey]*SegmentInfo)
	s.lock.Unlock()

	for _, seg := range segs {
		seg.free(ctx)
		metrics.SegmentsOpen.Dec()
	}
	return s.backend.Close()
}
