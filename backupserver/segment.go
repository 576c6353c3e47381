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

package backupserver

import (
	"context"
	"hash/crc32"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/backupstore/backupserver/segpool"
	"github.com/cubefs/backupstore/backupserver/storage"
	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/proto"
)

// SegmentState is sufficient to determine which operations are legal.
type SegmentState int

const (
	// StateUninit allows open only.
	StateUninit SegmentState = iota
	// StateOpen has storage reserved and the segment mutable.
	StateOpen
	// StateClosed is immutable and moved (or moving) to stable store.
	StateClosed
	// StateFreed allows nothing; further frees are no-ops.
	StateFreed
)

func (s SegmentState) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFreed:
		return "FREED"
	default:
		return "INVALID"
	}
}

// SegmentInfo tracks all state associated with a single segment and manages
// the staging chunk and storage frame backing it.
type SegmentInfo struct {
	ownerID   proto.OwnerID
	segmentID proto.SegmentID

	pool    *segpool.Pool
	backend storage.Backend

	lock          sync.Mutex
	state         SegmentState
	chunk         segpool.Chunk
	handle        storage.Handle
	writtenLength uint32
	checksum      uint32

	// pendingSync is the close-to-storage write in flight; pendingLoad the
	// recovery load. Either stays set after completion so the outcome can
	// still be queried.
	pendingSync *storage.Op
	pendingLoad *storage.Op
}

func newSegmentInfo(pool *segpool.Pool, backend storage.Backend, ownerID proto.OwnerID, segmentID proto.SegmentID) *SegmentInfo {
	return &SegmentInfo{
		ownerID:   ownerID,
		segmentID: segmentID,
		pool:      pool,
		backend:   backend,
		handle:    storage.NoHandle,
	}
}

func (s *SegmentInfo) State() SegmentState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// InMemory reports whether a staging chunk currently backs this segment.
func (s *SegmentInfo) InMemory() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.chunk.Valid()
}

func (s *SegmentInfo) InStorage() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state == StateClosed && s.pendingSync != nil &&
		s.pendingSync.Completed() && s.pendingSync.Err() == nil
}

// open reserves a staging chunk and a storage frame. Legal only once, from
// UNINIT.
func (s *SegmentInfo) open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StateUninit {
		return apierrors.ErrInvalidState
	}
	chunk, err := s.pool.Alloc()
	if err != nil {
		return err
	}
	handle, err := s.backend.Allocate(ctx, s.ownerID, s.segmentID)
	if err != nil {
		s.pool.Free(chunk)
		return err
	}

	// slots come back off a free list still holding the previous tenant
	b := chunk.Bytes()
	for i := range b {
		b[i] = 0
	}

	s.chunk = chunk
	s.handle = handle
	s.state = StateOpen
	return nil
}

// write appends data into the staging chunk at offset. Legal only while OPEN.
func (s *SegmentInfo) write(ctx context.Context, offset uint32, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch s.state {
	case StateOpen:
	case StateUninit, StateClosed, StateFreed:
		return apierrors.ErrInvalidState
	}
	end := uint64(offset) + uint64(len(data))
	if end > uint64(s.pool.SlotSize()) {
		return apierrors.ErrInvalidArgument
	}
	copy(s.chunk.Bytes()[offset:], data)
	if uint32(end) > s.writtenLength {
		s.writtenLength = uint32(end)
	}
	return nil
}

// close marks the segment immutable and starts moving it to stable store.
// The chunk stays resident so recovery reads right after a crash do not pay
// a device round trip.
func (s *SegmentInfo) close(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StateOpen {
		return apierrors.ErrInvalidState
	}
	s.checksum = crc32.ChecksumIEEE(s.chunk.Bytes()[:s.writtenLength])
	s.state = StateClosed
	s.pendingSync = s.backend.Put(ctx, s.handle, s.chunk.Bytes())
	return nil
}

// startLoading begins pulling the segment back from stable store. Legal only
// while CLOSED. Calling it with a load already in flight returns the
// existing token; calling it while the chunk is still resident completes
// immediately.
func (s *SegmentInfo) startLoading(ctx context.Context) (*storage.Op, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StateClosed {
		return nil, apierrors.ErrInvalidState
	}
	if s.pendingLoad != nil && !s.pendingLoad.Completed() {
		return s.pendingLoad, nil
	}
	if s.chunk.Valid() && s.loadUsableLocked() {
		return s.pendingLoad, nil
	}

	if !s.chunk.Valid() {
		chunk, err := s.pool.Alloc()
		if err != nil {
			return nil, err
		}
		s.chunk = chunk
	}
	s.pendingLoad = s.backend.Get(ctx, s.handle, s.chunk.Bytes())
	return s.pendingLoad, nil
}

// loadUsableLocked: no load was needed, or the last one succeeded.
func (s *SegmentInfo) loadUsableLocked() bool {
	return s.pendingLoad == nil ||
		(s.pendingLoad.Completed() && s.pendingLoad.Err() == nil)
}

// IsLoading is true exactly while a load has been issued and not completed.
func (s *SegmentInfo) IsLoading() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pendingLoad != nil && !s.pendingLoad.Completed()
}

// getSegment returns the staging bytes if resident. It never blocks waiting
// for a load; callers poll. A load that failed reports the storage error
// rather than not-resident so callers do not retry forever.
func (s *SegmentInfo) getSegment() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.residentBytesLocked()
}

func (s *SegmentInfo) residentBytesLocked() ([]byte, error) {
	switch s.state {
	case StateOpen:
		return s.chunk.Bytes(), nil
	case StateClosed:
		if !s.chunk.Valid() {
			return nil, apierrors.ErrSegmentNotResident
		}
		if s.pendingLoad != nil {
			if !s.pendingLoad.Completed() {
				return nil, apierrors.ErrSegmentNotResident
			}
			if err := s.pendingLoad.Err(); err != nil {
				return nil, err
			}
		}
		return s.chunk.Bytes(), nil
	default:
		return nil, apierrors.ErrInvalidState
	}
}

// evict gives the staging chunk back once the segment is durably stored.
func (s *SegmentInfo) evict(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StateClosed {
		return apierrors.ErrInvalidState
	}
	if s.pendingSync == nil || !s.pendingSync.Completed() {
		return apierrors.ErrInvalidState
	}
	if err := s.pendingSync.Err(); err != nil {
		// evicting now would drop the only good copy
		return err
	}
	if s.chunk.Valid() {
		s.pool.Free(s.chunk)
		s.chunk = segpool.Chunk{}
	}
	s.pendingLoad = nil
	return nil
}

// free releases everything and is idempotent. In-flight storage ops are
// waited out first so a frame is never recycled under an async write.
func (s *SegmentInfo) free(ctx context.Context) {
	s.lock.Lock()
	if s.state == StateFreed {
		s.lock.Unlock()
		return
	}
	// go FREED before the wait: a close or load landing while the lock is
	// released must not start a new storage op on resources about to be
	// recycled
	s.state = StateFreed
	syncOp, loadOp := s.pendingSync, s.pendingLoad
	s.lock.Unlock()

	if syncOp != nil {
		<-syncOp.Done()
	}
	if loadOp != nil {
		<-loadOp.Done()
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	span := trace.SpanFromContextSafe(ctx)
	if s.chunk.Valid() {
		s.pool.Free(s.chunk)
		s.chunk = segpool.Chunk{}
	}
	if s.handle != storage.NoHandle {
		s.backend.Free(s.handle)
		s.handle = storage.NoHandle
	}
	s.pendingSync = nil
	s.pendingLoad = nil
	span.Debugf("freed segment[%d] of owner[%d]", s.segmentID, s.ownerID)
}

// metadata snapshots what a recovering owner needs about this segment. For a
// still-open segment the checksum covers the written prefix at call time.
func (s *SegmentInfo) metadata() proto.SegmentMetadata {
	s.lock.Lock()
	defer s.lock.Unlock()

	md := proto.SegmentMetadata{
		SegmentID:     s.segmentID,
		WrittenLength: s.writtenLength,
		Checksum:      s.checksum,
	}
	if s.state == StateOpen {
		md.Checksum = crc32.ChecksumIEEE(s.chunk.Bytes()[:s.writtenLength])
	}
	return md
}

// recoveryEntries scans the resident segment and copies out the log entries
// whose key the filter contains. Digest and footer entries never leave the
// backup; the footer terminates the scan.
func (s *SegmentInfo) recoveryEntries(filter proto.TabletFilter) ([]proto.Entry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, err := s.residentBytesLocked()
	if err != nil {
		return nil, err
	}
	data = data[:s.writtenLength]

	var entries []proto.Entry
	for len(data) >= proto.EntryHeaderSize {
		e, n, err := proto.ParseEntry(data)
		if err != nil {
			break
		}
		data = data[n:]
		if e.Type == proto.EntryFooter {
			break
		}
		if e.Type == proto.EntryDigest {
			continue
		}
		if filter != nil && !filter.Contains(e.Key) {
			continue
		}
		out := e
		out.Data = append([]byte(nil), e.Data...)
		entries = append(entries, out)
	}
	return entries, nil
}
