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

package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/metrics"
	"github.com/cubefs/backupstore/proto"
)

// FailureMonitor watches the membership feed for crashed backups and kicks
// off replication recovery, on its own goroutine, decoupled from the data
// path.
//
// Lock discipline: mu guards only running, the wake condition and the
// tracker dequeue step. It is never held across calls into the replica
// manager or the log; those may take the data path's locks, and holding mu
// there would close a lock-order cycle. In return, neither collaborator may
// call back into the monitor while being called.
type FailureMonitor struct {
	mu            sync.Mutex
	changesOrExit *sync.Cond
	running       bool
	log           Log

	rm      ReplicaManager
	tracker *Tracker
	wg      sync.WaitGroup

	failed  atomic.Bool
	failure error
}

// NewFailureMonitor wires the monitor to the tracker's notifications. No
// failures are acted on until Start.
func NewFailureMonitor(tracker *Tracker, rm ReplicaManager) *FailureMonitor {
	m := &FailureMonitor{
		rm:      rm,
		tracker: tracker,
	}
	m.changesOrExit = sync.NewCond(&m.mu)
	tracker.SetListener(m.OnMembershipChanged)
	return m
}

// Start begins monitoring. Calling Start on a running monitor with the same
// log is a no-op; with a different log it reports an error rather than
// silently rebinding.
func (m *FailureMonitor) Start(log Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		if m.log != log {
			return apierrors.ErrMonitorLogMismatch
		}
		return nil
	}
	m.log = log
	m.running = true
	m.wg.Add(1)
	go m.main()
	return nil
}

// Halt stops monitoring and waits for the goroutine to exit. Halting a
// monitor that was never started, or halting twice, is harmless.
func (m *FailureMonitor) Halt() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.log = nil
	m.running = false
	m.changesOrExit.Broadcast()
	m.mu.Unlock()
	m.wg.Wait()
}

// OnMembershipChanged wakes the main loop. Safe from any goroutine; mu is
// only ever held for queue/flag scope, so this cannot block behind I/O.
func (m *FailureMonitor) OnMembershipChanged() {
	m.mu.Lock()
	m.changesOrExit.Signal()
	m.mu.Unlock()
}

// ServerIsUp reports whether serverID is up as far as the tracked membership
// snapshot knows. It spuriously answers false instead of blocking when the
// monitor's lock is contended; callers must treat false as "possibly down".
func (m *FailureMonitor) ServerIsUp(serverID proto.ServerID) bool {
	if !m.mu.TryLock() {
		return false
	}
	defer m.mu.Unlock()

	details, ok := m.tracker.GetServerDetails(serverID)
	return ok && details.Status == proto.ServerStatusUp
}

// Failed reports whether the monitor goroutine died on an internal error.
// A dead monitor is fatal for the process; a supervisor should treat it so.
func (m *FailureMonitor) Failed() (error, bool) {
	if !m.failed.Load() {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure, true
}

func (m *FailureMonitor) main() {
	defer m.wg.Done()
	span, _ := trace.StartSpanFromContext(context.Background(), "failure-monitor")
	defer func() {
		if r := recover(); r != nil {
			// cannot safely continue with corrupted internal assumptions
			err := fmt.Errorf("fatal error in failure monitor: %v", r)
			span.Errorf("%s", err)
			m.mu.Lock()
			m.failure = err
			m.running = false
			m.mu.Unlock()
			m.failed.Store(true)
		}
	}()

	for {
		if !m.waitForWork() {
			return
		}
		m.drainChanges(span)
		if m.rm != nil {
			m.rm.Proceed()
		}
	}
}

// waitForWork sleeps until there are queued membership changes or the
// replica manager has work. Returns false on halt. The replica manager's
// idleness is probed with mu released and the queue re-checked afterwards.
func (m *FailureMonitor) waitForWork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if !m.running {
			return false
		}
		if m.tracker.HasChanges() {
			return true
		}
		if m.rm != nil {
			m.mu.Unlock()
			idle := m.rm.IsIdle()
			m.mu.Lock()
			if m.tracker.HasChanges() || !m.running {
				continue
			}
			if !idle {
				return true
			}
		}
		m.changesOrExit.Wait()
	}
}

// drainChanges processes every queued event, one dequeue per lock
// acquisition, handler calls outside the lock.
func (m *FailureMonitor) drainChanges(span trace.Span) {
	for {
		m.mu.Lock()
		change, ok := m.tracker.GetChange()
		log := m.log
		m.mu.Unlock()
		if !ok {
			return
		}
		// careful: on crash and remove events only the server id field of
		// the notification is valid
		serverID := change.Details.ServerID
		if change.Event != proto.ServerEventCrashed {
			continue
		}
		span.Debugf("notifying replication layer of failure of server[%d]", serverID)
		metrics.BackupFailures.Inc()
		if m.rm == nil {
			continue
		}
		if segmentID, invalidated := m.rm.HandleBackupFailure(serverID); invalidated && log != nil {
			span.Debugf("allocating a new log head off segment[%d]", segmentID)
			log.AllocateHeadIfStillOn(segmentID)
		}
	}
}
