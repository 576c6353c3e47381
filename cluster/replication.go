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
	"github.com/cubefs/backupstore/proto"
)

// ReplicaManager is the replication layer the failure monitor drives. The
// monitor calls it with no locks of its own held; implementations must not
// call back into the monitor from these methods.
type ReplicaManager interface {
	// IsIdle reports whether any replication work is queued.
	IsIdle() bool
	// HandleBackupFailure reacts to a crashed backup and, when the failure
	// invalidated a replica of a still-open segment, returns that segment id.
	HandleBackupFailure(serverID proto.ServerID) (proto.SegmentID, bool)
	// Proceed gives queued replication work a chance to make progress.
	Proceed()
}

// Log is the owner log the monitor rolls forward when a head replica is
// lost; without a new head, queued writes would stall forever on the
// unreachable replica.
type Log interface {
	AllocateHeadIfStillOn(segmentID proto.SegmentID)
}
