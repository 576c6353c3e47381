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
	"sync"

	"github.com/cubefs/backupstore/proto"
)

// Tracker is the local view of the coordinator's membership feed: a snapshot
// of server details plus a queue of not-yet-consumed change events, in feed
// order. The push side is ApplyChange; consumers drain with GetChange.
type Tracker struct {
	lock     sync.Mutex
	servers  map[proto.ServerID]proto.ServerDetails
	changes  []proto.ServerChange
	listener func()
}

func NewTracker() *Tracker {
	return &Tracker{
		servers: make(map[proto.ServerID]proto.ServerDetails),
	}
}

// SetListener registers the callback fired after every enqueued change. The
// callback runs outside the tracker lock and must not block.
func (t *Tracker) SetListener(fn func()) {
	t.lock.Lock()
	t.listener = fn
	t.lock.Unlock()
}

// ApplyChange folds one membership event into the snapshot and queues it.
func (t *Tracker) ApplyChange(details proto.ServerDetails, event proto.ServerEvent) {
	t.lock.Lock()
	switch event {
	case proto.ServerEventJoined:
		t.servers[details.ServerID] = details
	case proto.ServerEventCrashed:
		d := t.servers[details.ServerID]
		d.ServerID = details.ServerID
		d.Status = proto.ServerStatusCrashed
		t.servers[details.ServerID] = d
	case proto.ServerEventRemoved:
		delete(t.servers, details.ServerID)
	}
	t.changes = append(t.changes, proto.ServerChange{Details: details, Event: event})
	listener := t.listener
	t.lock.Unlock()

	if listener != nil {
		listener()
	}
}

func (t *Tracker) HasChanges() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.changes) > 0
}

// GetChange dequeues the oldest pending event.
func (t *Tracker) GetChange() (proto.ServerChange, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(t.changes) == 0 {
		return proto.ServerChange{}, false
	}
	change := t.changes[0]
	t.changes = t.changes[1:]
	return change, true
}

func (t *Tracker) GetServerDetails(serverID proto.ServerID) (proto.ServerDetails, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	details, ok := t.servers[serverID]
	return details, ok
}
