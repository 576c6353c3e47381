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

// Package storage is the durable store closed segments move to. Segments
// occupy fixed-size frames addressed by an opaque Handle; writes and loads
// are asynchronous and complete through an Op token.
package storage

import (
	"context"
	"sync"

	"github.com/cubefs/backupstore/proto"
)

// Handle addresses one segment frame inside a backend. Valid handles come
// only from Allocate.
type Handle int

const NoHandle Handle = -1

type Backend interface {
	// Allocate reserves a frame for (ownerID, segmentID).
	Allocate(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID) (Handle, error)
	// Put asynchronously persists data into the frame. The caller must keep
	// data alive and unmodified until the returned op completes.
	Put(ctx context.Context, h Handle, data []byte) *Op
	// Get asynchronously reads the frame back into dst, which must be at
	// least SegmentSize bytes. Same aliveness rule as Put.
	Get(ctx context.Context, h Handle, dst []byte) *Op
	// Free releases the frame. The caller must not free a frame with an op
	// in flight.
	Free(h Handle)
	SegmentSize() int
	Close() error
}

// Op tracks one asynchronous storage operation. It starts pending and
// becomes either complete or failed exactly once.
type Op struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newOp() *Op {
	return &Op{done: make(chan struct{})}
}

func (o *Op) finish(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Completed is the non-blocking poll side: true once the op has either
// succeeded or failed.
func (o *Op) Completed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Err waits for completion and reports the outcome.
func (o *Op) Err() error {
	<-o.done
	return o.err
}
