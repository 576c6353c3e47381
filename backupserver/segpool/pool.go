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

// Package segpool provides the bounded staging arena segments are held in
// while resident in memory. Slots are fixed segment-size blocks carved out
// of one contiguous allocation; a Chunk refers to its slot by index so a
// released chunk can never be dereferenced through a stale pointer.
package segpool

import (
	"sync"

	apierrors "github.com/cubefs/backupstore/errors"
)

type Pool struct {
	slotSize int
	arena    []byte

	lock sync.Mutex
	free []int
}

// New reserves count slots of slotSize bytes up front. Reserving at startup
// keeps the data path off the general-purpose allocator.
func New(slotSize, count int) *Pool {
	p := &Pool{
		slotSize: slotSize,
		arena:    make([]byte, slotSize*count),
		free:     make([]int, 0, count),
	}
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

func (p *Pool) SlotSize() int {
	return p.slotSize
}

func (p *Pool) FreeSlots() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.free)
}

func (p *Pool) Alloc() (Chunk, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.free) == 0 {
		return Chunk{}, apierrors.ErrPoolExhausted
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return Chunk{pool: p, slot: slot, valid: true}, nil
}

func (p *Pool) Free(c Chunk) {
	if !c.valid || c.pool != p {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.free = append(p.free, c.slot)
}

// Chunk is a handle to one pool slot. The zero value is invalid; after the
// owning SegmentInfo frees it the handle must not be used again.
type Chunk struct {
	pool  *Pool
	slot  int
	valid bool
}

func (c Chunk) Valid() bool {
	return c.valid
}

func (c Chunk) Bytes() []byte {
	if !c.valid {
		return nil
	}
	off := c.slot * c.pool.slotSize
	return c.pool.arena[off : off+c.pool.slotSize]
}
