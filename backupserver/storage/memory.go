package storage

import (
	"context"
	"sync"

	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/proto"
)

// MemBackend keeps frames in memory. Used by tests and by deployments that
// only need the staging/recovery machinery without durability.
type MemBackend struct {
	segmentSize int

	lock       sync.Mutex
	freeFrames []int
	frames     map[Handle][]byte

	// OpHook, when set, runs inside every async op before it completes.
	// Tests park it on a channel to observe the pending state.
	OpHook func()
}

func NewMemBackend(segmentSize, frames int) *MemBackend {
	b := &MemBackend{
		segmentSize: segmentSize,
		frames:      make(map[Handle][]byte),
	}
	for i := frames - 1; i >= 0; i-- {
		b.freeFrames = append(b.freeFrames, i)
	}
	return b
}

func (b *MemBackend) SegmentSize() int {
	return b.segmentSize
}

func (b *MemBackend) Allocate(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID) (Handle, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.freeFrames) == 0 {
		return NoHandle, apierrors.ErrStorageExhausted
	}
	frame := b.freeFrames[len(b.freeFrames)-1]
	b.freeFrames = b.freeFrames[:len(b.freeFrames)-1]
	h := Handle(frame)
	b.frames[h] = make([]byte, b.segmentSize)
	return h, nil
}

func (b *MemBackend) Free(h Handle) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.frames[h]; !ok {
		return
	}
	delete(b.frames, h)
	b.freeFrames = append(b.freeFrames, int(h))
}

func (b *MemBackend) Put(ctx context.Context, h Handle, data []byte) *Op {
	op := newOp()
	hook := b.OpHook
	go func() {
		if hook != nil {
			hook()
		}
		b.lock.Lock()
		frame, ok := b.frames[h]
		if ok {
			copy(frame, data)
		}
		b.lock.Unlock()
		if !ok {
			op.finish(apierrors.ErrInvalidArgument)
			return
		}
		op.finish(nil)
	}()
	return op
}

func (b *MemBackend) Get(ctx context.Context, h Handle, dst []byte) *Op {
	op := newOp()
	hook := b.OpHook
	go func() {
		if hook != nil {
			hook()
		}
		b.lock.Lock()
		frame, ok := b.frames[h]
		if ok {
			copy(dst, frame)
		}
		b.lock.Unlock()
		if !ok {
			op.finish(apierrors.ErrInvalidArgument)
			return
		}
		op.finish(nil)
	}()
	return op
}

func (b *MemBackend) Close() error {
	return nil
}
