package backupserver

import (
	"context"
	"testing"
	"time"

	"github.com/cubefs/backupstore/backupserver/segpool"
	"github.com/cubefs/backupstore/backupserver/storage"
	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/proto"
	"github.com/stretchr/testify/require"
)

const testSegmentSize = 1 << 10

func newTestSegment(t *testing.T, slots int) (*SegmentInfo, *storage.MemBackend) {
	backend := storage.NewMemBackend(testSegmentSize, 4)
	pool := segpool.New(testSegmentSize, slots)
	return newSegmentInfo(pool, backend, 1, 88), backend
}

func TestSegmentLifecycle(t *testing.T) {
	ctx := context.Background()
	seg, _ := newTestSegment(t, 2)

	require.Equal(t, StateUninit, seg.State())
	require.NoError(t, seg.open(ctx))
	require.Equal(t, StateOpen, seg.State())
	require.True(t, seg.InMemory())

	require.NoError(t, seg.write(ctx, 0, []byte("hello")))
	require.NoError(t, seg.close(ctx))
	require.Equal(t, StateClosed, seg.State())
	// chunk stays resident through close
	b, err := seg.getSegment()
	require.NoError(t, err)
	require.Equal(t, "hello", string(b[:5]))

	seg.free(ctx)
	require.Equal(t, StateFreed, seg.State())
	require.False(t, seg.InMemory())
}

func TestSegmentIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	seg, _ := newTestSegment(t, 2)

	// UNINIT: only open is legal
	require.Equal(t, apierrors.ErrInvalidState, seg.write(ctx, 0, []byte("x")))
	require.Equal(t, apierrors.ErrInvalidState, seg.close(ctx))
	_, err := seg.startLoading(ctx)
	require.Equal(t, apierrors.ErrInvalidState, err)
	require.Equal(t, StateUninit, seg.State())

	require.NoError(t, seg.open(ctx))

	// OPEN: open and startLoading are illegal
	require.Equal(t, apierrors.ErrInvalidState, seg.open(ctx))
	_, err = seg.startLoading(ctx)
	require.Equal(t, apierrors.ErrInvalidState, err)

	require.NoError(t, seg.close(ctx))

	// CLOSED: open, write, close are illegal
	require.Equal(t, apierrors.ErrInvalidState, seg.open(ctx))
	require.Equal(t, apierrors.ErrInvalidState, seg.write(ctx, 0, []byte("x")))
	require.Equal(t, apierrors.ErrInvalidState, seg.close(ctx))
	require.Equal(t, StateClosed, seg.State())

	seg.free(ctx)

	// FREED: everything but free is illegal
	require.Equal(t, apierrors.ErrInvalidState, seg.open(ctx))
	require.Equal(t, apierrors.ErrInvalidState, seg.write(ctx, 0, []byte("x")))
	require.Equal(t, apierrors.ErrInvalidState, seg.close(ctx))
	_, err = seg.startLoading(ctx)
	require.Equal(t, apierrors.ErrInvalidState, err)
	_, err = seg.getSegment()
	require.Equal(t, apierrors.ErrInvalidState, err)
}

func TestSegmentFreeIdempotent(t *testing.T) {
	ctx := context.Background()
	seg, _ := newTestSegment(t, 1)

	require.NoError(t, seg.open(ctx))
	seg.free(ctx)
	state := seg.State()
	seg.free(ctx)
	require.Equal(t, state, seg.State())
	require.Equal(t, StateFreed, seg.State())

	// never-opened segments free cleanly too
	seg2, _ := newTestSegment(t, 1)
	seg2.free(ctx)
	seg2.free(ctx)
	require.Equal(t, StateFreed, seg2.State())
}

func TestSegmentFreeBlocksConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	seg, backend := newTestSegment(t, 2)

	require.NoError(t, seg.open(ctx))
	require.NoError(t, seg.write(ctx, 0, []byte("pending")))
	gate := make(chan struct{})
	backend.OpHook = func() { <-gate }
	require.NoError(t, seg.close(ctx))

	freed := make(chan struct{})
	go func() {
		seg.free(ctx)
		close(freed)
	}()

	// free is parked on the in-flight sync with its lock released; the
	// segment must already refuse transitions that would issue new storage
	// ops against the frame being recycled
	require.Eventually(t, func() bool { return seg.State() == StateFreed },
		5*time.Second, time.Millisecond)
	require.Equal(t, apierrors.ErrInvalidState, seg.close(ctx))
	require.Equal(t, apierrors.ErrInvalidState, seg.write(ctx, 0, []byte("x")))
	_, err := seg.startLoading(ctx)
	require.Equal(t, apierrors.ErrInvalidState, err)

	select {
	case <-freed:
		t.Fatal("free returned before the pending sync completed")
	default:
	}
	close(gate)
	<-freed
	require.False(t, seg.InMemory())
}

func TestSegmentWriteBounds(t *testing.T) {
	ctx := context.Background()
	seg, _ := newTestSegment(t, 1)
	require.NoError(t, seg.open(ctx))

	require.Equal(t, apierrors.ErrInvalidArgument,
		seg.write(ctx, testSegmentSize, []byte("x")))
	require.Equal(t, apierrors.ErrInvalidArgument,
		seg.write(ctx, testSegmentSize-2, []byte("xyz")))
	require.NoError(t, seg.write(ctx, testSegmentSize-2, []byte("xy")))
}

func TestSegmentPoolExhausted(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemBackend(testSegmentSize, 4)
	pool := segpool.New(testSegmentSize, 1)

	seg1 := newSegmentInfo(pool, backend, 1, 1)
	require.NoError(t, seg1.open(ctx))

	seg2 := newSegmentInfo(pool, backend, 1, 2)
	require.Equal(t, apierrors.ErrPoolExhausted, seg2.open(ctx))
	require.Equal(t, StateUninit, seg2.State())

	seg1.free(ctx)
	require.NoError(t, seg2.open(ctx))
}

func TestSegmentEvictAndReload(t *testing.T) {
	ctx := context.Background()
	seg, _ := newTestSegment(t, 2)

	require.NoError(t, seg.open(ctx))
	payload := []byte("persisted across eviction")
	require.NoError(t, seg.write(ctx, 0, payload))
	require.NoError(t, seg.close(ctx))

	// eviction only after the sync is confirmed
	require.NoError(t, seg.pendingSync.Err())
	require.NoError(t, seg.evict(ctx))
	require.False(t, seg.InMemory())
	_, err := seg.getSegment()
	require.Equal(t, apierrors.ErrSegmentNotResident, err)

	op, err := seg.startLoading(ctx)
	require.NoError(t, err)
	require.NoError(t, op.Err())
	b, err := seg.getSegment()
	require.NoError(t, err)
	require.Equal(t, payload, b[:len(payload)])
}

func TestSegmentEvictBeforeSyncComplete(t *testing.T) {
	ctx := context.Background()
	seg, backend := newTestSegment(t, 1)

	require.NoError(t, seg.open(ctx))
	require.NoError(t, seg.write(ctx, 0, []byte("data")))

	gate := make(chan struct{})
	backend.OpHook = func() { <-gate }
	require.NoError(t, seg.close(ctx))
	require.Equal(t, apierrors.ErrInvalidState, seg.evict(ctx))
	close(gate)
	require.NoError(t, seg.pendingSync.Err())
	require.NoError(t, seg.evict(ctx))
}

func TestSegmentLoadingToken(t *testing.T) {
	ctx := context.Background()
	seg, backend := newTestSegment(t, 2)

	require.NoError(t, seg.open(ctx))
	require.NoError(t, seg.write(ctx, 0, []byte("abc")))
	require.NoError(t, seg.close(ctx))
	require.NoError(t, seg.pendingSync.Err())
	require.NoError(t, seg.evict(ctx))

	gate := make(chan struct{})
	backend.OpHook = func() { <-gate }
	op1, err := seg.startLoading(ctx)
	require.NoError(t, err)
	require.True(t, seg.IsLoading())
	_, err = seg.getSegment()
	require.Equal(t, apierrors.ErrSegmentNotResident, err)

	// second call while in flight returns the same token
	op2, err := seg.startLoading(ctx)
	require.NoError(t, err)
	require.Equal(t, op1, op2)

	close(gate)
	require.NoError(t, op1.Err())
	require.False(t, seg.IsLoading())
	b, err := seg.getSegment()
	require.NoError(t, err)
	require.Equal(t, "abc", string(b[:3]))
}

func TestSegmentRecoveryEntriesFiltered(t *testing.T) {
	ctx := context.Background()
	seg, _ := newTestSegment(t, 1)
	require.NoError(t, seg.open(ctx))

	var buf []byte
	buf = proto.AppendEntry(buf, proto.Entry{Type: proto.EntryObject, Key: 5, Data: []byte("five")})
	buf = proto.AppendEntry(buf, proto.Entry{Type: proto.EntryObject, Key: 50, Data: []byte("fifty")})
	buf = proto.AppendEntry(buf, proto.Entry{Type: proto.EntryTombstone, Key: 7, Data: nil})
	buf = proto.AppendEntry(buf, proto.Entry{Type: proto.EntryDigest, Key: 0, Data: []byte("digest")})
	buf = proto.AppendEntry(buf, proto.Entry{Type: proto.EntryFooter, Key: 0, Data: nil})
	buf = proto.AppendEntry(buf, proto.Entry{Type: proto.EntryObject, Key: 6, Data: []byte("after footer")})
	require.NoError(t, seg.write(ctx, 0, buf))

	entries, err := seg.recoveryEntries(proto.KeyRanges{{Start: 0, End: 10}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(5), entries[0].Key)
	require.Equal(t, []byte("five"), entries[0].Data)
	require.Equal(t, uint64(7), entries[1].Key)

	// full-range filter returns every object/tombstone entry before footer
	all, err := seg.recoveryEntries(proto.KeyRanges{{Start: 0, End: ^uint64(0)}})
	require.NoError(t, err)
	require.Len(t, all, 3)
}
