package storage

import (
	"context"
	"os"
	"testing"

	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/util"
	"github.com/stretchr/testify/require"
)

func TestOpStates(t *testing.T) {
	op := newOp()
	require.False(t, op.Completed())

	op.finish(nil)
	require.True(t, op.Completed())
	require.NoError(t, op.Err())

	// subsequent finishes are ignored
	op.finish(apierrors.ErrInvalidArgument)
	require.NoError(t, op.Err())
}

func TestFileBackendPutGet(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	b, err := OpenFileBackend(ctx, FileConfig{
		Path:        path,
		SegmentSize: 128,
		Frames:      4,
		Preallocate: true,
	})
	require.NoError(t, err)
	defer b.Close()

	h, err := b.Allocate(ctx, 1, 2)
	require.NoError(t, err)

	data := make([]byte, 128)
	copy(data, "segment payload")
	require.NoError(t, b.Put(ctx, h, data).Err())

	dst := make([]byte, 128)
	require.NoError(t, b.Get(ctx, h, dst).Err())
	require.Equal(t, data, dst)

	stats := b.Stats()
	require.Equal(t, int64(128), stats.BytesWritten)
	require.Equal(t, int64(128), stats.BytesRead)
}

func TestFileBackendExhaustion(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	b, err := OpenFileBackend(ctx, FileConfig{Path: path, SegmentSize: 64, Frames: 1})
	require.NoError(t, err)
	defer b.Close()

	h, err := b.Allocate(ctx, 1, 1)
	require.NoError(t, err)
	_, err = b.Allocate(ctx, 1, 2)
	require.Equal(t, apierrors.ErrStorageExhausted, err)

	b.Free(h)
	b.Free(h) // double free is ignored
	require.Equal(t, 1, b.FreeFrames())
	_, err = b.Allocate(ctx, 1, 2)
	require.NoError(t, err)
}

func TestFileBackendGetOutlivesCaller(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	b, err := OpenFileBackend(ctx, FileConfig{
		Path:        path,
		SegmentSize: 4096,
		Frames:      2,
		ReadMBPS:    1,
		Workers:     1,
	})
	require.NoError(t, err)
	defer b.Close()

	h, err := b.Allocate(ctx, 1, 1)
	require.NoError(t, err)
	data := make([]byte, 4096)
	copy(data, "survives the request")
	require.NoError(t, b.Put(ctx, h, data).Err())

	// reads are issued from request handlers whose context dies as soon as
	// the response goes out; the rate-limited load must not die with it
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	dst := make([]byte, 4096)
	require.NoError(t, b.Get(reqCtx, h, dst).Err())
	require.Equal(t, data, dst)
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	cfg := FileConfig{Path: path, SegmentSize: 32, Frames: 2}
	b, err := OpenFileBackend(ctx, cfg)
	require.NoError(t, err)
	h, err := b.Allocate(ctx, 7, 9)
	require.NoError(t, err)
	data := make([]byte, 32)
	copy(data, "durable bytes")
	require.NoError(t, b.Put(ctx, h, data).Err())
	require.NoError(t, b.Close())

	b2, err := OpenFileBackend(ctx, cfg)
	require.NoError(t, err)
	defer b2.Close()
	dst := make([]byte, 32)
	// frame indexes restart from the same free list order after reopen
	h2, err := b2.Allocate(ctx, 7, 9)
	require.NoError(t, err)
	require.Equal(t, h, h2)
	require.NoError(t, b2.Get(ctx, h2, dst).Err())
	require.Equal(t, data, dst)
}

func TestMemBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend(16, 1)

	h, err := b.Allocate(ctx, 1, 1)
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	require.NoError(t, b.Put(ctx, h, data).Err())
	dst := make([]byte, 16)
	require.NoError(t, b.Get(ctx, h, dst).Err())
	require.Equal(t, data, dst)

	_, err = b.Allocate(ctx, 1, 2)
	require.Equal(t, apierrors.ErrStorageExhausted, err)
}

func TestMemBackendOpHook(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend(8, 1)
	h, err := b.Allocate(ctx, 1, 1)
	require.NoError(t, err)

	gate := make(chan struct{})
	b.OpHook = func() { <-gate }
	op := b.Put(ctx, h, make([]byte, 8))
	require.False(t, op.Completed())
	close(gate)
	require.NoError(t, op.Err())
	require.True(t, op.Completed())
}
