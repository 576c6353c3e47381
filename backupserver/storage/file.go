package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/proto"
	"github.com/cubefs/backupstore/util"
)

const (
	segmentsFileName = "segments"

	defaultWorkerCount      = 8
	defaultPreallocParallel = 4
)

type FileConfig struct {
	Path        string `json:"path"`
	SegmentSize int    `json:"segment_size"`
	Frames      int    `json:"frames"`
	// Preallocate writes every frame once at open so a full disk shows up
	// at startup instead of on the first close.
	Preallocate bool `json:"preallocate"`
	// ReadMBPS throttles recovery loads so they do not starve the write
	// path. Zero means unlimited.
	ReadMBPS int `json:"read_mbps"`
	Workers  int `json:"workers"`
}

// FileBackend keeps all frames in one flat preallocated file,
// frame-per-segment. Async ops run on a shared task pool.
type FileBackend struct {
	cfg  FileConfig
	file *os.File

	lock       sync.Mutex
	freeFrames []int
	owners     map[Handle]frameOwner

	taskPool taskpool.TaskPool
	readRate *rate.Limiter

	stats Stats
}

type frameOwner struct {
	ownerID   proto.OwnerID
	segmentID proto.SegmentID
}

type Stats struct {
	BytesWritten int64 `json:"bytes_written"`
	BytesRead    int64 `json:"bytes_read"`
	WriteCostNs  int64 `json:"write_cost_ns"`
	ReadCostNs   int64 `json:"read_cost_ns"`
}

func OpenFileBackend(ctx context.Context, cfg FileConfig) (*FileBackend, error) {
	span := trace.SpanFromContextSafe(ctx)

	if cfg.SegmentSize <= 0 || cfg.Frames <= 0 {
		return nil, apierrors.ErrInvalidArgument
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Info(err, "mkdir storage path failed")
	}
	f, err := os.OpenFile(filepath.Join(cfg.Path, segmentsFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Info(err, "open segments file failed")
	}
	if err := f.Truncate(int64(cfg.SegmentSize) * int64(cfg.Frames)); err != nil {
		f.Close()
		return nil, errors.Info(err, "truncate segments file failed")
	}

	b := &FileBackend{
		cfg:      cfg,
		file:     f,
		owners:   make(map[Handle]frameOwner),
		taskPool: taskpool.New(cfg.Workers, cfg.Workers),
	}
	for i := cfg.Frames - 1; i >= 0; i-- {
		b.freeFrames = append(b.freeFrames, i)
	}
	if cfg.ReadMBPS > 0 {
		bps := cfg.ReadMBPS << 20
		burst := bps
		if cfg.SegmentSize > burst {
			burst = cfg.SegmentSize
		}
		b.readRate = rate.NewLimiter(rate.Limit(bps), burst)
	}

	if cfg.Preallocate {
		if err := b.preallocate(); err != nil {
			f.Close()
			return nil, errors.Info(err, "preallocate frames failed")
		}
		span.Infof("preallocated %d frames of %d bytes", cfg.Frames, cfg.SegmentSize)
	}

	return b, nil
}

// preallocate forces block allocation by touching every frame once.
func (b *FileBackend) preallocate() error {
	var g errgroup.Group
	g.SetLimit(defaultPreallocParallel)
	for i := 0; i < b.cfg.Frames; i++ {
		frame := i
		g.Go(func() error {
			zeros := util.GetBuffer(b.cfg.SegmentSize)
			defer util.PutBuffer(zeros)
			for j := range zeros {
				zeros[j] = 0
			}
			_, err := b.file.WriteAt(zeros, b.frameOffset(frame))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return b.file.Sync()
}

func (b *FileBackend) frameOffset(frame int) int64 {
	return int64(frame) * int64(b.cfg.SegmentSize)
}

func (b *FileBackend) SegmentSize() int {
	return b.cfg.SegmentSize
}

func (b *FileBackend) FreeFrames() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.freeFrames)
}

func (b *FileBackend) Stats() Stats {
	return Stats{
		BytesWritten: atomic.LoadInt64(&b.stats.BytesWritten),
		BytesRead:    atomic.LoadInt64(&b.stats.BytesRead),
		WriteCostNs:  atomic.LoadInt64(&b.stats.WriteCostNs),
		ReadCostNs:   atomic.LoadInt64(&b.stats.ReadCostNs),
	}
}

func (b *FileBackend) Allocate(ctx context.Context, ownerID proto.OwnerID, segmentID proto.SegmentID) (Handle, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.freeFrames) == 0 {
		return NoHandle, apierrors.ErrStorageExhausted
	}
	frame := b.freeFrames[len(b.freeFrames)-1]
	b.freeFrames = b.freeFrames[:len(b.freeFrames)-1]
	h := Handle(frame)
	b.owners[h] = frameOwner{ownerID: ownerID, segmentID: segmentID}
	return h, nil
}

func (b *FileBackend) Free(h Handle) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.owners[h]; !ok {
		return
	}
	delete(b.owners, h)
	b.freeFrames = append(b.freeFrames, int(h))
}

func (b *FileBackend) Put(ctx context.Context, h Handle, data []byte) *Op {
	span := trace.SpanFromContextSafe(ctx)
	op := newOp()
	if len(data) > b.cfg.SegmentSize {
		op.finish(apierrors.ErrInvalidArgument)
		return op
	}
	b.taskPool.Run(func() {
		start := time.Now()
		_, err := b.file.WriteAt(data, b.frameOffset(int(h)))
		if err == nil {
			err = b.file.Sync()
		}
		atomic.AddInt64(&b.stats.WriteCostNs, int64(time.Since(start)))
		if err != nil {
			span.Errorf("put frame[%d] failed: %s", h, err)
			op.finish(errors.Info(err, "write frame failed"))
			return
		}
		atomic.AddInt64(&b.stats.BytesWritten, int64(len(data)))
		op.finish(nil)
	})
	return op
}

func (b *FileBackend) Get(ctx context.Context, h Handle, dst []byte) *Op {
	span := trace.SpanFromContextSafe(ctx)
	op := newOp()
	if len(dst) < b.cfg.SegmentSize {
		op.finish(apierrors.ErrInvalidArgument)
		return op
	}
	dst = dst[:b.cfg.SegmentSize]
	// the op outlives the request that issued it; keep the span but drop
	// the caller's cancellation so a returned handler cannot kill the read
	opCtx := trace.ContextWithSpan(context.Background(), span)
	b.taskPool.Run(func() {
		if b.readRate != nil {
			if err := b.readRate.WaitN(opCtx, len(dst)); err != nil {
				op.finish(err)
				return
			}
		}
		start := time.Now()
		_, err := b.file.ReadAt(dst, b.frameOffset(int(h)))
		atomic.AddInt64(&b.stats.ReadCostNs, int64(time.Since(start)))
		if err != nil {
			span.Errorf("get frame[%d] failed: %s", h, err)
			op.finish(errors.Info(err, "read frame failed"))
			return
		}
		atomic.AddInt64(&b.stats.BytesRead, int64(len(dst)))
		op.finish(nil)
	})
	return op
}

func (b *FileBackend) Close() error {
	b.taskPool.Close()
	return b.file.Close()
}
