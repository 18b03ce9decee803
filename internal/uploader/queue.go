// Package uploader drains generated tile files into the object store through
// a bounded worker pool, tracking per-tile state and cleaning up the local
// temp files whether the upload succeeded or not.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/arielsmarin/straty-backend-stable/internal/fault"
)

// Tile states, in lifecycle order.
const (
	StateGenerated = "generated"
	StateUploading = "uploading"
	StateVisible   = "visible"
)

// DefaultMaxInFlight bounds enqueued-but-not-uploaded tiles; a full queue
// blocks the producer.
const DefaultMaxInFlight = 256

// UploadFunc pushes one local file to the store under key.
type UploadFunc func(ctx context.Context, srcPath, key, contentType string) error

// StateFunc observes per-tile state transitions.
type StateFunc func(filename, state string, lod int)

type job struct {
	path     string
	filename string
	lod      int
}

// Queue is a tile upload worker pool rooted at one tile-root prefix.
type Queue struct {
	tileRoot      string
	upload        UploadFunc
	workers       int
	maxInFlight   int
	onStateChange StateFunc
	logger        *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	statesMu sync.Mutex
	states   map[string]string

	uploaded atomic.Int64

	errsMu sync.Mutex
	errs   []error
}

// Options tunes a Queue beyond its defaults.
type Options struct {
	Workers       int
	MaxInFlight   int
	OnStateChange StateFunc
	Logger        *slog.Logger
}

// New builds a queue uploading under tileRoot. Start must be called before
// Enqueue.
func New(tileRoot string, upload UploadFunc, opts Options) *Queue {
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = DefaultMaxInFlight
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		tileRoot:      tileRoot,
		upload:        upload,
		workers:       workers,
		maxInFlight:   maxInFlight,
		onStateChange: opts.OnStateChange,
		logger:        logger,
		jobs:          make(chan job, maxInFlight),
		states:        make(map[string]string),
	}
}

// Start spins up the worker pool.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker(ctx)
		}()
	}
}

// Enqueue hands a generated tile file to the pool. Blocks when the in-flight
// bound is reached until a worker drains the queue.
func (q *Queue) Enqueue(path, filename string, lod int) {
	q.setState(filename, StateGenerated, lod)
	q.jobs <- job{path: path, filename: filename, lod: lod}
}

func (q *Queue) worker(ctx context.Context) {
	for j := range q.jobs {
		q.setState(j.filename, StateUploading, j.lod)

		key := q.tileRoot + "/" + j.filename
		if err := q.upload(ctx, j.path, key, "image/jpeg"); err != nil {
			q.errsMu.Lock()
			q.errs = append(q.errs, err)
			q.errsMu.Unlock()
			q.logger.Error("tile upload failed", "tile", j.filename, "error", err)
		} else {
			q.setState(j.filename, StateVisible, j.lod)
			q.uploaded.Add(1)
		}

		// free the disk regardless of outcome
		if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("could not remove tile temp file", "path", j.path, "error", err)
		}
	}
}

// CloseAndWait signals end of input and waits for every in-flight upload.
// Idempotent. Returns an aggregate error when any upload failed.
func (q *Queue) CloseAndWait() error {
	q.closeOnce.Do(func() {
		close(q.jobs)
		q.wg.Wait()

		q.errsMu.Lock()
		n := len(q.errs)
		q.errsMu.Unlock()
		if n > 0 {
			q.closeErr = fmt.Errorf("%w: %d tile uploads failed", fault.ErrUploadFailed, n)
		}
	})
	return q.closeErr
}

// UploadedCount reports successfully uploaded tiles.
func (q *Queue) UploadedCount() int {
	return int(q.uploaded.Load())
}

// States snapshots the per-tile state map.
func (q *Queue) States() map[string]string {
	q.statesMu.Lock()
	defer q.statesMu.Unlock()
	out := make(map[string]string, len(q.states))
	for k, v := range q.states {
		out[k] = v
	}
	return out
}

func (q *Queue) setState(filename, state string, lod int) {
	q.statesMu.Lock()
	q.states[filename] = state
	q.statesMu.Unlock()

	if q.onStateChange != nil {
		q.onStateChange(filename, state, lod)
	}
}
