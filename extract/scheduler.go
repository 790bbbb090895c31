package extract

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xchunk/xip/cpio"
	"github.com/xchunk/xip/internal/progress"
	"github.com/xchunk/xip/internal/xiperr"
	"github.com/xchunk/xip/internal/xiplog"
)

// defaultBatchSize is the extraction pool's concurrency bound.
const defaultBatchSize = 64

// linkOrigin records a regular file's completion handle so later entries
// sharing its (dev, ino) can be materialized as hardlinks to it instead.
type linkOrigin struct {
	name   string
	handle <-chan struct{}
}

// Scheduler is the per-file extraction scheduler. dirTask and linkOrigin
// are mutated only by the goroutine running Run, a single-writer
// discipline; the task closures it spawns only ever read from them via
// captured values, never touch the maps themselves.
type Scheduler struct {
	sink     Sink
	logger   xiplog.Logger
	progress *progress.Counters
	batch    int

	dirTask    map[string]chan struct{}
	linkOrigin map[cpio.Identifier]linkOrigin
}

// NewScheduler builds a Scheduler dispatching to sink. batch overrides the
// extraction pool's concurrency bound; 0 selects defaultBatchSize.
func NewScheduler(sink Sink, logger xiplog.Logger, counters *progress.Counters, batch int) *Scheduler {
	if logger == nil {
		logger = xiplog.Null
	}
	if counters == nil {
		counters = &progress.Counters{}
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Scheduler{
		sink:       sink,
		logger:     logger,
		progress:   counters,
		batch:      batch,
		dirTask:    make(map[string]chan struct{}),
		linkOrigin: make(map[cpio.Identifier]linkOrigin),
	}
}

// Run consumes files in arrival order and materializes each through the
// sink, honoring parent-before-child and origin-before-hardlink ordering.
// It returns the first fatal error: a cpio parse failure on the input
// stream, or an entry that cannot be scheduled (its parent directory was
// never emitted, or its file type is unsupported). Per-file
// materialization failures are swallowed and only recorded via progress
// and the logger.
func (s *Scheduler) Run(ctx context.Context, files <-chan cpio.Result) error {
	g := &errgroup.Group{}
	g.SetLimit(s.batch)

	var fatal error
	for r := range files {
		if r.Err != nil {
			fatal = r.Err
			break
		}
		s.progress.FileEmitted()
		if err := s.dispatch(ctx, g, r.File); err != nil {
			fatal = err
			break
		}
	}

	// g.Wait drains whatever was already spawned before we saw a fatal
	// error, or (in the success path) everything, before returning.
	_ = g.Wait()
	return fatal
}

func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group, f *cpio.File) error {
	if f.Name == "." {
		f.Release()
		return nil
	}

	var parentHandle <-chan struct{}
	if parent := parentDir(f.Name); parent != "." {
		h, ok := s.dirTask[parent]
		if !ok {
			return xiperr.Malformedf(f.Name, "missing directory entry for parent %q", parent)
		}
		parentHandle = h
	}

	id := f.ID()
	if orig, ok := s.linkOrigin[id]; ok {
		originHandle := orig.handle
		originName := orig.name
		g.Go(func() error {
			defer f.Release()
			await(ctx, originHandle, parentHandle)
			s.materialize(f.Name, func() error { return s.sink.Hardlink(originName, f) })
			return nil
		})
		return nil
	}

	switch f.Type() {
	case cpio.ModeLnk:
		g.Go(func() error {
			defer f.Release()
			await(ctx, parentHandle)
			target := string(f.Concat())
			s.materialize(f.Name, func() error {
				if err := s.sink.Symlink(target, f); err != nil {
					return err
				}
				if f.Sticky() {
					return s.sink.Chmod(f, f.Mode)
				}
				return nil
			})
			return nil
		})

	case cpio.ModeDir:
		handle := make(chan struct{})
		s.dirTask[f.Name] = handle
		g.Go(func() error {
			defer close(handle)
			defer f.Release()
			await(ctx, parentHandle)
			s.materialize(f.Name, func() error {
				if err := s.sink.CreateDirectory(f); err != nil {
					return err
				}
				if f.Sticky() {
					return s.sink.Chmod(f, f.Mode)
				}
				return nil
			})
			return nil
		})

	case cpio.ModeReg:
		handle := make(chan struct{})
		s.linkOrigin[id] = linkOrigin{name: f.Name, handle: handle}
		g.Go(func() error {
			defer close(handle)
			defer f.Release()
			await(ctx, parentHandle)
			s.materialize(f.Name, func() error { return s.sink.CreateFile(f) })
			return nil
		})

	default:
		f.Release()
		return xiperr.Malformedf(f.Name, "unsupported file type 0%o", f.Type())
	}
	return nil
}

// materialize runs fn and swallows its error into progress/log; per-file
// materialization failures never abort siblings.
func (s *Scheduler) materialize(name string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Debug("materialize failed", "name", name, "err", err)
		s.progress.FileFailed()
		return
	}
	s.logger.Debug("materialized", "name", name)
	s.progress.FileMaterialized()
}

// await blocks on ctx and every non-nil handle, returning as soon as ctx is
// cancelled even if a handle never closes.
func await(ctx context.Context, handles ...<-chan struct{}) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		select {
		case <-h:
		case <-ctx.Done():
			return
		}
	}
}

// parentDir returns name's parent directory, or "." when name has no
// slash — cpio's own root entry is always named "." and is skipped before
// any child ever needs to look it up, so top-level entries have no
// registered parent task and are treated as depending on the implicit root.
func parentDir(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return "."
}
