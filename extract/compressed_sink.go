//go:build darwin || linux

package extract

import (
	"context"

	"github.com/xchunk/xip/compress"
	"github.com/xchunk/xip/cpio"
	"github.com/xchunk/xip/internal/progress"
	"github.com/xchunk/xip/internal/xiplog"
)

// CompressedSink is a Sink that writes regular files' contents through the
// decmpfs encoder first, falling back to DefaultSink's plain write on any
// failure in that path. Directories, hardlinks, symlinks and chmod are
// unchanged from Default.
type CompressedSink struct {
	*DefaultSink
	Logger   xiplog.Logger
	Counters *progress.Counters
	Batch    int
}

func NewCompressedSink(root string, logger xiplog.Logger, counters *progress.Counters, batch int) *CompressedSink {
	if logger == nil {
		logger = xiplog.Null
	}
	if counters == nil {
		counters = &progress.Counters{}
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &CompressedSink{DefaultSink: NewDefaultSink(root), Logger: logger, Counters: counters, Batch: batch}
}

func (s *CompressedSink) CreateFile(f *cpio.File) error {
	if f.Size() == 0 {
		return s.DefaultSink.CreateFile(f)
	}

	src := f.Concat()
	blob, err := compress.Encode(context.Background(), src, s.Batch)
	if err != nil {
		s.Logger.Debug("not compressing", "name", f.Name, "reason", err)
		return s.DefaultSink.CreateFile(f)
	}

	if err := s.writeCompressed(f, blob, int64(len(src))); err != nil {
		s.Logger.Debug("compressed write failed, falling back", "name", f.Name, "err", err)
		return s.DefaultSink.CreateFile(f)
	}
	s.Counters.Compressed(len(src), len(blob))
	return nil
}

// writeCompressed materializes an empty placeholder file (decmpfs stores
// the real content off the data fork) and stamps the resource fork and
// xattr/flag triple onto it.
func (s *CompressedSink) writeCompressed(f *cpio.File, blob []byte, decompressedSize int64) error {
	placeholder := &cpio.File{Dev: f.Dev, Ino: f.Ino, Mode: f.Mode, Name: f.Name}
	if err := s.DefaultSink.CreateFile(placeholder); err != nil {
		return err
	}
	path, err := s.resolve(f.Name)
	if err != nil {
		return err
	}
	return setDecmpfsAttrs(path, blob, decompressedSize, compress.TypeS2ResourceFork)
}
