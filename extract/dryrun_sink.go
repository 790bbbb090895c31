package extract

import (
	"github.com/xchunk/xip/cpio"
	"github.com/xchunk/xip/internal/xiplog"
)

// DryRunSink implements Sink by logging every call it would have made and
// performing no filesystem mutation. Used for `-n, --dry-run`.
type DryRunSink struct {
	Logger xiplog.Logger
}

func NewDryRunSink(logger xiplog.Logger) *DryRunSink {
	if logger == nil {
		logger = xiplog.Null
	}
	return &DryRunSink{Logger: logger}
}

func (s *DryRunSink) CreateDirectory(f *cpio.File) error {
	s.Logger.Notice("would create directory", "name", f.Name, "mode", f.Perm())
	return nil
}

func (s *DryRunSink) CreateFile(f *cpio.File) error {
	s.Logger.Notice("would create file", "name", f.Name, "size", f.Size(), "mode", f.Perm())
	return nil
}

func (s *DryRunSink) Hardlink(originalName string, f *cpio.File) error {
	s.Logger.Notice("would hardlink", "name", f.Name, "original", originalName)
	return nil
}

func (s *DryRunSink) Symlink(target string, f *cpio.File) error {
	s.Logger.Notice("would symlink", "name", f.Name, "target", target)
	return nil
}

func (s *DryRunSink) Chmod(f *cpio.File, mode uint32) error {
	s.Logger.Debug("would chmod", "name", f.Name, "mode", mode&cpio.ModePermAll)
	return nil
}
