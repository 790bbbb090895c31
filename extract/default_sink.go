//go:build darwin || linux

package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/xchunk/xip/cpio"
	"github.com/xchunk/xip/internal/xiperr"
)

// DefaultSink is the plain-POSIX Sink implementation: every call resolves
// f.Name under Root and performs the syscall directly, no compression.
type DefaultSink struct {
	Root string
}

func NewDefaultSink(root string) *DefaultSink {
	return &DefaultSink{Root: root}
}

// resolve joins name under s.Root and rejects any path that would escape
// it — cpio entry names are archive-controlled input, not trusted.
func (s *DefaultSink) resolve(name string) (string, error) {
	clean := filepath.Join(s.Root, name)
	if clean != s.Root && !strings.HasPrefix(clean, s.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes extraction root", name)
	}
	return clean, nil
}

func (s *DefaultSink) CreateDirectory(f *cpio.File) error {
	path, err := s.resolve(f.Name)
	if err != nil {
		return err
	}
	if err := unix.Mkdir(path, uint32(f.Perm())); err != nil && !errors.Is(err, unix.EEXIST) {
		return xiperr.IO(f.Name, err)
	}
	return nil
}

// CreateFile writes f's payload to a same-directory temp file, then renames
// it into place, so a killed process never leaves a partially-written file
// at the final path.
func (s *DefaultSink) CreateFile(f *cpio.File) error {
	path, err := s.resolve(f.Name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".xip-*")
	if err != nil {
		return xiperr.IO(f.Name, err)
	}
	tmpName := tmp.Name()

	if err := writeVectored(tmp, f.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xiperr.IO(f.Name, err)
	}
	if err := unix.Fchmod(int(tmp.Fd()), f.Mode&cpio.ModePermAll); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xiperr.IO(f.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xiperr.IO(f.Name, err)
	}
	if err := unix.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return xiperr.IO(f.Name, err)
	}
	return nil
}

// writeVectored writes an ordered sequence of byte slices to f in order.
// Sequential writes preserve vector order exactly and avoid depending on
// the less portable writev binding.
func writeVectored(f *os.File, data [][]byte) error {
	for _, b := range data {
		if _, err := f.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *DefaultSink) Hardlink(originalName string, f *cpio.File) error {
	orig, err := s.resolve(originalName)
	if err != nil {
		return err
	}
	path, err := s.resolve(f.Name)
	if err != nil {
		return err
	}
	if err := unix.Link(orig, path); err != nil {
		return xiperr.IO(f.Name, err)
	}
	return nil
}

func (s *DefaultSink) Symlink(target string, f *cpio.File) error {
	path, err := s.resolve(f.Name)
	if err != nil {
		return err
	}
	if err := unix.Symlink(target, path); err != nil {
		return xiperr.IO(f.Name, err)
	}
	return nil
}

func (s *DefaultSink) Chmod(f *cpio.File, mode uint32) error {
	path, err := s.resolve(f.Name)
	if err != nil {
		return err
	}
	if err := unix.Chmod(path, mode&cpio.ModePermAll); err != nil {
		return xiperr.IO(f.Name, err)
	}
	return nil
}
