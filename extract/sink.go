package extract

import "github.com/xchunk/xip/cpio"

// Sink is the materialization capability set the extraction scheduler
// dispatches to. The scheduler is polymorphic over it; every method
// receives an already-parsed cpio.File and must not retain it past the
// call.
type Sink interface {
	// CreateDirectory creates f.Name as a directory with f.Perm().
	CreateDirectory(f *cpio.File) error
	// CreateFile creates f.Name, writes f.Data concatenated in order, and
	// sets f.Perm().
	CreateFile(f *cpio.File) error
	// Hardlink creates f.Name as a hardlink to originalName.
	Hardlink(originalName string, f *cpio.File) error
	// Symlink creates f.Name as a symlink with the given target contents.
	Symlink(target string, f *cpio.File) error
	// Chmod sets f.Name's permission bits exactly to mode's permission
	// bits, including any sticky/setuid/setgid bits mode carries.
	Chmod(f *cpio.File, mode uint32) error
}
