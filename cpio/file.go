package cpio

import (
	"os"

	"github.com/xchunk/xip/pbzx"
)

// File-type bits within Mode, matching S_IFMT and friends.
const (
	ModeFmt     = 0o170000
	ModeDir     = 0o040000
	ModeReg     = 0o100000
	ModeLnk     = 0o120000
	ModeSticky  = 0o001000
	ModePermAll = 0o007777 // permission + setuid/setgid/sticky bits
)

// Identifier is the (dev, ino) pair CPIO uses to group hardlinks.
type Identifier struct {
	Dev, Ino uint64
}

// File is one parsed CPIO entry. Data is an ordered sequence of slices
// whose concatenation is the entry's payload; each slice is a view into a
// chunk owned or borrowed by the pbzx package, and ChunkRefs holds each
// distinct chunk those slices come from, retained once; Retain/Release
// only do work for the unowned, mmap-backed ones (see pbzx.Chunk).
type File struct {
	Dev, Ino uint64
	Mode     uint32
	Name     string
	Data     [][]byte

	ChunkRefs []pbzx.Chunk
}

// ID returns the file's hardlink identity.
func (f *File) ID() Identifier { return Identifier{Dev: f.Dev, Ino: f.Ino} }

// Size returns the total length of Data.
func (f *File) Size() int64 {
	var n int64
	for _, s := range f.Data {
		n += int64(len(s))
	}
	return n
}

// Type returns the file-type bits of Mode (S_IFDIR, S_IFREG, S_IFLNK, ...).
func (f *File) Type() uint32 { return f.Mode & ModeFmt }

// Perm returns the permission bits of Mode, including setuid/setgid/sticky.
func (f *File) Perm() os.FileMode { return os.FileMode(f.Mode & ModePermAll) }

// Sticky reports whether the sticky bit is set.
func (f *File) Sticky() bool { return f.Mode&ModeSticky != 0 }

// Concat copies Data into a single contiguous buffer. Used where a
// contiguous view is unavoidable (symlink target decoding, the compression
// encoder's input); everywhere else Data should be consumed slice by slice
// so the zero-copy property actually pays off.
func (f *File) Concat() []byte {
	buf := make([]byte, 0, f.Size())
	for _, s := range f.Data {
		buf = append(buf, s...)
	}
	return buf
}

// Release drops every chunk reference this file holds. It must be called
// exactly once, after the file has been fully materialized (or abandoned
// on error) so unowned (mmap-backed) chunks can eventually be unmapped.
func (f *File) Release() error {
	var firstErr error
	for _, c := range f.ChunkRefs {
		if err := c.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.ChunkRefs = nil
	return firstErr
}
