//go:build darwin || linux

// Package xarfile owns the memory-mapped archive bytes for a run and
// locates the PBZX content stream inside the XAR container.
package xarfile

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mapped is a read-only memory-mapped view of an entire .xip file. Its
// lifetime spans the whole extraction: every Chunk that borrows directly
// from it (an "unowned" chunk, see the pbzx package) holds a reference via
// Acquire/Release, and the mapping is only unmapped once the last such
// reference is dropped.
type Mapped struct {
	fd   int
	data []byte
	refs atomic.Int64
}

// Open memory-maps path read-only for the duration of the extraction.
func Open(path string) (*Mapped, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("statting %s: %w", path, err)
	}
	if stat.Size == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("%s is empty", path)
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}

	m := &Mapped{fd: fd, data: data}
	m.refs.Store(1) // the caller's own reference, dropped by Close
	return m, nil
}

// Bytes returns the full mapped region. Callers must not retain slices of
// it past their own Release call.
func (m *Mapped) Bytes() []byte { return m.data }

// Slice returns data[off:off+length], guarding against out-of-range
// archives with a bounds check rather than letting the runtime panic turn
// into a SIGBUS-adjacent crash.
func (m *Mapped) Slice(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(m.data)) {
		return nil, fmt.Errorf("range [%d, %d) is out of bounds for a %d-byte archive", off, off+length, len(m.data))
	}
	return m.data[off : off+length], nil
}

// Acquire records that a new consumer (typically a Chunk that borrows
// directly from the map) is keeping the mapping alive. Release must be
// called exactly once for each Acquire.
func (m *Mapped) Acquire() { m.refs.Add(1) }

// Release drops a reference taken by Acquire (or the implicit one held by
// the opener). The mapping is unmapped when the count reaches zero.
func (m *Mapped) Release() error {
	if m.refs.Add(-1) != 0 {
		return nil
	}
	return m.unmap()
}

// Close is an alias for Release kept for callers that never call Acquire
// and just want RAII-style cleanup of the opener's own reference.
func (m *Mapped) Close() error { return m.Release() }

func (m *Mapped) unmap() error {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	var firstErr error
	if err := unix.Munmap(m.data); err != nil {
		firstErr = fmt.Errorf("unmapping archive: %w", err)
	}
	m.data = nil
	if err := unix.Close(m.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing archive fd: %w", err)
	}
	return firstErr
}
