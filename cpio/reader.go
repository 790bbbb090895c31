package cpio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xchunk/xip/internal/xiperr"
	"github.com/xchunk/xip/pbzx"
	"github.com/xchunk/xip/workqueue"
)

const (
	odcMagic       = "070707"
	trailerName    = "TRAILER!!!"
	fixedHeaderLen = 76 // magic(6) + 7*6 + mtime(11) + namesize(6) + filesize(11)
)

// chunkStream turns the ordered pbzx.Chunk result stream into a byte
// source with a moving (current chunk, offset) cursor. Each chunk it
// touches is tagged with a monotonically increasing id so readPayload can
// tell "still the same chunk" apart from "just advanced" without needing
// chunks to be comparable.
type chunkStream struct {
	results <-chan workqueue.Result[pbzx.Chunk]

	current   pbzx.Chunk
	currentID int
	nextID    int
	pos       int

	eof bool
	err error
}

func newChunkStream(results <-chan workqueue.Result[pbzx.Chunk]) *chunkStream {
	return &chunkStream{results: results}
}

// advance pulls the next chunk off the ordered stream. It returns false at
// end of stream or on the stream's first error, which it then remembers.
func (s *chunkStream) advance() bool {
	if s.eof {
		return false
	}
	res, ok := <-s.results
	if !ok {
		s.eof = true
		return false
	}
	if res.Err != nil {
		s.err = res.Err
		s.eof = true
		return false
	}
	s.current = res.Value
	s.currentID = s.nextID
	s.nextID++
	s.pos = 0
	return true
}

// readField reads exactly n bytes as a contiguous slice, for parsing fixed
// header fields and the entry name. It returns a direct sub-slice of the
// current chunk when the read doesn't cross a chunk boundary, and a fresh
// copy otherwise — small, header-sized allocations are not worth avoiding.
func (s *chunkStream) readField(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if s.pos == len(s.current.Bytes) {
		if !s.advance() {
			return nil, s.eofErr()
		}
	}
	remaining := len(s.current.Bytes) - s.pos
	if remaining >= n {
		b := s.current.Bytes[s.pos : s.pos+n]
		s.pos += n
		return b, nil
	}

	buf := make([]byte, n)
	copy(buf, s.current.Bytes[s.pos:])
	got := remaining
	s.pos = len(s.current.Bytes)
	for got < n {
		if !s.advance() {
			return nil, s.eofErr()
		}
		c := copy(buf[got:], s.current.Bytes)
		got += c
		s.pos = c
	}
	return buf, nil
}

// readPayload reads exactly n bytes as an ordered sequence of zero-copy
// slices, retaining each distinct chunk it draws from exactly once.
func (s *chunkStream) readPayload(n int64) ([][]byte, []pbzx.Chunk, error) {
	if n == 0 {
		return nil, nil, nil
	}
	var slices [][]byte
	var refs []pbzx.Chunk
	lastID := -1
	remaining := n

	for remaining > 0 {
		if s.pos == len(s.current.Bytes) {
			if !s.advance() {
				return nil, nil, s.eofErr()
			}
		}
		avail := int64(len(s.current.Bytes) - s.pos)
		take := avail
		if take > remaining {
			take = remaining
		}
		if s.currentID != lastID {
			s.current.Retain()
			refs = append(refs, s.current)
			lastID = s.currentID
		}
		slices = append(slices, s.current.Bytes[s.pos:s.pos+int(take)])
		s.pos += int(take)
		remaining -= take
	}
	return slices, refs, nil
}

func (s *chunkStream) eofErr() error {
	if s.err != nil {
		return s.err
	}
	return io.ErrUnexpectedEOF
}

// Result is one Parse output: either a File or a fatal error.
type Result struct {
	File *File
	Err  error
}

// Parse consumes chunks' ordered result stream as CPIO and emits File
// records on the returned channel, in archive order, with the given
// buffer capacity (bufSize is typically the CPU count, bounding how far
// the parser can run ahead of a slow consumer). The channel is closed
// after the trailer entry or a fatal error.
func Parse(ctx context.Context, chunks *workqueue.Queue[pbzx.Chunk], bufSize int) <-chan Result {
	if bufSize < 1 {
		bufSize = 1
	}
	out := make(chan Result, bufSize)

	go func() {
		defer close(out)
		s := newChunkStream(chunks.Results())

		for {
			if ctx.Err() != nil {
				select {
				case out <- Result{Err: xiperr.Cancelled("cpio parse")}:
				default:
				}
				return
			}

			f, trailer, err := readEntry(s)
			if err != nil {
				select {
				case out <- Result{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if trailer {
				return
			}
			select {
			case out <- Result{File: f}:
			case <-ctx.Done():
				f.Release()
				return
			}
		}
	}()

	return out
}

func readEntry(s *chunkStream) (f *File, trailer bool, err error) {
	header, err := s.readField(fixedHeaderLen)
	if err != nil {
		return nil, false, xiperr.Malformed("cpio header", err)
	}

	if string(header[:6]) != odcMagic {
		return nil, false, xiperr.Malformedf("cpio header", "bad magic %q", header[:6])
	}

	dev, err := parseOctal(header[6:12])
	if err != nil {
		return nil, false, xiperr.Malformed("cpio header dev", err)
	}
	ino, err := parseOctal(header[12:18])
	if err != nil {
		return nil, false, xiperr.Malformed("cpio header ino", err)
	}
	mode, err := parseOctal(header[18:24])
	if err != nil {
		return nil, false, xiperr.Malformed("cpio header mode", err)
	}
	// uid(24:30), gid(30:36), nlink(36:42), rdev(42:48) are discarded.
	nameSize, err := parseOctal(header[59:65])
	if err != nil {
		return nil, false, xiperr.Malformed("cpio header namesize", err)
	}
	fileSize, err := parseOctal(header[65:76])
	if err != nil {
		return nil, false, xiperr.Malformed("cpio header filesize", err)
	}

	nameBytes, err := s.readField(int(nameSize))
	if err != nil {
		return nil, false, xiperr.Malformed("cpio name", err)
	}
	name := cString(nameBytes)

	if name == trailerName {
		return nil, true, nil
	}

	data, refs, err := s.readPayload(int64(fileSize))
	if err != nil {
		return nil, false, xiperr.Malformed(fmt.Sprintf("cpio payload for %q", name), err)
	}

	return &File{
		Dev:       dev,
		Ino:       ino,
		Mode:      uint32(mode),
		Name:      name,
		Data:      data,
		ChunkRefs: refs,
	}, false, nil
}

func parseOctal(b []byte) (uint64, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 8, 64)
}

// cString decodes a NUL-terminated name field with C-string semantics: the
// string ends at the first NUL, and any bytes after it (there shouldn't be
// any, since namesize includes exactly one trailing NUL) are ignored.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
