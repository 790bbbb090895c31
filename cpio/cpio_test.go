package cpio

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/xchunk/xip/pbzx"
	"github.com/xchunk/xip/workqueue"
)

func octal(n uint64, width int) string {
	s := fmt.Sprintf("%o", n)
	if len(s) > width {
		panic("value too large for field width")
	}
	return fmt.Sprintf("%0*s", width, s)
}

func buildEntry(dev, ino, mode uint64, name string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(odcMagic)
	buf.WriteString(octal(dev, 6))
	buf.WriteString(octal(ino, 6))
	buf.WriteString(octal(mode, 6))
	buf.WriteString(octal(0, 6)) // uid
	buf.WriteString(octal(0, 6)) // gid
	buf.WriteString(octal(1, 6)) // nlink
	buf.WriteString(octal(0, 6)) // rdev
	buf.WriteString(octal(0, 11)) // mtime
	buf.WriteString(octal(uint64(len(name)+1), 6))
	buf.WriteString(octal(uint64(len(data)), 11))
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.Write(data)
	return buf.Bytes()
}

func buildTrailer() []byte {
	return buildEntry(0, 0, 0, trailerName, nil)
}

// feedChunks submits pre-built chunks (already split however the test
// wants, to exercise chunk-boundary handling) to a fresh ordered queue and
// closes it, returning the queue for Parse to consume.
func feedChunks(t *testing.T, chunks [][]byte) *workqueue.Queue[pbzx.Chunk] {
	t.Helper()
	ctx := context.Background()
	q := workqueue.New[pbzx.Chunk](ctx, 4)
	go func() {
		for _, c := range chunks {
			c := c
			q.Submit(func(context.Context) (pbzx.Chunk, error) {
				return pbzx.Chunk{Bytes: c, Owned: true}, nil
			})
		}
		q.Close()
	}()
	return q
}

func TestParseDirAndRegularFile(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(buildEntry(1, 100, ModeDir|0o755, "dir", nil))
	stream.Write(buildEntry(1, 101, ModeReg|0o644, "dir/file", []byte("hello world")))
	stream.Write(buildTrailer())

	q := feedChunks(t, [][]byte{stream.Bytes()})
	results := Parse(context.Background(), q, 2)

	var files []*File
	for r := range results {
		if r.Err != nil {
			t.Fatalf("Parse: %v", r.Err)
		}
		files = append(files, r.File)
	}

	if len(files) != 2 {
		t.Fatalf("expected 2 files (trailer excluded), got %d", len(files))
	}
	if files[0].Name != "dir" || files[0].Type() != ModeDir {
		t.Fatalf("unexpected first entry: %+v", files[0])
	}
	if files[1].Name != "dir/file" || files[1].Type() != ModeReg {
		t.Fatalf("unexpected second entry: %+v", files[1])
	}
	if got := string(files[1].Concat()); got != "hello world" {
		t.Fatalf("payload mismatch: got %q", got)
	}
	if files[1].ID() != (Identifier{Dev: 1, Ino: 101}) {
		t.Fatalf("unexpected identifier: %+v", files[1].ID())
	}
}

// TestParseAcrossChunkBoundaries splits a CPIO stream at an arbitrary byte
// offset into two chunks, checking that header fields and payload bytes
// that straddle the split are reassembled correctly.
func TestParseAcrossChunkBoundaries(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 20) // 200 bytes
	var stream bytes.Buffer
	stream.Write(buildEntry(2, 5, ModeReg|0o644, "big", payload))
	stream.Write(buildTrailer())

	full := stream.Bytes()
	for _, split := range []int{1, 5, 40, 76, 77, 150, len(full) - 1} {
		split := split
		t.Run(fmt.Sprintf("split_at_%d", split), func(t *testing.T) {
			q := feedChunks(t, [][]byte{full[:split], full[split:]})
			results := Parse(context.Background(), q, 2)

			var files []*File
			for r := range results {
				if r.Err != nil {
					t.Fatalf("Parse: %v", r.Err)
				}
				files = append(files, r.File)
			}
			if len(files) != 1 {
				t.Fatalf("expected 1 file, got %d", len(files))
			}
			if got := files[0].Concat(); !bytes.Equal(got, payload) {
				t.Fatalf("split at %d: payload mismatch (%d bytes vs %d)", split, len(got), len(payload))
			}
		})
	}
}

func TestParseEmptyArchiveIsJustTrailer(t *testing.T) {
	q := feedChunks(t, [][]byte{buildTrailer()})
	results := Parse(context.Background(), q, 2)

	count := 0
	for r := range results {
		if r.Err != nil {
			t.Fatalf("Parse: %v", r.Err)
		}
		count++
	}
	if count != 0 {
		t.Fatalf("expected no files, got %d", count)
	}
}
