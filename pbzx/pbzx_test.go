package pbzx

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/xchunk/xip/internal/progress"
	"github.com/xchunk/xip/xarfile"
)

const testFlags = 64

func appendRecord(buf *bytes.Buffer, decSize, cmpSize int64, payload []byte) {
	binary.Write(buf, binary.BigEndian, uint64(decSize))
	binary.Write(buf, binary.BigEndian, uint64(cmpSize))
	buf.Write(payload)
}

func xzCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func openMapped(t *testing.T, data []byte) *xarfile.Mapped {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := xarfile.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDecodeStoredAndCompressedChunks(t *testing.T) {
	stored := bytes.Repeat([]byte{0xAB}, testFlags)
	tail := []byte("the last short chunk")
	compressedTail := xzCompress(t, tail)

	var stream bytes.Buffer
	stream.Write(streamMagic[:])
	binary.Write(&stream, binary.BigEndian, uint64(testFlags))
	appendRecord(&stream, testFlags, testFlags, stored) // stored, full-size chunk
	appendRecord(&stream, int64(len(tail)), int64(len(compressedTail)), compressedTail)

	// Pad the whole thing into a fake archive so Mapped/Range plumbing is
	// exercised the same way the real driver uses it.
	var archive bytes.Buffer
	archive.WriteString("leading archive bytes before the Content stream")
	rng := xarfile.Range{Offset: int64(archive.Len()), Length: int64(stream.Len())}
	archive.Write(stream.Bytes())

	m := openMapped(t, archive.Bytes())

	counters := &progress.Counters{}
	q, err := Decode(context.Background(), m, rng, 2, counters)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var got []Chunk
	for res := range q.Results() {
		if res.Err != nil {
			t.Fatalf("chunk decode failed: %v", res.Err)
		}
		got = append(got, res.Value)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Owned {
		t.Fatal("first chunk was stored uncompressed and should not be owned")
	}
	if !bytes.Equal(got[0].Bytes, stored) {
		t.Fatal("first chunk bytes mismatch")
	}
	if !got[1].Owned {
		t.Fatal("second chunk was LZMA-compressed and should be owned")
	}
	if !bytes.Equal(got[1].Bytes, tail) {
		t.Fatalf("second chunk mismatch: got %q want %q", got[1].Bytes, tail)
	}

	for _, c := range got {
		c.Retain()
		if err := c.Release(); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}

	if snap := counters.Snapshot(); snap.ChunksDecoded != 2 || snap.BytesDecoded != int64(len(stored)+len(tail)) {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestDecodeRejectsMissingMagic(t *testing.T) {
	m := openMapped(t, []byte("not a pbzx stream at all"))
	_, err := Decode(context.Background(), m, xarfile.Range{Offset: 0, Length: 24}, 1, nil)
	if err == nil {
		t.Fatal("expected an error for a missing pbzx magic")
	}
}
