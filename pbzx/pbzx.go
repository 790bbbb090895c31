// Package pbzx splits Apple's PBZX chunk framing into its constituent
// (decompressed_size, compressed_size, payload) records and decodes each
// one — in parallel, via workqueue — into a Chunk that either owns a
// freshly LZMA-decoded buffer or borrows directly from the memory-mapped
// archive.
package pbzx

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/xchunk/xip/internal/progress"
	"github.com/xchunk/xip/internal/xiperr"
	"github.com/xchunk/xip/workqueue"
	"github.com/xchunk/xip/xarfile"
)

var lzmaMagic = [4]byte{0xFD, '7', 'z', 'X'}
var streamMagic = [4]byte{'p', 'b', 'z', 'x'}

// Chunk is a decoded PBZX chunk. Owned chunks hold a heap buffer produced
// by LZMA decoding; the Go garbage collector keeps that buffer alive for
// as long as any slice into it is reachable, so Retain/Release are no-ops
// for them. Unowned chunks borrow directly from the memory-mapped archive
// and must have the mapping's reference count bumped for as long as a
// slice of them is in use — see Retain and Release.
type Chunk struct {
	Bytes  []byte
	Owned  bool
	mapped *xarfile.Mapped
}

// Retain must be called once for every File that captures a slice of this
// chunk for later use (see the cpio package). It is safe to call on any
// Chunk, owned or not.
func (c Chunk) Retain() {
	if !c.Owned && c.mapped != nil {
		c.mapped.Acquire()
	}
}

// Release undoes a Retain. It must be called exactly once per Retain, once
// the file holding the slice has finished being materialized (or has
// failed and been abandoned).
func (c Chunk) Release() error {
	if !c.Owned && c.mapped != nil {
		return c.mapped.Release()
	}
	return nil
}

// Decode reads the PBZX chunk framing out of the byte range rng within m,
// and returns an ordered work queue whose result stream yields one Chunk
// per PBZX record, in stream order, decoded with up to batchSize chunks in
// flight at once.
//
// The framing walk itself (splitting the stream into records) is
// necessarily sequential — each record's length is only known after
// reading the previous one — but that walk is cheap; the expensive part,
// LZMA decoding, happens inside the submitted tasks and so runs in
// parallel across up to batchSize chunks. counters, if non-nil, has
// ChunkDecoded called once per successfully decoded record.
func Decode(ctx context.Context, m *xarfile.Mapped, rng xarfile.Range, batchSize int, counters *progress.Counters) (*workqueue.Queue[Chunk], error) {
	data, err := m.Slice(rng.Offset, rng.Length)
	if err != nil {
		return nil, xiperr.Malformed("pbzx range", err)
	}
	if len(data) < 12 || [4]byte(data[:4]) != streamMagic {
		return nil, xiperr.Malformedf("pbzx", "missing pbzx magic")
	}
	flags := int64(binary.BigEndian.Uint64(data[4:12]))

	q := workqueue.New[Chunk](ctx, batchSize)

	go func() {
		defer q.Close()

		pos := int64(12)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if pos == int64(len(data)) {
				// A well-formed stream always ends with a short chunk
				// record, never right at a record boundary with nothing
				// following it; treat this as truncation.
				q.Submit(func(context.Context) (Chunk, error) {
					return Chunk{}, xiperr.Malformedf("pbzx", "stream ends without a terminating short chunk")
				})
				return
			}
			if pos+16 > int64(len(data)) {
				q.Submit(func(context.Context) (Chunk, error) {
					return Chunk{}, xiperr.Malformedf("pbzx", "truncated chunk record header at offset %d", pos)
				})
				return
			}

			decSize := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
			cmpSize := int64(binary.BigEndian.Uint64(data[pos+8 : pos+16]))
			pos += 16

			if cmpSize < 0 || pos+cmpSize > int64(len(data)) {
				q.Submit(func(context.Context) (Chunk, error) {
					return Chunk{}, xiperr.Malformedf("pbzx", "chunk payload of %d bytes exceeds stream bounds", cmpSize)
				})
				return
			}
			payload := data[pos : pos+cmpSize]
			pos += cmpSize

			stored := cmpSize == flags
			terminal := decSize != flags

			q.Submit(func(context.Context) (Chunk, error) {
				c, err := decodeRecord(m, payload, decSize, stored)
				if err == nil && counters != nil {
					counters.ChunkDecoded(len(c.Bytes))
				}
				return c, err
			})

			if terminal {
				return
			}
		}
	}()

	return q, nil
}

func decodeRecord(m *xarfile.Mapped, payload []byte, decSize int64, stored bool) (Chunk, error) {
	if stored {
		// payload is itself a sub-slice of m.Bytes(), so this chunk is a
		// zero-copy borrow: no allocation, and Retain/Release manage the
		// mapping's lifetime on its behalf.
		return Chunk{Bytes: payload, Owned: false, mapped: m}, nil
	}

	if len(payload) < 4 || [4]byte(payload[:4]) != lzmaMagic {
		return Chunk{}, xiperr.Malformedf("pbzx chunk", "bad LZMA chunk magic")
	}

	r, err := xz.NewReader(bytes.NewReader(payload))
	if err != nil {
		return Chunk{}, xiperr.Decode("pbzx chunk", fmt.Errorf("opening LZMA stream: %w", err))
	}

	out := make([]byte, decSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Chunk{}, xiperr.Decode("pbzx chunk", fmt.Errorf("decoding LZMA stream: %w", err))
	}
	if int64(n) != decSize {
		return Chunk{}, xiperr.Decode("pbzx chunk", fmt.Errorf("decoded %d bytes, chunk header declared %d", n, decSize))
	}

	return Chunk{Bytes: out, Owned: true}, nil
}
