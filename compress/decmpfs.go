package compress

import (
	"context"
	"encoding/binary"

	"github.com/klauspost/compress/s2"

	"github.com/xchunk/xip/workqueue"
)

// BlockSize is the fixed partition size used for block-oriented encoding.
const BlockSize = 64 * 1024

// TypeS2ResourceFork is this implementation's decmpfs compression-type
// constant. It is deliberately distinct from Apple's real LZFSE
// resource-fork type (0x0000000C): the payload is s2-compressed, not
// LZFSE-compressed, and claiming the Apple constant would make a
// consuming HFS+/APFS reader try to LZFSE-decode an s2 stream.
const TypeS2ResourceFork uint32 = 0x00000063

// ErrNotWorthCompressing is returned by Encode when the compressed layout
// would be no smaller than the raw payload, or when any block failed to
// compress usefully. Callers fall back to a plain
// payload write.
var ErrNotWorthCompressing = errNotWorthCompressing{}

type errNotWorthCompressing struct{}

func (errNotWorthCompressing) Error() string { return "compression not worth it" }

// Encode partitions src into BlockSize blocks, compresses each with s2
// (ordered, up to batch blocks concurrently), and lays the result out as:
// a little-endian u32 offset table (block_count+1 entries; entry 0 is the
// table size, entry i+1 is the end offset of block i) followed by the
// compressed blocks concatenated.
//
// It returns ErrNotWorthCompressing when any block's encoded form reached
// its limit of block length plus 1/16 (see encodeBlock) or the total
// encoded size doesn't beat len(src).
func Encode(ctx context.Context, src []byte, batch int) ([]byte, error) {
	n := len(src)
	if n == 0 {
		return nil, ErrNotWorthCompressing
	}

	blocks := partition(src)
	q := workqueue.New[[]byte](ctx, batch)
	go func() {
		for _, b := range blocks {
			b := b
			q.Submit(func(context.Context) ([]byte, error) {
				return encodeBlock(b), nil
			})
		}
		q.Close()
	}()

	encoded := make([][]byte, 0, len(blocks))
	for r := range q.Results() {
		if r.Value == nil {
			// A nil result means that block didn't compress; keep
			// draining so the queue's goroutines can finish, but
			// remember to abort.
			encoded = append(encoded, nil)
			continue
		}
		encoded = append(encoded, r.Value)
	}

	for _, b := range encoded {
		if b == nil {
			return nil, ErrNotWorthCompressing
		}
	}

	tableSize := (len(encoded) + 1) * 4
	total := tableSize
	for _, b := range encoded {
		total += len(b)
	}
	if total >= n {
		return nil, ErrNotWorthCompressing
	}

	out := make([]byte, total)
	offset := uint32(tableSize)
	binary.LittleEndian.PutUint32(out[0:4], offset)
	pos := tableSize
	for i, b := range encoded {
		copy(out[pos:], b)
		pos += len(b)
		offset = uint32(pos)
		binary.LittleEndian.PutUint32(out[(i+1)*4:(i+2)*4], offset)
	}
	return out, nil
}

// encodeBlock returns the s2-encoded block, or nil if the encoded form did
// not come in smaller than block plus its 1/16 slack allowance, signaling
// that this block isn't worth compressing.
func encodeBlock(block []byte) []byte {
	limit := len(block) + len(block)/16
	dst := make([]byte, 0, s2.MaxEncodedLen(len(block)))
	encoded := s2.Encode(dst, block)
	if len(encoded) >= limit {
		return nil
	}
	return encoded
}

func partition(src []byte) [][]byte {
	var blocks [][]byte
	for p := 0; p < len(src); p += BlockSize {
		end := p + BlockSize
		if end > len(src) {
			end = len(src)
		}
		blocks = append(blocks, src[p:end])
	}
	return blocks
}
