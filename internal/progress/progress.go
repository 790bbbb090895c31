// Package progress tracks coarse-grained pipeline counters that the CLI
// driver can sample to log throughput without threading extra state through
// every stage.
package progress

import "sync/atomic"

// Counters is a set of monotonically increasing, concurrency-safe counters.
// Every field is updated with atomic operations; the struct itself must not
// be copied after first use.
type Counters struct {
	chunksDecoded       atomic.Int64
	bytesDecoded        atomic.Int64
	filesEmitted        atomic.Int64
	filesMaterialized   atomic.Int64
	filesFailed         atomic.Int64
	bytesCompressed     atomic.Int64
	bytesUncompressedIn atomic.Int64
}

func (c *Counters) ChunkDecoded(n int)     { c.chunksDecoded.Add(1); c.bytesDecoded.Add(int64(n)) }
func (c *Counters) FileEmitted()           { c.filesEmitted.Add(1) }
func (c *Counters) FileMaterialized()      { c.filesMaterialized.Add(1) }
func (c *Counters) FileFailed()            { c.filesFailed.Add(1) }
func (c *Counters) Compressed(in, out int) { c.bytesUncompressedIn.Add(int64(in)); c.bytesCompressed.Add(int64(out)) }

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	ChunksDecoded       int64
	BytesDecoded        int64
	FilesEmitted        int64
	FilesMaterialized   int64
	FilesFailed         int64
	BytesCompressed     int64
	BytesUncompressedIn int64
}

// Snapshot reads every counter without stopping concurrent writers; the
// result may be torn across fields but each field itself is accurate.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ChunksDecoded:       c.chunksDecoded.Load(),
		BytesDecoded:        c.bytesDecoded.Load(),
		FilesEmitted:        c.filesEmitted.Load(),
		FilesMaterialized:   c.filesMaterialized.Load(),
		FilesFailed:         c.filesFailed.Load(),
		BytesCompressed:     c.bytesCompressed.Load(),
		BytesUncompressedIn: c.bytesUncompressedIn.Load(),
	}
}
