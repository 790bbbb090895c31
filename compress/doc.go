// Package compress implements a block-partitioned, ordered compression
// encoder that lays out a file's payload for decmpfs-style resource-fork
// storage, or reports that compression isn't worth it.
package compress
