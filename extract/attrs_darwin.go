//go:build darwin

package extract

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// decmpfsMagic is "fpmc", the 4 bytes of "cmpf" reversed, matching the
// on-disk com.apple.decmpfs header layout.
var decmpfsMagic = [4]byte{'f', 'p', 'm', 'c'}

// setDecmpfsAttrs writes the resource fork and the 16-byte com.apple.decmpfs
// header, then sets UF_COMPRESSED. typ is the decmpfs compression-type
// constant this build stamps on disk (see compress.TypeS2ResourceFork).
func setDecmpfsAttrs(path string, blob []byte, decompressedSize int64, typ uint32) error {
	if err := unix.Setxattr(path, "com.apple.ResourceFork", blob, 0); err != nil {
		return err
	}

	var header [16]byte
	copy(header[0:4], decmpfsMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], typ)
	binary.LittleEndian.PutUint64(header[8:16], uint64(decompressedSize))
	if err := unix.Setxattr(path, "com.apple.decmpfs", header[:], 0); err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return err
	}
	return unix.Chflags(path, int(st.Flags)|unix.UF_COMPRESSED)
}
