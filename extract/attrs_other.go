//go:build !darwin

package extract

import "errors"

// setDecmpfsAttrs has no meaning outside HFS+/APFS; the compressed sink
// treats this error like any other failure in the compression path and
// falls back to a plain payload write.
func setDecmpfsAttrs(path string, blob []byte, decompressedSize int64, typ uint32) error {
	return errors.New("decmpfs resource-fork attributes are only supported on darwin")
}
