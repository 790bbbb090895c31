package xarfile

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/xchunk/xip/internal/xiperr"
)

var xarMagic = [4]byte{'x', 'a', 'r', '!'}
var pbzxMagic = [4]byte{'p', 'b', 'z', 'x'}

// header mirrors the 28-byte XAR header: magic followed by five
// big-endian fields giving the header size, format version, and the
// compressed/decompressed size and checksum of the table of contents.
type header struct {
	Magic                [4]byte
	HeaderSize           uint16
	Version              uint16
	TOCCompressedSize    uint64
	TOCDecompressedSize  uint64
	Checksum             uint32
}

// Range is a byte range within the mapped archive.
type Range struct {
	Offset int64
	Length int64
}

// LocatePBZX parses the XAR header and table of contents in m and returns
// the byte range of the "Content" stream, which is expected to be a PBZX
// container.
func LocatePBZX(m *Mapped) (Range, error) {
	raw := m.Bytes()
	if len(raw) < 28 {
		return Range{}, xiperr.Malformedf("xar header", "archive is only %d bytes", len(raw))
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw[:28]), binary.BigEndian, &h); err != nil {
		return Range{}, xiperr.Malformed("xar header", err)
	}
	if h.Magic != xarMagic {
		return Range{}, xiperr.Malformedf("xar header", "bad magic %q", h.Magic[:])
	}
	if h.Version != 1 {
		return Range{}, xiperr.Malformedf("xar header", "unsupported version %d", h.Version)
	}

	tocStart := int64(h.HeaderSize)
	tocEnd := tocStart + int64(h.TOCCompressedSize)
	tocBytes, err := m.Slice(tocStart, int64(h.TOCCompressedSize))
	if err != nil {
		return Range{}, xiperr.Malformed("xar toc", err)
	}
	if len(tocBytes) < 2 {
		return Range{}, xiperr.Malformedf("xar toc", "compressed TOC too small (%d bytes)", len(tocBytes))
	}

	// tocBytes[:2] is the zlib CMF/FLG pair; everything after it is a raw
	// deflate stream (plus a trailing Adler-32 the flate reader ignores).
	toc, err := inflateTOC(tocBytes[2:], int64(h.TOCDecompressedSize))
	if err != nil {
		return Range{}, xiperr.Decode("xar toc", err)
	}

	off, length, err := findContentStream(toc)
	if err != nil {
		return Range{}, err
	}

	pbzxStart := tocEnd + off
	pbzxRange := Range{Offset: pbzxStart, Length: length}

	pbzxHeader, err := m.Slice(pbzxRange.Offset, 4)
	if err != nil {
		return Range{}, xiperr.Malformed("pbzx magic", err)
	}
	if [4]byte(pbzxHeader) != pbzxMagic {
		return Range{}, xiperr.Malformedf("pbzx magic", "Content stream does not start with %q", pbzxMagic[:])
	}

	return pbzxRange, nil
}

func inflateTOC(compressed []byte, decompressedSize int64) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	buf := make([]byte, decompressedSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("inflating TOC: %w", err)
	}
	if int64(n) != decompressedSize {
		return nil, fmt.Errorf("TOC inflated to %d bytes, header declared %d", n, decompressedSize)
	}
	return buf, nil
}

// xmlTOC and xmlFile mirror only the elements this extractor needs from
// the XAR TOC: enough to walk the file tree looking for the entry named
// "Content" and read its (offset, length) pair.
type xmlTOC struct {
	XMLName xml.Name  `xml:"toc"`
	Files   []xmlFile `xml:"file"`
}

type xmlFile struct {
	Name  string    `xml:"name"`
	Data  *xmlData  `xml:"data"`
	Files []xmlFile `xml:"file"`
}

type xmlData struct {
	Offset string `xml:"offset"`
	Length string `xml:"length"`
}

type xmlRoot struct {
	XMLName xml.Name `xml:"xar"`
	TOC     xmlTOC   `xml:"toc"`
}

func findContentStream(tocXML []byte) (offset, length int64, err error) {
	var root xmlRoot
	if err := xml.Unmarshal(tocXML, &root); err != nil {
		return 0, 0, xiperr.Malformed("xar toc xml", err)
	}

	f, ok := findFileByName(root.TOC.Files, "Content")
	if !ok {
		return 0, 0, xiperr.Malformedf("xar toc xml", "no <file><name>Content</name></file> element")
	}
	if f.Data == nil {
		return 0, 0, xiperr.Malformedf("xar toc xml", "Content file has no <data> element")
	}

	offset, err = strconv.ParseInt(f.Data.Offset, 10, 64)
	if err != nil {
		return 0, 0, xiperr.Malformed("xar toc xml", fmt.Errorf("data/offset: %w", err))
	}
	length, err = strconv.ParseInt(f.Data.Length, 10, 64)
	if err != nil {
		return 0, 0, xiperr.Malformed("xar toc xml", fmt.Errorf("data/length: %w", err))
	}
	return offset, length, nil
}

func findFileByName(files []xmlFile, name string) (xmlFile, bool) {
	for _, f := range files {
		if f.Name == name {
			return f, true
		}
		if found, ok := findFileByName(f.Files, name); ok {
			return found, ok
		}
	}
	return xmlFile{}, false
}
