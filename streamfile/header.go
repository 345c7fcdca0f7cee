package streamfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Header is a decoded metadata frame.
//
// Layout (meta_len bytes, little-endian):
//
//	magic     4  "FILE"
//	version   1  1
//	meta_len  2  total header size
//	name_len  1  length of name
//	file_size 8  payload bytes that follow the header
//	name      name_len bytes of UTF-8
//	padding   zeros up to meta_len
type Header struct {
	Version  uint8
	MetaLen  int
	NameLen  int
	FileSize uint64
	Name     string
}

func (h Header) String() string {
	return fmt.Sprintf("ver=%d meta_len=%d name=%q size=%d", h.Version, h.MetaLen, h.Name, h.FileSize)
}

// NewHeader describes a file called name holding size bytes, framed in a
// metaLen-byte header. Invalid UTF-8 is dropped from name and the name is cut
// to MaxNameLen bytes.
func NewHeader(name string, size uint64, metaLen int) Header {
	if metaLen < FixedHeaderLen {
		metaLen = FixedHeaderLen
	}
	nameBytes := []byte(strings.ToValidUTF8(name, ""))
	if len(nameBytes) > MaxNameLen {
		nameBytes = nameBytes[:MaxNameLen]
	}
	return Header{
		Version:  Version,
		MetaLen:  metaLen,
		NameLen:  len(nameBytes),
		FileSize: size,
		Name:     string(nameBytes),
	}
}

// Encode returns the MetaLen-byte wire form of h.
//
// If the content does not fit in MetaLen it is truncated, which may cut the
// name; name_len still records the untruncated length.
func (h Header) Encode() []byte {
	full := make([]byte, offName+len(h.Name))
	copy(full[offMagic:], Magic)
	full[offVersion] = h.Version
	binary.LittleEndian.PutUint16(full[offMetaLen:], uint16(h.MetaLen))
	full[offNameLen] = byte(h.NameLen)
	binary.LittleEndian.PutUint64(full[offFileSize:], h.FileSize)
	copy(full[offName:], h.Name)

	hdr := make([]byte, h.MetaLen)
	copy(hdr, full)
	return hdr
}

// EncodeHeader is shorthand for NewHeader(name, size, metaLen).Encode().
func EncodeHeader(name string, size uint64, metaLen int) []byte {
	return NewHeader(name, size, metaLen).Encode()
}

// BuildHeader builds the header for the file at path as it is right now.
// An inaccessible file is described as empty rather than reported.
func BuildHeader(path string, metaLen int) []byte {
	size, _ := statSize(path)
	return EncodeHeader(filepath.Base(path), size, metaLen)
}

// statSize returns the size of the file at path. ok is false if the file
// could not be queried, in which case size is 0.
func statSize(path string) (size uint64, ok bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return uint64(info.Size()), true
}
