package streamfile

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"strings"
)

// ParseResult is the outcome of validating a candidate header.
type ParseResult int

const (
	// ParseOK means a complete, plausible header was decoded.
	ParseOK ParseResult = iota

	// ParseInvalid means the candidate is not a header; scanning should
	// continue at the next byte.
	ParseInvalid

	// ParseNeedMore means the candidate looks valid so far but the buffer
	// ends before it does; the caller must wait for more input.
	ParseNeedMore
)

func (r ParseResult) String() string {
	switch r {
	case ParseOK:
		return "ok"
	case ParseInvalid:
		return "invalid"
	case ParseNeedMore:
		return "need more data"
	default:
		return "unknown"
	}
}

// ScanLimits bound what a scanner accepts as a real header. They exist to
// reject "FILE" appearing by chance inside unrelated payload.
type ScanLimits struct {
	MaxMetaLen  int
	MaxFileSize uint64
	DefaultName string
}

// DefaultScanLimits returns the stock acceptance policy.
func DefaultScanLimits() ScanLimits {
	return ScanLimits{
		MaxMetaLen:  DefaultMaxMetaLen,
		MaxFileSize: DefaultMaxFileSize,
		DefaultName: DefaultName,
	}
}

var magicBytes = []byte(Magic)

// TryParse validates the candidate header starting at buf[off].
//
// Checks run in order: fixed header present, magic, version, meta_len range,
// name_len, file_size range, whole header present. A header whose name runs
// past meta_len is accepted with the name cut at meta_len.
func TryParse(buf []byte, off int, limits ScanLimits) (Header, ParseResult) {
	if off < 0 || off > len(buf) {
		return Header{}, ParseInvalid
	}
	b := buf[off:]
	if len(b) < FixedHeaderLen {
		// a cut-off magic may still complete
		if bytes.HasPrefix(magicBytes, b) || bytes.HasPrefix(b, magicBytes) {
			return Header{}, ParseNeedMore
		}
		return Header{}, ParseInvalid
	}
	if !bytes.Equal(b[offMagic:offMagic+len(Magic)], magicBytes) {
		return Header{}, ParseInvalid
	}

	h := Header{
		Version:  b[offVersion],
		MetaLen:  int(binary.LittleEndian.Uint16(b[offMetaLen:])),
		NameLen:  int(b[offNameLen]),
		FileSize: binary.LittleEndian.Uint64(b[offFileSize:]),
	}
	if h.Version != Version {
		return Header{}, ParseInvalid
	}
	if h.MetaLen < FixedHeaderLen || h.MetaLen > limits.MaxMetaLen {
		return Header{}, ParseInvalid
	}
	if h.NameLen > MaxNameLen {
		return Header{}, ParseInvalid
	}
	if h.FileSize == 0 || h.FileSize > limits.MaxFileSize {
		return Header{}, ParseInvalid
	}
	if len(b) < h.MetaLen {
		return Header{}, ParseNeedMore
	}

	nameEnd := offName + h.NameLen
	if nameEnd > h.MetaLen {
		nameEnd = h.MetaLen
	}
	h.Name = decodeName(b[offName:nameEnd], limits.DefaultName)
	return h, ParseOK
}

// FindHeader searches buf for the first valid header at or after from.
// It returns the header offset and ParseOK, the offset of a candidate that
// needs more input and ParseNeedMore, or -1 and ParseInvalid.
func FindHeader(buf []byte, from int, limits ScanLimits) (int, Header, ParseResult) {
	if from < 0 {
		from = 0
	}
	for from <= len(buf) {
		i := bytes.Index(buf[from:], magicBytes)
		if i < 0 {
			break
		}
		idx := from + i
		h, res := TryParse(buf, idx, limits)
		switch res {
		case ParseOK, ParseNeedMore:
			return idx, h, res
		}
		from = idx + 1
	}
	return -1, Header{}, ParseInvalid
}

// decodeName turns raw name bytes into a usable name: invalid UTF-8 and NUL
// padding are dropped and fallback is used if nothing is left.
func decodeName(raw []byte, fallback string) string {
	name := strings.ToValidUTF8(string(raw), "")
	name = strings.Trim(name, "\x00")
	if name == "" {
		if fallback == "" {
			return DefaultName
		}
		return fallback
	}
	return name
}

// safeBaseName reduces a declared name to a single path element so a header
// can never direct output outside the receive directory.
func safeBaseName(name, fallback string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = filepath.Base(name)
	switch name {
	case "", ".", "..", string(filepath.Separator):
		if fallback == "" {
			return DefaultName
		}
		return fallback
	}
	return name
}
