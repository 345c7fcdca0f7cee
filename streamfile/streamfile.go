// Package streamfile moves a single file across a lossy, unidirectional byte
// stream such as a software-defined-radio link.
//
// The sender side (Packetizer) emits fixed-size packets: a self-describing
// metadata header followed by the file contents split into zero-padded
// packets, optionally repeating forever. The receiver side (Reassembler)
// scans an arbitrary, possibly truncated stream for the header magic,
// validates it, streams exactly the declared number of payload bytes into a
// ".part" file and renames it into place once complete.
//
// Neither side performs blocking waits. The surrounding conduit requests
// output or delivers input one call at a time; see Stream, Drain and
// Receiver for ready-made conduits over io.Reader and io.Writer links.
package streamfile

// Header wire layout. All multi-byte fields are little-endian.
const (
	// Magic marks the start of a header.
	Magic = "FILE"

	// Version is the only header version understood.
	Version = 1

	// FixedHeaderLen is the size of the fixed part of the header
	// (magic, version, meta_len, name_len, file_size).
	FixedHeaderLen = 16

	// MaxNameLen is the largest name a one-byte name_len can describe.
	MaxNameLen = 255
)

// Byte offsets within the fixed header.
const (
	offMagic    = 0
	offVersion  = 4
	offMetaLen  = 5
	offNameLen  = 7
	offFileSize = 8
	offName     = FixedHeaderLen
)

// Policy defaults. Each is overridable through Config.
const (
	DefaultPacketSize     = 512
	DefaultLengthTagName  = "packet_len"
	DefaultMaxScanBuffer  = 4 * 1024 * 1024
	DefaultScanRetain     = 1024 * 1024
	DefaultMaxFileSize    = 1 << 30
	DefaultMaxMetaLen     = 4096
	DefaultName           = "recv.bin"
	DefaultChunkPackets   = 16
	DefaultReadBufferSize = 64 * 1024

	// MaxPacketSize is bounded by the two-byte meta_len field, since the
	// sender writes meta_len = packet_size.
	MaxPacketSize = 0xFFFF

	// PartSuffix is appended to the final path while a file is incomplete.
	PartSuffix = ".part"
)

// Phase is the sender's position in its transfer cycle.
type Phase int

const (
	PhaseMeta Phase = iota
	PhaseFile
	PhaseZeros
)

func (p Phase) String() string {
	switch p {
	case PhaseMeta:
		return "META"
	case PhaseFile:
		return "FILE"
	case PhaseZeros:
		return "ZEROS"
	default:
		return "UNKNOWN"
	}
}

// State is the receiver's position in a reassembly session.
type State int

const (
	StateScan State = iota
	StateRecv
	StateDone
)

func (s State) String() string {
	switch s {
	case StateScan:
		return "SCAN"
	case StateRecv:
		return "RECV"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}
