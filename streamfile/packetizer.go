package streamfile

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Tag marks a packet boundary in the produced stream. Offset is counted from
// the start of the session.
type Tag struct {
	Offset uint64
	Key    string
	Value  int
}

// Packetizer produces the sender's packet stream:
// META, FILE, FILE, ..., META, FILE, ... when repeating, or
// META, FILE, ..., then zero packets forever when not.
//
// A Packetizer is driven by one caller at a time through Work.
type Packetizer struct {
	path       string
	name       string
	packetSize int
	repeat     bool
	tagKey     string

	callbacks *Callbacks
	logger    logrus.FieldLogger
	id        string

	phase   Phase
	header  Header
	src     *os.File
	rd      *bufio.Reader
	left    uint64
	written uint64
	cycles  int
	closed  bool
}

// NewPacketizer creates a sender for the file at path. The file does not
// need to exist yet; it is opened afresh at the start of every cycle.
func NewPacketizer(path string, opts ...Option) (*Packetizer, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	cfg := o.config

	p := &Packetizer{
		path:       path,
		name:       filepath.Base(path),
		packetSize: cfg.PacketSize,
		repeat:     cfg.Repeat,
		tagKey:     cfg.LengthTagName,
		callbacks:  o.callbacks,
		id:         uuid.NewString(),
		phase:      PhaseMeta,
	}
	p.logger = o.logger.WithFields(logrus.Fields{
		"component": "packetizer",
		"session":   p.id,
	})
	if p.tagKey == "" {
		p.tagKey = DefaultLengthTagName
	}
	size, _ := statSize(path)
	p.header = NewHeader(p.name, size, p.packetSize)

	if cfg.PacketSize > cfg.MaxMetaLen {
		p.logger.WithFields(logrus.Fields{
			"packet_size":  cfg.PacketSize,
			"max_meta_len": cfg.MaxMetaLen,
		}).Warn("packet size exceeds the receivers' default header limit")
	}
	p.logger.WithFields(logrus.Fields{
		"function":    "NewPacketizer",
		"path":        path,
		"packet_size": p.packetSize,
		"repeat":      p.repeat,
	}).Info("packetizer created")
	return p, nil
}

// Work fills out with as many whole packets as fit and returns the number of
// bytes produced together with one boundary tag per packet. A buffer shorter
// than one packet produces nothing.
func (p *Packetizer) Work(out []byte) (int, []Tag) {
	ps := p.packetSize
	n := len(out) / ps
	if n == 0 || p.closed {
		return 0, nil
	}

	tags := make([]Tag, 0, n)
	for i := 0; i < n; i++ {
		start := i * ps
		pkt := out[start : start+ps]

		tags = append(tags, Tag{
			Offset: p.written + uint64(start),
			Key:    p.tagKey,
			Value:  ps,
		})

		switch p.phase {
		case PhaseMeta:
			p.emitMeta(pkt)
		case PhaseFile:
			p.emitFile(pkt)
		default:
			clear(pkt)
		}
	}

	produced := n * ps
	p.written += uint64(produced)
	return produced, tags
}

// emitMeta reopens the source, describes it as it is now and writes the header.
func (p *Packetizer) emitMeta(pkt []byte) {
	size := p.openSource()
	p.header = NewHeader(p.name, size, p.packetSize)

	clear(pkt)
	copy(pkt, p.header.Encode())

	p.left = size
	p.cycles++
	p.phase = PhaseFile

	p.logger.WithFields(headerFields(p.header)).WithFields(logrus.Fields{
		"cycle":  p.cycles,
		"offset": p.written,
	}).Debug("header emitted")
	p.callbacks.OnCycle(p.header, p.cycles)
}

// emitFile writes the next slice of the file, zero-padded to a full packet.
// Bytes the file no longer has are sent as zeros so the stream still carries
// exactly the size the header declared.
func (p *Packetizer) emitFile(pkt []byte) {
	want := uint64(len(pkt))
	if p.left < want {
		want = p.left
	}

	got := 0
	if p.rd != nil && want > 0 {
		var err error
		got, err = io.ReadFull(p.rd, pkt[:want])
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				p.sourceError("read source", err)
			} else {
				p.logger.WithFields(logrus.Fields{
					"missing": p.left - uint64(got),
				}).Warn("source shorter than declared, padding with zeros")
			}
			p.closeSource()
		}
	}
	clear(pkt[got:])
	p.left -= want

	if p.left > 0 {
		return
	}
	if p.repeat {
		p.phase = PhaseMeta
		return
	}
	p.closeSource()
	p.phase = PhaseZeros
	p.logger.WithField("offset", p.written).Debug("transfer finished, sending zeros")
}

// openSource opens a fresh handle on the source and returns its size.
// Failure is reported and treated as an empty file.
func (p *Packetizer) openSource() uint64 {
	p.closeSource()

	f, err := os.Open(p.path)
	if err != nil {
		p.sourceError("open source", err)
		return 0
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		p.sourceError("stat source", err)
		return 0
	}
	if !info.Mode().IsRegular() {
		f.Close()
		p.sourceError("open source", NewError(ErrIO, "not a regular file"))
		return 0
	}
	p.src = f
	p.rd = bufio.NewReaderSize(f, 64*1024)
	return uint64(info.Size())
}

func (p *Packetizer) closeSource() {
	if p.src != nil {
		p.src.Close()
	}
	p.src = nil
	p.rd = nil
}

func (p *Packetizer) sourceError(op string, err error) {
	wrapped := WrapError(ErrIO, op, p.path, err)
	p.logger.WithError(err).WithField("path", p.path).Warn(op + " failed, sending as empty")
	p.callbacks.OnError(wrapped, op)
}

// Phase returns the phase the next packet will be produced in.
func (p *Packetizer) Phase() Phase { return p.phase }

// Header returns the most recently emitted header, or the header the first
// cycle is expected to use if none has been emitted yet.
func (p *Packetizer) Header() Header { return p.header }

// Cycles returns how many headers have been emitted.
func (p *Packetizer) Cycles() int { return p.cycles }

// Written returns the total bytes produced so far.
func (p *Packetizer) Written() uint64 { return p.written }

// PacketSize returns the packet size.
func (p *Packetizer) PacketSize() int { return p.packetSize }

// ID returns the session identifier used in logs.
func (p *Packetizer) ID() string { return p.id }

// Close releases the source file. Work produces nothing afterwards.
func (p *Packetizer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	var err error
	if p.src != nil {
		err = p.src.Close()
	}
	p.src = nil
	p.rd = nil
	return err
}
