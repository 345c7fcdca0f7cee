package streamfile

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Reassembler is the receiver state machine. It scans delivered bytes for a
// valid header (SCAN), writes exactly the declared number of payload bytes to
// a .part file (RECV), renames it into place and then discards everything
// that follows (DONE).
//
// Every Write consumes all of its input before returning. A Reassembler must
// be driven by one caller at a time.
type Reassembler struct {
	outDir      string
	overwrite   bool
	maxScan     int
	retain      int
	limits      ScanLimits
	defaultName string

	callbacks *Callbacks
	logger    logrus.FieldLogger
	progress  *ProgressTracker
	id        string

	state  State
	buf    scanBuffer
	resume int // buffer offset below which every candidate was rejected

	header    Header
	written   uint64
	out       *os.File
	outw      *bufio.Writer
	partPath  string
	finalPath string
	closed    bool
	failed    error
}

// NewReassembler creates a receiver writing into Config.OutputDir, creating
// the directory if needed. Failure to create it is fatal.
func NewReassembler(opts ...Option) (*Reassembler, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	cfg := o.config

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, WrapError(ErrIO, "create output directory", cfg.OutputDir, err)
	}

	r := &Reassembler{
		outDir:      cfg.OutputDir,
		overwrite:   cfg.Overwrite,
		maxScan:     cfg.MaxScanBuffer,
		retain:      cfg.ScanRetain,
		limits:      cfg.ScanLimits(),
		defaultName: cfg.DefaultName,
		callbacks:   o.callbacks,
		id:          uuid.NewString(),
		state:       StateScan,
	}
	r.logger = o.logger.WithFields(logrus.Fields{
		"component": "reassembler",
		"session":   r.id,
	})
	r.progress = NewProgressTracker(r.callbacks.OnProgress, cfg.ProgressInterval)
	r.progress.SetClock(o.clock)

	r.logger.WithFields(logrus.Fields{
		"function":   "NewReassembler",
		"output_dir": r.outDir,
		"overwrite":  r.overwrite,
		"max_buffer": r.maxScan,
	}).Debug("reassembler created")
	return r, nil
}

// Write delivers received bytes. It always consumes all of p; bytes that
// arrive after the file is complete are dropped. An error is returned when
// the output file cannot be opened, written or renamed, and from then on
// the session is aborted: every further Write returns the same error.
func (r *Reassembler) Write(p []byte) (int, error) {
	if _, err := r.consume(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// consume processes p and returns the bytes that followed the end of the
// file, if this call completed it. The first error aborts the session and
// is returned by every later call.
func (r *Reassembler) consume(p []byte) ([]byte, error) {
	if r.closed {
		return nil, NewError(ErrClosed, "write to closed reassembler")
	}
	if r.failed != nil {
		return nil, r.failed
	}
	rest, err := r.process(p)
	if err != nil {
		r.failed = err
		r.logger.WithError(err).WithField("written", r.written).Error("session aborted")
	}
	return rest, err
}

func (r *Reassembler) process(p []byte) ([]byte, error) {
	for len(p) > 0 {
		switch r.state {
		case StateDone:
			return p, nil

		case StateScan:
			// Slices no larger than half the retained history guarantee that
			// truncation never discards unscanned input.
			limit := r.retain / 2
			if limit < 1 {
				limit = 1
			}
			chunk := p
			if len(chunk) > limit {
				chunk = chunk[:limit]
			}
			p = p[len(chunk):]
			r.buf.Append(chunk)
			r.bound()

			if err := r.scan(); err != nil {
				return nil, err
			}
			if r.state != StateRecv {
				continue
			}
			if err := r.drainBuffer(); err != nil {
				return nil, err
			}
			if r.state == StateDone {
				rest := append([]byte(nil), r.buf.Bytes()...)
				r.buf.Release()
				return append(rest, p...), nil
			}

		case StateRecv:
			need := r.header.FileSize - r.written
			take := uint64(len(p))
			if take > need {
				take = need
			}
			if err := r.writeOut(p[:take]); err != nil {
				return nil, err
			}
			p = p[take:]
			if r.written == r.header.FileSize {
				if err := r.finish(); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, nil
}

// bound cuts the scan buffer back to recent history once it exceeds the cap.
func (r *Reassembler) bound() {
	if r.buf.Len() <= r.maxScan {
		return
	}
	dropped := r.buf.TruncateToLast(r.retain)
	r.resume -= dropped
	if r.resume < 0 {
		r.resume = 0
	}
	r.logger.WithFields(logrus.Fields{
		"dropped": dropped,
		"kept":    r.buf.Len(),
	}).Debug("no header found, scan buffer truncated")
}

// scan looks for the first valid header in the buffer.
func (r *Reassembler) scan() error {
	idx, h, res := FindHeader(r.buf.Bytes(), r.resume, r.limits)
	switch res {
	case ParseNeedMore:
		r.resume = idx
		return nil
	case ParseInvalid:
		// a magic cut off by the end of the buffer must be looked at again
		r.resume = r.buf.Len() - (len(Magic) - 1)
		if r.resume < 0 {
			r.resume = 0
		}
		return nil
	}

	r.logger.WithFields(headerFields(h)).WithField("offset", idx).Debug("header found")
	r.callbacks.OnHeader(h, idx)

	r.buf.Consume(idx + h.MetaLen)
	r.resume = 0
	r.header = h
	if err := r.openOutput(); err != nil {
		return err
	}
	r.state = StateRecv
	return nil
}

// drainBuffer moves buffered bytes that belong to the payload into the file.
func (r *Reassembler) drainBuffer() error {
	b := r.buf.Bytes()
	take := uint64(len(b))
	if need := r.header.FileSize - r.written; take > need {
		take = need
	}
	if take > 0 {
		if err := r.writeOut(b[:take]); err != nil {
			return err
		}
		r.buf.Consume(int(take))
	}
	if r.written == r.header.FileSize {
		return r.finish()
	}
	return nil
}

// openOutput opens the .part file for the current header.
func (r *Reassembler) openOutput() error {
	final := filepath.Join(r.outDir, safeBaseName(r.header.Name, r.defaultName))
	if !r.overwrite && exists(final) {
		final = freePath(final)
	}
	part := final + PartSuffix

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return WrapError(ErrIO, "open part file", part, err)
	}
	r.out = f
	r.outw = bufio.NewWriterSize(f, 64*1024)
	r.finalPath = final
	r.partPath = part
	r.written = 0
	r.progress.Start(r.header.Name, int64(r.header.FileSize))

	r.logger.WithFields(logrus.Fields{
		"part_path": part,
		"file_size": r.header.FileSize,
	}).Info("receiving file")
	r.callbacks.OnFileStart(r.header.Name, part, int64(r.header.FileSize))
	return nil
}

func (r *Reassembler) writeOut(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := r.outw.Write(p)
	r.written += uint64(n)
	if err != nil {
		return WrapError(ErrIO, "write part file", r.partPath, err)
	}
	r.progress.Update(int64(r.written))
	return nil
}

// finish closes the .part file and renames it over the final path.
func (r *Reassembler) finish() error {
	if err := r.closeOutput(); err != nil {
		return err
	}
	if err := os.Remove(r.finalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.WithError(err).WithField("path", r.finalPath).Warn("could not remove existing file")
	}
	if err := os.Rename(r.partPath, r.finalPath); err != nil {
		return WrapError(ErrIO, "rename part file", r.partPath, err)
	}
	r.state = StateDone
	duration := r.progress.Complete()

	r.logger.WithFields(logrus.Fields{
		"path":     r.finalPath,
		"written":  r.written,
		"duration": duration,
	}).Info("transfer completed")
	r.callbacks.OnFileComplete(r.finalPath, int64(r.written), duration)
	return nil
}

func (r *Reassembler) closeOutput() error {
	if r.out == nil {
		return nil
	}
	ferr := r.outw.Flush()
	cerr := r.out.Close()
	r.out = nil
	r.outw = nil
	if ferr != nil {
		return WrapError(ErrIO, "flush part file", r.partPath, ferr)
	}
	if cerr != nil {
		return WrapError(ErrIO, "close part file", r.partPath, cerr)
	}
	return nil
}

// Close stops the session. An incomplete file is flushed and left under its
// .part name. Further writes fail.
func (r *Reassembler) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.buf.Release()
	if r.out == nil {
		return nil
	}
	r.logger.WithFields(logrus.Fields{
		"part_path": r.partPath,
		"written":   r.written,
		"file_size": r.header.FileSize,
	}).Info("stopped before completion, keeping partial file")
	return r.closeOutput()
}

// Err returns the error that aborted the session, if any.
func (r *Reassembler) Err() error { return r.failed }

// State returns the current state.
func (r *Reassembler) State() State { return r.state }

// Done reports whether the file has been completed.
func (r *Reassembler) Done() bool { return r.state == StateDone }

// Header returns the header being received, valid once past SCAN.
func (r *Reassembler) Header() Header { return r.header }

// Written returns the payload bytes written so far.
func (r *Reassembler) Written() uint64 { return r.written }

// FinalPath returns where the file is, or will be, stored.
func (r *Reassembler) FinalPath() string { return r.finalPath }

// PartPath returns the in-progress path.
func (r *Reassembler) PartPath() string { return r.partPath }

// Buffered returns the number of bytes held in the scan buffer.
func (r *Reassembler) Buffered() int { return r.buf.Len() }

// ID returns the session identifier used in logs.
func (r *Reassembler) ID() string { return r.id }

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// freePath returns the first "name_N.ext" next to path for which neither the
// file nor its .part exists.
func freePath(path string) string {
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	if ext == file {
		ext = ""
	}
	base := strings.TrimSuffix(file, ext)
	for k := 1; ; k++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, k, ext))
		if !exists(cand) && !exists(cand+PartSuffix) {
			return cand
		}
	}
}
