package streamfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// TagSink receives packet boundary tags as the sender produces them.
type TagSink interface {
	WriteTags(tags []Tag) error
}

// TagLog writes one "offset key value" line per tag, for pipelines that need
// explicit framing alongside a raw byte stream.
type TagLog struct {
	w io.Writer
}

func NewTagLog(w io.Writer) *TagLog {
	return &TagLog{w: w}
}

func (t *TagLog) WriteTags(tags []Tag) error {
	for _, tag := range tags {
		if _, err := fmt.Fprintf(t.w, "%d %s %d\n", tag.Offset, tag.Key, tag.Value); err != nil {
			return err
		}
	}
	return nil
}

// StreamOptions controls Stream.
type StreamOptions struct {
	// ChunkPackets is the number of packets requested per write.
	ChunkPackets int

	// Tags receives the boundary tags of every written chunk. Optional.
	Tags TagSink

	// StopWhenIdle ends the stream once a non-repeating sender has finished
	// and would only produce zeros.
	StopWhenIdle bool
}

// Stream pumps packets from p into w until ctx is done, a write fails, or
// (with StopWhenIdle) the transfer is over. It returns nil on a clean stop.
func Stream(ctx context.Context, p *Packetizer, w io.Writer, opts StreamOptions) error {
	chunk := opts.ChunkPackets
	if chunk <= 0 {
		chunk = DefaultChunkPackets
	}
	buf := make([]byte, chunk*p.PacketSize())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if opts.StopWhenIdle && p.Phase() == PhaseZeros {
			return nil
		}

		n, tags := p.Work(buf)
		if n == 0 {
			return NewError(ErrClosed, "stream from closed packetizer")
		}
		if opts.Tags != nil {
			if err := opts.Tags.WriteTags(tags); err != nil {
				return WrapError(ErrLink, "write tags", "", err)
			}
		}
		if err := writeContext(ctx, w, buf[:n]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return WrapError(ErrLink, "write stream", "", err)
		}
	}
}

// writeContext writes p to w, giving up when ctx is done. An abandoned write
// keeps running in the background and still owns p.
func writeContext(ctx context.Context, w io.Writer, p []byte) error {
	res := make(chan error, 1)
	go func() {
		_, err := w.Write(p)
		res <- err
	}()
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReaderWithTimeout is a link reader that supports read deadlines, such as a
// net.Conn. Drain sets a short deadline before each read so that a read
// abandoned on cancel does not outlive it for long.
type ReaderWithTimeout interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

// pollInterval bounds how long Drain blocks on a deadline-capable reader
// before checking the context again.
const pollInterval = 200 * time.Millisecond

// Drain reads r into ra until EOF, ctx cancellation, or the file completes.
// A read timeout on a deadline-capable reader is not an error. Cancellation
// and EOF return nil; the caller decides what to do with an incomplete ra.
func Drain(ctx context.Context, r io.Reader, ra *Reassembler, bufSize int) error {
	_, err := drain(ctx, r, bufSize, func(p []byte) (bool, error) {
		if _, err := ra.Write(p); err != nil {
			return false, err
		}
		return ra.Done(), nil
	})
	return err
}

// drain feeds chunks read from r to fn until fn reports completion.
// It returns true if fn completed.
func drain(ctx context.Context, r io.Reader, bufSize int, fn func([]byte) (bool, error)) (bool, error) {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	buf := make([]byte, bufSize)
	dr, hasDeadline := r.(ReaderWithTimeout)
	cr := NewContextReader(ctx, r)

	for {
		select {
		case <-ctx.Done():
			return false, nil
		default:
		}

		if hasDeadline {
			if err := dr.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
				hasDeadline = false
			}
		}
		n, err := cr.Read(buf)
		if n > 0 {
			done, ferr := fn(buf[:n])
			if ferr != nil {
				return false, ferr
			}
			if done {
				return true, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return false, nil
			}
			return false, WrapError(ErrLink, "read stream", "", err)
		}
	}
}

type readResult struct {
	n   int
	err error
}

// ContextReader makes a blocking reader return ctx.Err() as soon as ctx is
// done. Each read runs in its own goroutine over a private buffer, so a read
// abandoned on cancel can finish later without touching the caller's slice.
// Its data is dropped.
type ContextReader struct {
	ctx context.Context
	r   io.Reader
	buf []byte
}

func NewContextReader(ctx context.Context, r io.Reader) *ContextReader {
	return &ContextReader{ctx: ctx, r: r}
}

func (cr *ContextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	if len(cr.buf) < len(p) {
		cr.buf = make([]byte, len(p))
	}
	buf := cr.buf[:len(p)]
	res := make(chan readResult, 1)
	go func() {
		n, err := cr.r.Read(buf)
		res <- readResult{n, err}
	}()

	select {
	case rr := <-res:
		return copy(p, buf[:rr.n]), rr.err
	case <-cr.ctx.Done():
		// the pending read owns buf now
		cr.buf = nil
		return 0, cr.ctx.Err()
	}
}
