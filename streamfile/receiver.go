package streamfile

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Receiver runs reassembly sessions back to back over one link, one file at a
// time. Bytes that arrive in the same read as the end of one file are handed
// to the next session so a following header is not lost.
type Receiver struct {
	opts    []Option
	logger  logrus.FieldLogger
	bufSize int

	current  *Reassembler
	received []string
}

// NewReceiver creates a Receiver whose sessions are built with opts. The
// output directory is created immediately.
func NewReceiver(opts ...Option) (*Receiver, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	// share one logger between sessions
	opts = append(append([]Option(nil), opts...), WithLogger(o.logger))

	rx := &Receiver{
		opts:    opts,
		logger:  o.logger.WithField("component", "receiver"),
		bufSize: o.config.ReadBufferSize,
	}
	if rx.current, err = NewReassembler(rx.opts...); err != nil {
		return nil, err
	}
	return rx, nil
}

// ReceiveFile receives a single file from r.
func (rx *Receiver) ReceiveFile(ctx context.Context, r io.Reader) error {
	return rx.ReceiveFiles(ctx, r, 1)
}

// ReceiveFiles receives files from r until maxFiles have completed (0 means no
// limit), r reaches EOF, or ctx is cancelled. An incomplete session is closed,
// leaving its .part file behind; a failure to flush it is returned. A
// Receiver runs ReceiveFiles once.
func (rx *Receiver) ReceiveFiles(ctx context.Context, r io.Reader, maxFiles int) (err error) {
	defer func() {
		if cerr := rx.current.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = drain(ctx, r, rx.bufSize, func(p []byte) (bool, error) {
		for len(p) > 0 {
			rest, err := rx.current.consume(p)
			if err != nil {
				return false, err
			}
			if !rx.current.Done() {
				return false, nil
			}

			rx.received = append(rx.received, rx.current.FinalPath())
			if maxFiles > 0 && len(rx.received) >= maxFiles {
				return true, nil
			}
			rx.logger.WithField("files_received", len(rx.received)).Debug("starting next session")
			next, err := NewReassembler(rx.opts...)
			if err != nil {
				return false, err
			}
			rx.current = next
			p = rest
		}
		return false, nil
	})
	return err
}

// Current returns the active session.
func (rx *Receiver) Current() *Reassembler { return rx.current }

// Received returns the paths of the files completed so far.
func (rx *Receiver) Received() []string { return rx.received }

// Close stops the active session.
func (rx *Receiver) Close() error {
	return rx.current.Close()
}
