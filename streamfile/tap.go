package streamfile

import (
	"io"
)

// TapReader passes a stream through unchanged while feeding every byte it
// forwards into a Reassembler. It lets a receiver sit in the middle of a
// pipeline, e.g. io.Copy(nextStage, NewTapReader(link, ra)).
type TapReader struct {
	reader io.Reader
	ra     *Reassembler
	err    error
}

// NewTapReader creates a tap on reader.
func NewTapReader(reader io.Reader, ra *Reassembler) *TapReader {
	return &TapReader{reader: reader, ra: ra}
}

// Read implements io.Reader. A reassembly failure does not interrupt the
// pass-through; it is kept and reported by Err.
func (t *TapReader) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if n > 0 && t.err == nil {
		if _, werr := t.ra.Write(p[:n]); werr != nil {
			t.err = werr
		}
	}
	return n, err
}

// Err returns the first reassembly error, if any.
func (t *TapReader) Err() error { return t.err }

// Reassembler returns the tapped session.
func (t *TapReader) Reassembler() *Reassembler { return t.ra }
