package streamfile

// scanBuffer is the receiver's ordered history of unconsumed bytes.
// Bytes only ever leave from the front, either consumed or truncated away.
type scanBuffer struct {
	data []byte
}

func (b *scanBuffer) Len() int { return len(b.data) }

// Bytes returns the buffered bytes. The slice is only valid until the next
// mutating call.
func (b *scanBuffer) Bytes() []byte { return b.data }

func (b *scanBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Consume drops the first k bytes.
func (b *scanBuffer) Consume(k int) {
	if k <= 0 {
		return
	}
	if k >= len(b.data) {
		b.Reset()
		return
	}
	n := copy(b.data, b.data[k:])
	b.data = b.data[:n]
}

// TruncateToLast keeps only the last k bytes and reports how many were dropped.
func (b *scanBuffer) TruncateToLast(k int) int {
	if k < 0 {
		k = 0
	}
	if len(b.data) <= k {
		return 0
	}
	dropped := len(b.data) - k
	b.Consume(dropped)
	return dropped
}

func (b *scanBuffer) Reset() {
	b.data = b.data[:0]
}

// Release drops the backing array as well as the contents.
func (b *scanBuffer) Release() {
	b.data = nil
}
