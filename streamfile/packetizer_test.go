package streamfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPacketizer(t *testing.T, path string, packetSize int, repeat bool, cb *Callbacks) *Packetizer {
	t.Helper()
	cfg := testConfig(t.TempDir())
	cfg.PacketSize = packetSize
	cfg.Repeat = repeat
	p, err := NewPacketizer(path, WithConfig(cfg), WithCallbacks(cb))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPacketizerConcreteScenario(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", []byte("0123456789"))
	p := newTestPacketizer(t, path, 512, false, nil)

	out, tags := produce(t, p, 2)

	assert.Equal(t, EncodeHeader("a.txt", 10, 512), out[:512])
	want := append([]byte("0123456789"), make([]byte, 502)...)
	assert.Equal(t, want, out[512:])

	require.Len(t, tags, 2)
	assert.Equal(t, Tag{Offset: 0, Key: DefaultLengthTagName, Value: 512}, tags[0])
	assert.Equal(t, Tag{Offset: 512, Key: DefaultLengthTagName, Value: 512}, tags[1])
	assert.Equal(t, PhaseZeros, p.Phase())
}

func TestPacketizerPartialRequest(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", []byte("abc"))
	p := newTestPacketizer(t, path, 64, true, nil)

	n, tags := p.Work(make([]byte, 63))
	assert.Zero(t, n)
	assert.Empty(t, tags)
	assert.Equal(t, PhaseMeta, p.Phase())

	// remainder bytes beyond whole packets are left untouched
	out := bytes.Repeat([]byte{0xAA}, 64*2+10)
	n, tags = p.Work(out)
	assert.Equal(t, 128, n)
	assert.Len(t, tags, 2)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 10), out[128:])
}

func TestPacketizerTagsAreContinuous(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.bin", pattern(1000))
	p := newTestPacketizer(t, path, 100, true, nil)

	var all []Tag
	for i := 0; i < 5; i++ {
		_, tags := produce(t, p, 3)
		all = append(all, tags...)
	}
	require.Len(t, all, 15)
	for i, tag := range all {
		assert.Equal(t, uint64(i*100), tag.Offset)
		assert.Equal(t, 100, tag.Value)
	}
	assert.Equal(t, uint64(1500), p.Written())
}

func TestPacketizerCustomTagName(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", []byte("x"))
	cfg := testConfig(t.TempDir())
	cfg.PacketSize = 32
	cfg.LengthTagName = "pdu_len"
	p, err := NewPacketizer(path, WithConfig(cfg))
	require.NoError(t, err)
	defer p.Close()

	_, tags := produce(t, p, 1)
	assert.Equal(t, "pdu_len", tags[0].Key)
}

func TestPacketizerRepeat(t *testing.T) {
	data := pattern(70)
	path := writeFile(t, t.TempDir(), "r.bin", data)

	var cycles []int
	p := newTestPacketizer(t, path, 32, true, &Callbacks{
		OnCycle: func(h Header, cycle int) {
			assert.Equal(t, uint64(70), h.FileSize)
			cycles = append(cycles, cycle)
		},
	})

	// header + 3 file packets per cycle
	out, _ := produce(t, p, 8)
	hdr := EncodeHeader("r.bin", 70, 32)
	payload := append(append([]byte{}, data...), make([]byte, 96-70)...)

	assert.Equal(t, hdr, out[0:32])
	assert.Equal(t, payload, out[32:128])
	assert.Equal(t, hdr, out[128:160])
	assert.Equal(t, payload, out[160:256])
	assert.Equal(t, []int{1, 2}, cycles)
	assert.Equal(t, 2, p.Cycles())
	assert.Equal(t, PhaseMeta, p.Phase())
}

func TestPacketizerOnceThenZeros(t *testing.T) {
	path := writeFile(t, t.TempDir(), "o.bin", pattern(40))
	p := newTestPacketizer(t, path, 32, false, nil)

	produce(t, p, 3)
	assert.Equal(t, PhaseZeros, p.Phase())

	out := bytes.Repeat([]byte{0xFF}, 32*4)
	n, tags := p.Work(out)
	assert.Equal(t, 128, n)
	assert.Len(t, tags, 4)
	assert.Equal(t, make([]byte, 128), out)
	assert.Equal(t, 1, p.Cycles())
}

func TestPacketizerExactMultiple(t *testing.T) {
	data := pattern(64)
	path := writeFile(t, t.TempDir(), "m.bin", data)
	p := newTestPacketizer(t, path, 32, true, nil)

	out, _ := produce(t, p, 4)
	assert.Equal(t, data, out[32:96])
	// the last file packet is kept, the next cycle starts right after it
	assert.Equal(t, EncodeHeader("m.bin", 64, 32), out[96:128])
}

func TestPacketizerEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.bin", nil)
	p := newTestPacketizer(t, path, 32, true, nil)

	out, _ := produce(t, p, 4)
	hdr := EncodeHeader("empty.bin", 0, 32)
	assert.Equal(t, hdr, out[0:32])
	assert.Equal(t, make([]byte, 32), out[32:64])
	assert.Equal(t, hdr, out[64:96])
	assert.Equal(t, make([]byte, 32), out[96:128])
}

func TestPacketizerMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "later.bin")

	var errs []error
	p := newTestPacketizer(t, path, 32, true, &Callbacks{
		OnError: func(err error, context string) {
			assert.Equal(t, "open source", context)
			errs = append(errs, err)
		},
	})

	out, _ := produce(t, p, 2)
	assert.Equal(t, EncodeHeader("later.bin", 0, 32), out[:32])
	assert.Equal(t, make([]byte, 32), out[32:])
	require.Len(t, errs, 1)
	assert.True(t, IsIO(errs[0]))
	assert.ErrorIs(t, errs[0], os.ErrNotExist)

	// the file appears and the next cycle picks it up
	require.NoError(t, os.WriteFile(path, []byte("now here"), 0644))
	out, _ = produce(t, p, 2)
	assert.Equal(t, EncodeHeader("later.bin", 8, 32), out[:32])
	assert.Equal(t, []byte("now here"), out[32:40])
}

func TestPacketizerFileChangesBetweenCycles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "grow.log", []byte("one"))
	p := newTestPacketizer(t, path, 32, true, nil)

	out, _ := produce(t, p, 2)
	assert.Equal(t, EncodeHeader("grow.log", 3, 32), out[:32])

	require.NoError(t, os.WriteFile(path, []byte("one two three"), 0644))
	out, _ = produce(t, p, 2)
	assert.Equal(t, EncodeHeader("grow.log", 13, 32), out[:32])
	assert.Equal(t, []byte("one two three"), out[32:45])
}

func TestPacketizerSourceShrinks(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "s.bin", pattern(100))
	p := newTestPacketizer(t, path, 32, false, nil)

	produce(t, p, 1)
	require.NoError(t, os.Truncate(path, 40))

	out, _ := produce(t, p, 4)
	assert.Equal(t, pattern(40), out[:40])
	// missing bytes are sent as zeros, the declared size is still honored
	assert.Equal(t, make([]byte, 88), out[40:])
	assert.Equal(t, PhaseZeros, p.Phase())
}

func TestPacketizerClose(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.bin", pattern(10))
	p := newTestPacketizer(t, path, 32, true, nil)
	produce(t, p, 1)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	n, tags := p.Work(make([]byte, 64))
	assert.Zero(t, n)
	assert.Nil(t, tags)
}

func TestNewPacketizerInvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.PacketSize = 8
	_, err := NewPacketizer("x", WithConfig(cfg))
	require.Error(t, err)
	assert.True(t, IsConfig(err))
}

func TestPacketizerLargePacketWarns(t *testing.T) {
	logger, hook := capturingLogger()
	cfg := testConfig(t.TempDir())
	cfg.PacketSize = 8192
	p, err := NewPacketizer("x", WithConfig(cfg), WithLogger(logger))
	require.NoError(t, err)
	defer p.Close()

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "packet size exceeds the receivers' default header limit" {
			found = true
		}
	}
	assert.True(t, found)
}
