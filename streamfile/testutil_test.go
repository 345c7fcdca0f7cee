package streamfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// testConfig returns a default config with a silent logger and outDir as
// the output directory.
func testConfig(outDir string) *Config {
	cfg := DefaultConfig()
	cfg.OutputDir = outDir
	cfg.Logger = NewNopLogger()
	return cfg
}

// writeFile creates name in dir with data and returns its path.
func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// pattern returns n deterministic lowercase bytes, so never the magic.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + (i*7+i/26)%26)
	}
	return b
}

// produce runs p for packets packets and returns the stream and its tags.
func produce(t *testing.T, p *Packetizer, packets int) ([]byte, []Tag) {
	t.Helper()
	out := make([]byte, packets*p.PacketSize())
	n, tags := p.Work(out)
	require.Equal(t, len(out), n)
	return out, tags
}

// feed delivers data to ra in chunks of size chunk.
func feed(t *testing.T, ra *Reassembler, data []byte, chunk int) {
	t.Helper()
	for len(data) > 0 {
		k := chunk
		if k > len(data) {
			k = len(data)
		}
		n, err := ra.Write(data[:k])
		require.NoError(t, err)
		require.Equal(t, k, n)
		data = data[k:]
	}
}

// fakeClock is a manually advanced TimeProvider.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// capturingLogger returns a debug-level logger whose entries are recorded.
func capturingLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}
