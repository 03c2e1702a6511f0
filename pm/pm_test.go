package pm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemcpyNT(t *testing.T) {
	d := NewAnon(4096)

	d.MemcpyNT(100, []byte("hello"), false)
	assert.Equal(t, []byte("hello"), d.Bytes(100, 5))

	_, fenced := d.Stats()
	assert.Zero(t, fenced)

	d.MemcpyNT(200, []byte("world"), true)
	_, fenced = d.Stats()
	assert.Equal(t, uint64(1), fenced)
}

func TestMemsetNT(t *testing.T) {
	d := NewAnon(4096)
	d.MemcpyNT(0, bytes.Repeat([]byte{0xff}, 64), false)

	d.MemsetNT(8, 16, 0, false)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 8), d.Bytes(0, 8))
	assert.Equal(t, make([]byte, 16), d.Bytes(8, 16))
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 40), d.Bytes(24, 40))
}

func TestUnalignedEdgesAreFlushed(t *testing.T) {
	d := NewAnon(4096)

	// An 8-byte-aligned store needs no edge flushes.
	before, _ := d.Stats()
	d.MemcpyNT(64, make([]byte, 16), false)
	after, _ := d.Stats()
	assert.Equal(t, before, after)

	// Both edges misaligned: two edge flushes.
	d.MemcpyNT(65, make([]byte, 5), false)
	final, _ := d.Stats()
	assert.Equal(t, after+2, final)
}

func TestSnapshotRestore(t *testing.T) {
	d := NewAnon(1024)
	d.MemcpyNT(0, []byte("before"), false)
	snap := d.Snapshot()

	d.MemcpyNT(0, []byte("after!"), false)
	require.Equal(t, []byte("after!"), d.Bytes(0, 6))

	d.Restore(snap)
	assert.Equal(t, []byte("before"), d.Bytes(0, 6))
}

func TestCrashHookSeesBoundaries(t *testing.T) {
	d := NewAnon(1024)

	var points []string
	d.InjectCrashAt(func(point string) { points = append(points, point) })

	d.Flush(0, 64)
	d.Fence()
	d.InjectCrashAt(nil)
	d.Fence()

	assert.Equal(t, []string{"flush@0+64", "fence"}, points)
}
