package compressor

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

func TestZstdRoundTrip(t *testing.T) {
	c, err := NewZstdCompressor()
	require.NoError(t, err)
	defer c.Close()

	src := bytes.Repeat([]byte("danmu-garden "), 256)
	packet, err := c.Compress(nil, src)
	require.NoError(t, err)
	assert.Less(t, len(packet), len(src))

	plain, err := c.Decompress(nil, packet)
	require.NoError(t, err)
	assert.Equal(t, src, plain)
}

func TestZstdMinCompressSize(t *testing.T) {
	c, err := NewZstdCompressorWithConcurrency(1)
	require.NoError(t, err)
	defer c.Close()

	c.SetMinCompressSize(64)
	assert.False(t, c.ShouldCompress(10))
	assert.True(t, c.ShouldCompress(64))

	small := []byte("short")
	out, err := c.Compress(nil, small)
	require.NoError(t, err)
	assert.Equal(t, small, out)

	c.SetMinCompressSize(-1)
	assert.False(t, c.ShouldCompress(0))
	assert.True(t, c.ShouldCompress(1))
}

func TestZstdClosed(t *testing.T) {
	c, err := NewZstdCompressor()
	require.NoError(t, err)
	c.Close()
	c.Close()

	_, err = c.Compress(nil, []byte("x"))
	assert.ErrorIs(t, err, zstd.ErrEncoderClosed)
	_, err = c.Decompress(nil, []byte("x"))
	assert.ErrorIs(t, err, zstd.ErrDecoderClosed)
}

func TestNew(t *testing.T) {
	c, err := New(KindNone, 0, 0)
	require.NoError(t, err)
	assert.IsType(t, NopCompressor{}, c)
	out, err := c.Compress(nil, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	c, err = New(KindZstd, 2, 16)
	require.NoError(t, err)
	z, ok := c.(*ZstdCompressor)
	require.True(t, ok)
	defer z.Close()
	assert.False(t, z.ShouldCompress(8))

	kind, err := ParseKind(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, KindZstd, kind)
	_, err = ParseKind("lz4")
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
}
