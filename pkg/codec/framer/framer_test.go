package framer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

func TestPrefixLayouts(t *testing.T) {
	cases := []struct {
		name  string
		style PrefixStyle
		field int
		want  []byte
	}{
		{"base128", Base128, 0, []byte{0x03, 'a', 'b', 'c'}},
		{"base128 field", Base128, 1, []byte{0x0a, 0x03, 'a', 'b', 'c'}},
		{"fixed32", Fixed32, 0, []byte{0x03, 0, 0, 0, 'a', 'b', 'c'}},
		{"fixed32 big endian", Fixed32BigEndian, 0, []byte{0, 0, 0, 0x03, 'a', 'b', 'c'}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := New(c.style, c.field, 0)
			require.NoError(t, err)

			var buf bytes.Buffer
			n, err := f.WriteFrame(&buf, []byte("abc"))
			require.NoError(t, err)
			assert.Equal(t, len(c.want), n)
			assert.Equal(t, c.want, buf.Bytes())

			got, err := f.ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, []byte("abc"), got)

			_, err = f.ReadFrame(&buf)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReadFrameLeavesTrailingData(t *testing.T) {
	f, err := New(Base128, 0, 0)
	require.NoError(t, err)

	// 非 ByteReader 的流不能被预读。
	r := io.MultiReader(bytes.NewReader([]byte{0x01, 'x', 0x01, 'y'}))
	first, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), first)
	second, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), second)
}

func TestSkipOtherFields(t *testing.T) {
	other, err := New(Base128, 2, 0)
	require.NoError(t, err)
	mine, err := New(Base128, 1, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = other.WriteFrame(&buf, []byte("skip"))
	require.NoError(t, err)
	_, err = mine.WriteFrame(&buf, []byte("keep"))
	require.NoError(t, err)
	_, err = other.WriteFrame(&buf, []byte("tail"))
	require.NoError(t, err)

	got, err := mine.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
	_, err = mine.ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameErrors(t *testing.T) {
	f, err := New(Base128, 1, 4)
	require.NoError(t, err)

	_, err = f.ReadFrame(bytes.NewReader([]byte{0x08, 0x01}))
	assert.ErrorIs(t, err, merr.ErrUnexpectedWireType)

	_, err = f.ReadFrame(bytes.NewReader([]byte{0x0a, 0x03, 'a'}))
	assert.ErrorIs(t, err, merr.ErrMalformed)

	_, err = f.ReadFrame(bytes.NewReader([]byte{0x0a}))
	assert.ErrorIs(t, err, merr.ErrMalformed)

	_, err = f.ReadFrame(bytes.NewReader([]byte{0x0a, 0x05, 1, 2, 3, 4, 5}))
	assert.ErrorContains(t, err, "exceeds max")

	_, err = f.WriteFrame(io.Discard, []byte("12345"))
	assert.ErrorContains(t, err, "exceeds max")

	fixed, err := New(Fixed32, 0, 0)
	require.NoError(t, err)
	_, err = fixed.ReadFrame(bytes.NewReader([]byte{0x01, 0x00}))
	assert.ErrorIs(t, err, merr.ErrMalformed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Fixed32, 1, 0)
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
	_, err = New(Base128, -1, 0)
	assert.ErrorIs(t, err, merr.ErrInvalidTag)
	_, err = New(PrefixStyle(42), 0, 0)
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)

	f, err := New(Fixed32BigEndian, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxFrameSize, f.MaxFrameSize)
}

func TestParsePrefixStyle(t *testing.T) {
	for in, want := range map[string]PrefixStyle{
		"":                   Base128,
		"Base128":            Base128,
		"fixed32":            Fixed32,
		"fixed32-big-endian": Fixed32BigEndian,
		"fixed32be":          Fixed32BigEndian,
	} {
		got, err := ParsePrefixStyle(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePrefixStyle("zigzag")
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
	assert.Equal(t, "fixed32-big-endian", Fixed32BigEndian.String())
}
