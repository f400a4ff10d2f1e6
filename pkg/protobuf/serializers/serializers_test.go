package serializers

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

func encode(t *testing.T, root Serializer, v any) []byte {
	t.Helper()
	w := wire.NewWriter(0)
	require.NoError(t, root.Write(w, reflect.ValueOf(v)))
	return w.Bytes()
}

func decode(t *testing.T, root Serializer, data []byte) reflect.Value {
	t.Helper()
	out, err := root.Read(wire.NewReader(data, 0), reflect.Value{})
	require.NoError(t, err)
	return out
}

func scalar(t *testing.T, typ reflect.Type, format wire.DataFormat) *Scalar {
	t.Helper()
	s, err := NewScalar(typ, format)
	require.NoError(t, err)
	return s
}

func TestScalarFormats(t *testing.T) {
	cases := []struct {
		name   string
		value  any
		format wire.DataFormat
		want   []byte
	}{
		{"varint", int32(150), wire.FormatDefault, []byte{0x08, 0x96, 0x01}},
		{"negative varint", int32(-1), wire.FormatTwosComplement,
			[]byte{0x08, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
		{"zigzag", int32(-1), wire.FormatZigZag, []byte{0x08, 0x01}},
		{"fixed32", int32(5), wire.FormatFixedSize, []byte{0x0d, 0x05, 0x00, 0x00, 0x00}},
		{"fixed64", uint64(1), wire.FormatFixedSize, []byte{0x09, 0x01, 0, 0, 0, 0, 0, 0, 0}},
		{"bool", true, wire.FormatDefault, []byte{0x08, 0x01}},
		{"string", "hi", wire.FormatDefault, []byte{0x0a, 0x02, 'h', 'i'}},
		{"bytes", []byte{0xca, 0xfe}, wire.FormatDefault, []byte{0x0a, 0x02, 0xca, 0xfe}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			root := NewTagRoot(NewTag(1, scalar(t, reflect.TypeOf(c.value), c.format)))
			assert.Equal(t, c.want, encode(t, root, c.value))
			assert.Equal(t, c.value, decode(t, root, c.want).Interface())
		})
	}
}

func TestScalarRejectsFormat(t *testing.T) {
	_, err := NewScalar(reflect.TypeFor[string](), wire.FormatZigZag)
	assert.ErrorIs(t, err, merr.ErrWrongTypeInTail)
	_, err = NewScalar(reflect.TypeFor[uint32](), wire.FormatZigZag)
	assert.ErrorIs(t, err, merr.ErrWrongTypeInTail)
	_, err = NewScalar(reflect.TypeFor[complex64](), wire.FormatDefault)
	assert.ErrorIs(t, err, merr.ErrTypeNotSupported)
	assert.False(t, IsScalar(reflect.TypeFor[[]int32]()))
	assert.True(t, IsScalar(reflect.TypeFor[[]byte]()))
}

func TestScalarOverflow(t *testing.T) {
	root := NewTagRoot(NewTag(1, scalar(t, reflect.TypeFor[int8](), wire.FormatDefault)))
	_, err := root.Read(wire.NewReader([]byte{0x08, 0x80, 0x02}, 0), reflect.Value{})
	assert.ErrorIs(t, err, merr.ErrInvalidValue)
}

type color int32

func TestStrictEnum(t *testing.T) {
	enum, err := NewEnum(reflect.TypeFor[color](), []int64{2, 0, 1}, true)
	require.NoError(t, err)
	root := NewTagRoot(NewTag(1, enum))

	assert.Equal(t, []byte{0x08, 0x02}, encode(t, root, color(2)))
	err = root.Write(wire.NewWriter(0), reflect.ValueOf(color(7)))
	assert.ErrorIs(t, err, merr.ErrInvalidValue)
	_, err = root.Read(wire.NewReader([]byte{0x08, 0x07}, 0), reflect.Value{})
	assert.ErrorIs(t, err, merr.ErrInvalidValue)

	loose, err := NewEnum(reflect.TypeFor[color](), nil, true)
	require.NoError(t, err)
	assert.Equal(t, color(7), decode(t, NewTagRoot(NewTag(1, loose)), []byte{0x08, 0x07}).Interface())

	_, err = NewEnum(reflect.TypeFor[string](), nil, false)
	assert.ErrorIs(t, err, merr.ErrTypeNotSupported)
}

func TestDefaultSkipsValue(t *testing.T) {
	s := scalar(t, reflect.TypeFor[int32](), wire.FormatDefault)
	explicit := NewTagRoot(NewDefault(NewTag(1, s), reflect.ValueOf(int32(7))))
	assert.Empty(t, encode(t, explicit, int32(7)))
	assert.Equal(t, []byte{0x08, 0x00}, encode(t, explicit, int32(0)))

	implicit := NewTagRoot(NewDefault(NewTag(1, s), reflect.Value{}))
	assert.Empty(t, encode(t, implicit, int32(0)))
}

func TestNullRejectsElements(t *testing.T) {
	s := scalar(t, reflect.TypeFor[int32](), wire.FormatDefault)
	err := NewNull(s, true).Write(wire.NewWriter(0), reflect.ValueOf((*int32)(nil)))
	assert.ErrorIs(t, err, merr.ErrNullElement)
	assert.NoError(t, NewNull(s, false).Write(wire.NewWriter(0), reflect.ValueOf((*int32)(nil))))
}

func TestMapSortedKeys(t *testing.T) {
	typ := reflect.TypeFor[map[string]int32]()
	m, err := NewMap(1, typ,
		scalar(t, reflect.TypeFor[string](), wire.FormatDefault),
		scalar(t, reflect.TypeFor[int32](), wire.FormatDefault), false)
	require.NoError(t, err)
	root := NewMessageRoot(NewFieldLoop(1, m))

	want := []byte{
		0x0a, 0x05, 0x0a, 0x01, 'a', 0x10, 0x01,
		0x0a, 0x05, 0x0a, 0x01, 'b', 0x10, 0x02,
	}
	value := map[string]int32{"b": 2, "a": 1}
	assert.Equal(t, want, encode(t, root, value))
	assert.Equal(t, value, decode(t, root, want).Interface())

	_, err = NewMap(1, typ, NewSubItem(m, true), m, false)
	assert.ErrorIs(t, err, merr.ErrTypeNotSupported)
}

func TestMapRejectsNullValues(t *testing.T) {
	typ := reflect.TypeFor[map[string]*int32]()
	key := scalar(t, reflect.TypeFor[string](), wire.FormatDefault)
	value := NewPointer(scalar(t, reflect.TypeFor[int32](), wire.FormatDefault))

	strict, err := NewMap(1, typ, key, NewNull(value, true), false)
	require.NoError(t, err)
	one := int32(1)
	assert.NoError(t, strict.Write(wire.NewWriter(0), reflect.ValueOf(map[string]*int32{"a": &one})))
	err = strict.Write(wire.NewWriter(0), reflect.ValueOf(map[string]*int32{"a": &one, "b": nil}))
	assert.ErrorIs(t, err, merr.ErrNullElement)

	lenient, err := NewMap(1, typ, key, NewNull(value, false), false)
	require.NoError(t, err)
	w := wire.NewWriter(0)
	require.NoError(t, lenient.Write(w, reflect.ValueOf(map[string]*int32{"b": nil})))
	assert.Equal(t, []byte{0x0a, 0x03, 0x0a, 0x01, 'b'}, w.Bytes())
}

func TestUUIDFormats(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")

	raw := NewTagRoot(NewTag(1, NewUUID(UUIDBytes, false)))
	data := encode(t, raw, id)
	assert.Equal(t, append([]byte{0x0a, 0x10}, id[:]...), data)
	assert.Equal(t, id, decode(t, raw, data).Interface())

	text := NewTagRoot(NewTag(1, NewUUID(UUIDText, false)))
	data = encode(t, text, id)
	assert.Equal(t, append([]byte{0x0a, 0x24}, id.String()...), data)
	assert.Equal(t, id, decode(t, text, data).Interface())

	legacy := NewTagRoot(NewTag(1, NewUUID(UUIDLegacy, false)))
	assert.Equal(t, id, decode(t, legacy, encode(t, legacy, id)).Interface())
}
