package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

type WireSuite struct {
	suite.Suite
}

func (s *WireSuite) TestVarintField() {
	w := NewWriter(0)
	s.Require().NoError(w.WriteFieldHeader(1, Varint))
	s.Require().NoError(w.WriteInt64(5))
	s.Equal([]byte{0x08, 0x05}, w.Bytes())

	r := NewReader(w.Bytes(), 0)
	field, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Equal(1, field)
	v, err := r.ReadInt64()
	s.Require().NoError(err)
	s.Equal(int64(5), v)
	field, err = r.ReadFieldHeader()
	s.NoError(err)
	s.Equal(0, field)
}

func (s *WireSuite) TestSignedVarint() {
	w := NewWriter(0)
	s.Require().NoError(w.WriteFieldHeader(2, SignedVarint))
	s.Require().NoError(w.WriteInt64(-1))
	s.Equal([]byte{0x10, 0x01}, w.Bytes())

	r := NewReader(w.Bytes(), 0)
	_, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Equal(Varint, r.WireType())
	r.Hint(SignedVarint)
	v, err := r.ReadInt64()
	s.Require().NoError(err)
	s.Equal(int64(-1), v)
}

func (s *WireSuite) TestPacked() {
	w := NewWriter(0)
	tok, err := w.StartPacked(1, Varint)
	s.Require().NoError(err)
	for _, v := range []int64{1, 2, 3} {
		s.Require().NoError(w.WriteInt64(v))
	}
	s.Require().NoError(w.EndSubItem(tok))
	s.Equal([]byte{0x0a, 0x03, 0x01, 0x02, 0x03}, w.Bytes())

	r := NewReader(w.Bytes(), 0)
	_, err = r.ReadFieldHeader()
	s.Require().NoError(err)
	tok, err = r.StartPacked(Varint)
	s.Require().NoError(err)
	var got []int64
	for r.HasPackedItem() {
		v, err := r.ReadInt64()
		s.Require().NoError(err)
		got = append(got, v)
	}
	s.Require().NoError(r.EndSubItem(tok))
	s.Equal([]int64{1, 2, 3}, got)
}

func (s *WireSuite) TestLengthPrefixGrows() {
	w := NewWriter(0)
	s.Require().NoError(w.WriteFieldHeader(1, Bytes))
	tok, err := w.StartSubItem()
	s.Require().NoError(err)
	s.Require().NoError(w.WriteFieldHeader(2, Bytes))
	payload := make([]byte, 200)
	s.Require().NoError(w.WriteBytes(payload))
	s.Require().NoError(w.EndSubItem(tok))

	num, typ, n := protowire.ConsumeTag(w.Bytes())
	s.Equal(protowire.Number(1), num)
	s.Equal(protowire.BytesType, typ)
	inner, m := protowire.ConsumeBytes(w.Bytes()[n:])
	s.Equal(len(w.Bytes())-n, m)
	s.Len(inner, 3+200)
}

func (s *WireSuite) TestGroup() {
	w := NewWriter(0)
	s.Require().NoError(w.WriteFieldHeader(3, StartGroup))
	tok, err := w.StartSubItem()
	s.Require().NoError(err)
	s.Require().NoError(w.WriteFieldHeader(1, Bytes))
	s.Require().NoError(w.WriteString("x"))
	s.Require().NoError(w.EndSubItem(tok))
	s.Require().NoError(w.WriteFieldHeader(4, Varint))
	s.Require().NoError(w.WriteBool(true))

	r := NewReader(w.Bytes(), 0)
	field, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Equal(3, field)
	tok, err = r.StartSubItem()
	s.Require().NoError(err)
	field, err = r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Equal(1, field)
	str, err := r.ReadString()
	s.Require().NoError(err)
	s.Equal("x", str)
	field, err = r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Equal(0, field)
	s.Require().NoError(r.EndSubItem(tok))

	field, err = r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Equal(4, field)
	b, err := r.ReadBool()
	s.Require().NoError(err)
	s.True(b)
}

func (s *WireSuite) TestSkipGroup() {
	w := NewWriter(0)
	s.Require().NoError(w.WriteFieldHeader(3, StartGroup))
	tok, _ := w.StartSubItem()
	s.Require().NoError(w.WriteFieldHeader(1, Fixed64))
	s.Require().NoError(w.WriteFloat64(1.5))
	s.Require().NoError(w.EndSubItem(tok))
	s.Require().NoError(w.WriteFieldHeader(5, Fixed32))
	s.Require().NoError(w.WriteFloat32(2.5))

	r := NewReader(w.Bytes(), 0)
	_, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Require().NoError(r.SkipField())
	field, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	s.Equal(5, field)
	f, err := r.ReadFloat32()
	s.Require().NoError(err)
	s.Equal(float32(2.5), f)
}

func (s *WireSuite) TestDepthLimit() {
	w := NewWriter(2)
	_, err := w.StartSubItem()
	s.Require().NoError(err)
	s.Require().NoError(w.WriteFieldHeader(1, Bytes))
	_, err = w.StartSubItem()
	s.Require().NoError(err)
	s.Require().NoError(w.WriteFieldHeader(1, Bytes))
	_, err = w.StartSubItem()
	s.ErrorIs(err, merr.ErrDepthExceeded)
	s.True(merr.IsResourceError(err))
}

func (s *WireSuite) TestTruncated() {
	r := NewReader([]byte{0x0a, 0x05, 0x01}, 0)
	_, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	_, err = r.StartSubItem()
	s.ErrorIs(err, merr.ErrMalformed)
	s.True(merr.IsDataError(err))
}

func (s *WireSuite) TestUnterminatedGroup() {
	r := NewReader([]byte{0x1b, 0x08, 0x01}, 0)
	_, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	tok, err := r.StartSubItem()
	s.Require().NoError(err)
	_, err = r.ReadFieldHeader()
	s.Require().NoError(err)
	_, err = r.ReadInt64()
	s.Require().NoError(err)
	_, err = r.ReadFieldHeader()
	s.ErrorIs(err, merr.ErrMalformed)
	_ = tok
}

func (s *WireSuite) TestAssert() {
	r := NewReader([]byte{0x08, 0x01}, 0)
	_, err := r.ReadFieldHeader()
	s.Require().NoError(err)
	s.NoError(r.Assert(SignedVarint))
	s.ErrorIs(r.Assert(Bytes), merr.ErrUnexpectedWireType)
}

func (s *WireSuite) TestObjects() {
	w := NewWriter(0)
	a, b := new(int), new(int)
	id, existing := w.AddObject(a)
	s.Equal(1, id)
	s.False(existing)
	id, existing = w.AddObject(b)
	s.Equal(2, id)
	s.False(existing)
	id, existing = w.AddObject(a)
	s.Equal(1, id)
	s.True(existing)
}

func (s *WireSuite) TestLateQueue() {
	w := NewWriter(0)
	s.Error(w.EnqueueLate(1, func(*Writer) error { return nil }))
	w.EnableLate()
	s.NoError(w.EnqueueLate(1, func(*Writer) error { return nil }))
	s.NoError(w.EnqueueLate(2, func(*Writer) error { return nil }))
	id, _, ok := w.NextLate()
	s.True(ok)
	s.Equal(1, id)
	id, _, ok = w.NextLate()
	s.True(ok)
	s.Equal(2, id)
	_, _, ok = w.NextLate()
	s.False(ok)

	r := NewReader(nil, 0)
	r.AddLate(7, func(*Reader) error { return nil })
	s.Equal(1, r.PendingLate())
	_, ok = r.TakeLate(7)
	s.True(ok)
	s.Equal(0, r.PendingLate())
}

func (s *WireSuite) TestCounters() {
	r := NewReader(nil, 0)
	s.Equal(0, r.Next("k"))
	s.Equal(1, r.Next("k"))
	s.Equal(0, r.Next("other"))
}

func TestWire(t *testing.T) {
	suite.Run(t, new(WireSuite))
}

func TestFixed32Overflow(t *testing.T) {
	w := NewWriter(0)
	require.NoError(t, w.WriteFieldHeader(1, Fixed32))
	err := w.WriteInt64(1 << 40)
	assert.ErrorIs(t, err, merr.ErrInvalidValue)
}

func TestInvalidTag(t *testing.T) {
	w := NewWriter(0)
	assert.ErrorIs(t, w.WriteFieldHeader(0, Varint), merr.ErrInvalidTag)
	assert.ErrorIs(t, w.WriteFieldHeader(MaxFieldNumber+1, Varint), merr.ErrInvalidTag)
}
