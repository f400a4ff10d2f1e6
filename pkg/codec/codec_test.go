package codec

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec/compressor"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec/framer"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/meta"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/viper"
)

type sample struct {
	V    int32  `pb:"1"`
	Name string `pb:"2"`
}

type CodecSuite struct {
	suite.Suite
	model *meta.RuntimeTypeModel
}

func TestCodec(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}

func (s *CodecSuite) SetupSuite() {
	log.InitTestLogger(s.T(), &log.Config{Level: "debug"})
}

func (s *CodecSuite) SetupTest() {
	model, err := meta.New(meta.WithName("codec-" + s.T().Name()))
	s.Require().NoError(err)
	s.model = model
}

func (s *CodecSuite) TearDownTest() {
	metrics.CleanupModelMetrics(s.model.Name())
}

func (s *CodecSuite) newCodec(style framer.PrefixStyle, field int, ser Serializer) *Codec {
	f, err := framer.New(style, field, 0)
	s.Require().NoError(err)
	c, err := New(Options{Framer: f, Serializer: ser})
	s.Require().NoError(err)
	return c
}

func (s *CodecSuite) TestStreamMatchesRepeatedField() {
	c := s.newCodec(framer.Base128, 1, ModelSerializer{Model: s.model})

	var buf bytes.Buffer
	s.Require().NoError(c.EncodeAll(&buf, &sample{V: 5}, sample{V: 7}))
	s.Equal([]byte{0x0a, 0x02, 0x08, 0x05, 0x0a, 0x02, 0x08, 0x07}, buf.Bytes())

	// 同一个流可以由生成代码逐项读取。
	pc := s.newCodec(framer.Base128, 1, ProtoSerializer{})
	var got []int32
	for item, err := range Items[*wrapperspb.Int32Value](pc, bytes.NewReader(buf.Bytes())) {
		s.Require().NoError(err)
		got = append(got, item.GetValue())
	}
	s.Equal([]int32{5, 7}, got)

	var values []sample
	for item, err := range Items[sample](c, &buf) {
		s.Require().NoError(err)
		values = append(values, item)
	}
	s.Equal([]sample{{V: 5}, {V: 7}}, values)
}

func (s *CodecSuite) TestProtoWritesModelReads() {
	pc := s.newCodec(framer.Fixed32BigEndian, 0, ProtoSerializer{})
	var buf bytes.Buffer
	s.Require().NoError(pc.Encode(&buf, wrapperspb.Int32(42)))

	mc := s.newCodec(framer.Fixed32BigEndian, 0, ModelSerializer{Model: s.model})
	var out sample
	s.Require().NoError(mc.Decode(&buf, &out))
	s.Equal(int32(42), out.V)
	s.ErrorIs(mc.Decode(&buf, &out), io.EOF)
}

func (s *CodecSuite) TestCompression() {
	comp, err := compressor.New(compressor.KindZstd, 1, 32)
	s.Require().NoError(err)
	f, err := framer.New(framer.Base128, 0, 0)
	s.Require().NoError(err)
	c, err := New(Options{
		Framer:            f,
		Serializer:        ModelSerializer{Model: s.model},
		Compressor:        comp,
		EnableCompression: true,
	})
	s.Require().NoError(err)
	defer c.Close()

	encoded := testutil.ToFloat64(metrics.CodecCompressedFrames.WithLabelValues(metrics.EncodeLabel))
	decoded := testutil.ToFloat64(metrics.CodecCompressedFrames.WithLabelValues(metrics.DecodeLabel))

	big := sample{V: 1, Name: strings.Repeat("danmu ", 200)}
	small := sample{V: 2, Name: "x"}
	var buf bytes.Buffer
	s.Require().NoError(c.Encode(&buf, big))
	s.Require().NoError(c.Encode(&buf, small))
	s.Less(buf.Len(), len(big.Name))

	var got []sample
	for item, err := range Items[sample](c, &buf) {
		s.Require().NoError(err)
		got = append(got, item)
	}
	s.Equal([]sample{big, small}, got)
	s.Equal(encoded+1, testutil.ToFloat64(metrics.CodecCompressedFrames.WithLabelValues(metrics.EncodeLabel)))
	s.Equal(decoded+1, testutil.ToFloat64(metrics.CodecCompressedFrames.WithLabelValues(metrics.DecodeLabel)))
}

func (s *CodecSuite) TestUnknownFlag() {
	f, err := framer.New(framer.Base128, 0, 0)
	s.Require().NoError(err)
	c, err := New(Options{Framer: f, Serializer: JSONSerializer{}, EnableCompression: true})
	s.Require().NoError(err)

	_, err = c.DecodeRaw(bytes.NewReader([]byte{0x02, 0x09, 0x00}))
	s.ErrorIs(err, merr.ErrMalformed)
	_, err = c.DecodeRaw(bytes.NewReader([]byte{0x00}))
	s.ErrorIs(err, merr.ErrMalformed)
}

func (s *CodecSuite) TestTruncatedStream() {
	c := s.newCodec(framer.Base128, 0, ModelSerializer{Model: s.model})
	data := []byte{0x02, 0x08, 0x05, 0x04, 0x08}

	var errs []error
	var got []sample
	for item, err := range Items[sample](c, bytes.NewReader(data)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, item)
	}
	s.Equal([]sample{{V: 5}}, got)
	s.Require().Len(errs, 1)
	s.ErrorIs(errs[0], merr.ErrMalformed)
}

func (s *CodecSuite) TestFromConfig() {
	v := viper.New()
	s.Require().NoError(v.LoadReader(strings.NewReader(`
codec:
  serializer: json
  prefix-style: fixed32
  compression: zstd
  min-compress-size: 1
`), "yaml"))
	cfg, err := UnmarshalConfig(v)
	s.Require().NoError(err)
	s.Equal("json", cfg.Serializer)

	c, err := NewFromConfig(cfg, s.model)
	s.Require().NoError(err)
	defer c.Close()

	var buf bytes.Buffer
	s.Require().NoError(c.Encode(&buf, map[string]int{"a": 1}))
	out := map[string]int{}
	s.Require().NoError(c.Decode(&buf, &out))
	s.Equal(map[string]int{"a": 1}, out)
}

func TestConfig(t *testing.T) {
	cfg, err := UnmarshalConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	for _, body := range []string{
		"codec:\n  prefix-style: nibble\n",
		"codec:\n  prefix-style: fixed32\n  field: 3\n",
		"codec:\n  compression: lz4\n",
		"codec:\n  min-compress-size: -1\n",
	} {
		v := viper.New()
		require.NoError(t, v.LoadReader(strings.NewReader(body), "yaml"))
		_, err := UnmarshalConfig(v)
		assert.ErrorIs(t, err, merr.ErrInvalidConfig, body)
	}

	_, err = NewSerializer("xml", nil)
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
}

func TestNewValidation(t *testing.T) {
	f, err := framer.New(framer.Base128, 0, 0)
	require.NoError(t, err)
	_, err = New(Options{Serializer: JSONSerializer{}})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
	_, err = New(Options{Framer: f})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	c, err := New(Options{Framer: f, Serializer: JSONSerializer{}})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Encode(io.Discard, nil), merr.ErrParameterMissing)
}

func TestProtoSerializerRejectsPlainValues(t *testing.T) {
	_, err := ProtoSerializer{}.Marshal(sample{})
	assert.Error(t, err)
	assert.Error(t, ProtoSerializer{}.Unmarshal(nil, &sample{}))

	data, err := ProtoSerializer{}.Marshal(wrapperspb.String("hi"))
	require.NoError(t, err)
	want, err := proto.Marshal(wrapperspb.String("hi"))
	require.NoError(t, err)
	assert.Equal(t, want, data)
}
