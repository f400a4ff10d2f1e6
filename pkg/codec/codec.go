package codec

import (
	"fmt"
	"io"
	"iter"
	"reflect"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec/compressor"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec/framer"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/meta"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Codec 把对象编码为长度前缀帧流，或从帧流逐个解码对象。
//
// Pipeline（写出 Encode）：
//
//	msg --> serializer --> [compress?] --> [flag] --> framer.WriteFrame
//
// Pipeline（读入 Decode）：
//
//	framer.ReadFrame --> [flag] --> [decompress?] --> serializer --> msg
//
// 未启用压缩时帧内只有序列化结果，与其他 protobuf 实现的分隔流互通；
// 启用压缩时 payload 的首字节是标志位。
type Codec struct {
	log.Binder

	framer     *framer.Framer
	serializer Serializer
	compressor compressor.Compressor
	compress   bool
}

const (
	flagPlain      byte = 0
	flagCompressed byte = 1
)

// Options 是构造 Codec 的依赖。
type Options struct {
	Framer     *framer.Framer
	Serializer Serializer
	Compressor compressor.Compressor // 允许为 nil（使用 NopCompressor）

	EnableCompression bool
	Logger            *log.MLogger
}

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) (*Codec, error) {
	if opts.Framer == nil {
		return nil, merr.WrapErrParameterMissing("framer")
	}
	if opts.Serializer == nil {
		return nil, merr.WrapErrParameterMissing("serializer")
	}
	c := &Codec{
		framer:     opts.Framer,
		serializer: opts.Serializer,
		compressor: opts.Compressor,
		compress:   opts.EnableCompression,
	}
	if c.compressor == nil {
		c.compressor = compressor.NopCompressor{}
	}
	c.Bind(opts.Logger, log.FieldComponent("codec"),
		zap.Stringer("prefix", opts.Framer.Style()),
		zap.Bool("compress", opts.EnableCompression))
	return c, nil
}

// NewFromConfig 按配置创建 Codec，model 为 nil 时使用默认模型。
func NewFromConfig(cfg Config, model *meta.RuntimeTypeModel) (*Codec, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	style, _ := framer.ParsePrefixStyle(cfg.PrefixStyle)
	f, err := framer.New(style, cfg.Field, cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	s, err := NewSerializer(cfg.Serializer, model)
	if err != nil {
		return nil, err
	}
	kind, _ := compressor.ParseKind(cfg.Compression)
	comp, err := compressor.New(kind, cfg.CompressConcurrency, cfg.MinCompressSize)
	if err != nil {
		return nil, err
	}
	var logger *log.MLogger
	if model != nil {
		logger = model.Logger()
	}
	return New(Options{
		Framer:            f,
		Serializer:        s,
		Compressor:        comp,
		EnableCompression: kind != compressor.KindNone,
		Logger:            logger,
	})
}

// Close 释放压缩器持有的资源。
func (c *Codec) Close() {
	if closer, ok := c.compressor.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *Codec) shouldCompress(n int) bool {
	if !c.compress || n == 0 {
		return false
	}
	if s, ok := c.compressor.(interface{ ShouldCompress(int) bool }); ok {
		return s.ShouldCompress(n)
	}
	return true
}

// Encode 将 msg 编码为一帧并写入 w。
func (c *Codec) Encode(w io.Writer, msg any) error {
	if w == nil {
		return merr.WrapErrParameterMissing("writer")
	}
	if msg == nil {
		return merr.WrapErrParameterMissing("msg")
	}
	body, err := c.serializer.Marshal(msg)
	if err != nil {
		return fmt.Errorf("codec: marshal failed: %w", err)
	}
	return c.EncodeRaw(w, body)
}

// EncodeRaw 把已序列化的 body 写为一帧。
func (c *Codec) EncodeRaw(w io.Writer, body []byte) error {
	payload := body
	if c.compress {
		flag := flagPlain
		if c.shouldCompress(len(body)) {
			packet, err := c.compressor.Compress(nil, body)
			if err != nil {
				return fmt.Errorf("codec: compress failed: %w", err)
			}
			body = packet
			flag = flagCompressed
			metrics.CodecCompressedFrames.WithLabelValues(metrics.EncodeLabel).Inc()
		}
		payload = make([]byte, 0, len(body)+1)
		payload = append(append(payload, flag), body...)
	}
	n, err := c.framer.WriteFrame(w, payload)
	if err != nil {
		return fmt.Errorf("codec: write frame failed: %w", err)
	}
	metrics.CodecFrameBytes.WithLabelValues(metrics.EncodeLabel).Observe(float64(n))
	return nil
}

// DecodeRaw 读取下一帧并返回解压后的业务字节；流结束时返回 io.EOF。
func (c *Codec) DecodeRaw(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, merr.WrapErrParameterMissing("reader")
	}
	data, err := c.framer.ReadFrame(r)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("codec: read frame failed: %w", err)
	}
	metrics.CodecFrameBytes.WithLabelValues(metrics.DecodeLabel).Observe(float64(len(data)))
	if !c.compress {
		return data, nil
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("codec: %w", merr.WrapErrMalformed("compressed frame without flag"))
	}
	switch data[0] {
	case flagPlain:
		return data[1:], nil
	case flagCompressed:
		plain, err := c.compressor.Decompress(nil, data[1:])
		if err != nil {
			return nil, fmt.Errorf("codec: decompress failed: %w", err)
		}
		metrics.CodecCompressedFrames.WithLabelValues(metrics.DecodeLabel).Inc()
		return plain, nil
	}
	return nil, fmt.Errorf("codec: %w", merr.WrapErrMalformed(fmt.Sprintf("unknown frame flag %d", data[0])))
}

// Decode 读取下一帧并合并到 msg；流结束时返回 io.EOF。
func (c *Codec) Decode(r io.Reader, msg any) error {
	data, err := c.DecodeRaw(r)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	if err := c.serializer.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("codec: unmarshal failed: %w", err)
	}
	return nil
}

// EncodeAll 依次编码 items，遇到第一个错误时停止。
func (c *Codec) EncodeAll(w io.Writer, items ...any) error {
	for i, item := range items {
		if err := c.Encode(w, item); err != nil {
			c.Logger().Warn("encode item failed", zap.Int("index", i), zap.Error(err))
			return err
		}
	}
	return nil
}

// Items 逐帧解码 T，直到流结束或出错；出错时产出一次错误后停止。
func Items[T any](c *Codec, r io.Reader) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, target := newItem[T]()
			err := c.Decode(r, target)
			if err == io.EOF {
				return
			}
			if err != nil {
				var zero T
				c.Logger().Warn("decode item failed", zap.Error(err))
				yield(zero, err)
				return
			}
			if !yield(item.Elem().Interface().(T), nil) {
				return
			}
		}
	}
}

// newItem 为 T 分配存储并返回解码目标。T 为指针类型时直接以新分配的对象为目标，
// 以便 proto.Message 这类只由指针实现的接口。
func newItem[T any]() (reflect.Value, any) {
	t := reflect.TypeFor[T]()
	p := reflect.New(t)
	if t.Kind() == reflect.Pointer {
		p.Elem().Set(reflect.New(t.Elem()))
		return p, p.Elem().Interface()
	}
	return p, p.Interface()
}
