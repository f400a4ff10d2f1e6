package framer

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// PrefixStyle 描述每一帧前面的长度前缀格式。
type PrefixStyle int

const (
	// Base128 使用 varint 长度前缀；字段号大于 0 时前面再加一个 length-delimited 字段头，
	// 这样整个流本身就是一个由重复字段构成的合法 protobuf 消息。
	Base128 PrefixStyle = iota + 1
	// Fixed32 使用 4 字节小端长度前缀。
	Fixed32
	// Fixed32BigEndian 使用 4 字节大端长度前缀。
	Fixed32BigEndian
)

func (s PrefixStyle) String() string {
	switch s {
	case Base128:
		return "base128"
	case Fixed32:
		return "fixed32"
	case Fixed32BigEndian:
		return "fixed32-big-endian"
	}
	return fmt.Sprintf("PrefixStyle(%d)", int(s))
}

// ParsePrefixStyle 解析配置中的前缀格式，空串视为 base128。
func ParsePrefixStyle(s string) (PrefixStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "base128", "varint":
		return Base128, nil
	case "fixed32":
		return Fixed32, nil
	case "fixed32-big-endian", "fixed32be":
		return Fixed32BigEndian, nil
	}
	return 0, merr.WrapErrInvalidConfig("prefix-style", s, "expect base128, fixed32 or fixed32-big-endian")
}

const defaultMaxFrameSize uint32 = 16 * 1024 * 1024 // 16MB

// Framer 以长度前缀作为帧边界，适用于文件或连接这类字节流。
type Framer struct {
	style PrefixStyle
	field int
	// MaxFrameSize 为单帧 payload 的上限，单位字节。
	MaxFrameSize uint32
}

// New 创建一个帧编码器。field 仅在 Base128 下有效，为 0 时不写字段头；
// maxFrameSize 为 0 时使用默认值。
func New(style PrefixStyle, field int, maxFrameSize uint32) (*Framer, error) {
	switch style {
	case Base128:
		if field < 0 || field > int(protowire.MaxValidNumber) {
			return nil, merr.WrapErrInvalidTag("frame", field)
		}
	case Fixed32, Fixed32BigEndian:
		if field != 0 {
			return nil, merr.WrapErrInvalidConfig("field", field, "field header requires base128 prefix")
		}
	default:
		return nil, merr.WrapErrInvalidConfig("prefix-style", style)
	}
	if maxFrameSize == 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &Framer{style: style, field: field, MaxFrameSize: maxFrameSize}, nil
}

func (f *Framer) Style() PrefixStyle { return f.style }

func (f *Framer) Field() int { return f.field }

// AppendFrame 把 payload 连同前缀追加到 dst。
func (f *Framer) AppendFrame(dst, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > uint64(f.MaxFrameSize) {
		return nil, fmt.Errorf("framer: frame size %d exceeds max %d", len(payload), f.MaxFrameSize)
	}
	switch f.style {
	case Base128:
		if f.field > 0 {
			dst = protowire.AppendTag(dst, protowire.Number(f.field), protowire.BytesType)
		}
		dst = protowire.AppendVarint(dst, uint64(len(payload)))
	case Fixed32:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	case Fixed32BigEndian:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	}
	return append(dst, payload...), nil
}

// WriteFrame 将 payload 打包为一帧并写入 w。
func (f *Framer) WriteFrame(w io.Writer, payload []byte) (int, error) {
	frame, err := f.AppendFrame(make([]byte, 0, len(payload)+binary.MaxVarintLen64*2), payload)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(frame); err != nil {
		return 0, fmt.Errorf("framer: write frame failed: %w", err)
	}
	return len(frame), nil
}

// ReadFrame 从 r 中读取下一帧的 payload。流在帧边界处结束时返回 io.EOF；
// Base128 带字段头时，字段号不同的帧被跳过。
func (f *Framer) ReadFrame(r io.Reader) ([]byte, error) {
	br := asByteReader(r)
	for {
		length, match, err := f.readPrefix(br)
		if err != nil {
			return nil, err
		}
		if length > uint64(f.MaxFrameSize) {
			return nil, fmt.Errorf("framer: frame size %d exceeds max %d", length, f.MaxFrameSize)
		}
		if !match {
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return nil, fmt.Errorf("framer: skip frame failed: %w", unexpected(err))
			}
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("framer: read body failed: %w", unexpected(err))
		}
		return payload, nil
	}
}

func (f *Framer) readPrefix(br io.ByteReader) (uint64, bool, error) {
	switch f.style {
	case Fixed32, Fixed32BigEndian:
		var head [4]byte
		for i := range head {
			b, err := br.ReadByte()
			if err != nil {
				if i == 0 && err == io.EOF {
					return 0, false, io.EOF
				}
				return 0, false, fmt.Errorf("framer: read header failed: %w", unexpected(err))
			}
			head[i] = b
		}
		if f.style == Fixed32 {
			return uint64(binary.LittleEndian.Uint32(head[:])), true, nil
		}
		return uint64(binary.BigEndian.Uint32(head[:])), true, nil
	}

	if f.field == 0 {
		n, err := readVarint(br, true)
		return n, true, err
	}
	tag, err := readVarint(br, true)
	if err != nil {
		return 0, false, err
	}
	num, typ := protowire.DecodeTag(tag)
	if typ != protowire.BytesType {
		return 0, false, fmt.Errorf("framer: read header failed: %w",
			merr.WrapErrUnexpectedWireType(int(num), protowire.BytesType, typ))
	}
	n, err := readVarint(br, false)
	return n, int(num) == f.field, err
}

func readVarint(br io.ByteReader, atBoundary bool) (uint64, error) {
	n, err := binary.ReadUvarint(br)
	if err == io.EOF && atBoundary {
		return 0, io.EOF
	}
	if err != nil {
		return 0, fmt.Errorf("framer: read header failed: %w", unexpected(err))
	}
	return n, nil
}

func unexpected(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return merr.WrapErrMalformed("truncated frame", io.ErrUnexpectedEOF.Error())
	}
	return err
}

// byteReader 逐字节读取，不预读，保证帧之后的数据仍留在底层流中。
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func asByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return &byteReader{r: r}
}
