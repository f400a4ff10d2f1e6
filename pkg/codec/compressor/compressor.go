package compressor

import (
	"fmt"
	"strings"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Compressor 抽象了单次压缩/解压能力。
type Compressor interface {
	// Compress 将 src 压缩后追加到 dst[:0]，返回压缩后的完整数据。
	Compress(dst, src []byte) (packet []byte, err error)

	// Decompress 与 Compress 对称，src 必须是 Compress 的输出。
	Decompress(dst, src []byte) (plain []byte, err error)
}

// NopCompressor 不做任何压缩，直接返回输入内容。
type NopCompressor struct{}

func (NopCompressor) Compress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

func (NopCompressor) Decompress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

var _ Compressor = NopCompressor{}

// Kind 是配置中可选的压缩算法。
type Kind string

const (
	KindNone Kind = "none"
	KindZstd Kind = "zstd"
)

// ParseKind 解析配置中的压缩算法名，空串视为 none。
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindNone:
		return KindNone, nil
	case KindZstd:
		return KindZstd, nil
	default:
		return "", merr.WrapErrInvalidConfig("compression", s, "expect none or zstd")
	}
}

// New 按算法名创建压缩器。
func New(kind Kind, concurrency, minCompressSize int) (Compressor, error) {
	switch kind {
	case KindNone, "":
		return NopCompressor{}, nil
	case KindZstd:
		c, err := NewZstdCompressorWithConcurrency(concurrency)
		if err != nil {
			return nil, fmt.Errorf("compressor: create zstd failed: %w", err)
		}
		c.SetMinCompressSize(minCompressSize)
		return c, nil
	}
	return nil, merr.WrapErrInvalidConfig("compression", string(kind))
}
