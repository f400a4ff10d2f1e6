package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WireType 描述字段在线路上的编码形态。
// 除 protobuf 的六种物理类型外，SignedVarint 表示使用 zig-zag 的 varint，
// 在线路上与 Varint 相同，仅影响数值的解释方式。
type WireType int

const (
	None         WireType = -1
	Varint       WireType = 0
	Fixed64      WireType = 1
	Bytes        WireType = 2
	StartGroup   WireType = 3
	EndGroup     WireType = 4
	Fixed32      WireType = 5
	SignedVarint WireType = 8
)

var wireTypeNames = map[WireType]string{
	None:         "None",
	Varint:       "Varint",
	Fixed64:      "Fixed64",
	Bytes:        "Bytes",
	StartGroup:   "StartGroup",
	EndGroup:     "EndGroup",
	Fixed32:      "Fixed32",
	SignedVarint: "SignedVarint",
}

func (t WireType) String() string {
	if name, ok := wireTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("WireType(%d)", int(t))
}

// Physical 返回实际写入字段头的 protowire 类型。
func (t WireType) Physical() protowire.Type {
	if t == SignedVarint {
		return protowire.VarintType
	}
	return protowire.Type(t)
}

// Packable 表示该类型的值能否出现在 packed 块中。
func (t WireType) Packable() bool {
	switch t {
	case Varint, SignedVarint, Fixed32, Fixed64:
		return true
	default:
		return false
	}
}

func fromPhysical(t protowire.Type) WireType {
	switch t {
	case protowire.VarintType:
		return Varint
	case protowire.Fixed64Type:
		return Fixed64
	case protowire.BytesType:
		return Bytes
	case protowire.StartGroupType:
		return StartGroup
	case protowire.EndGroupType:
		return EndGroup
	case protowire.Fixed32Type:
		return Fixed32
	default:
		return None
	}
}

// DataFormat 是标量与消息的二进制子格式提示。
type DataFormat int

const (
	FormatDefault DataFormat = iota
	FormatZigZag
	FormatTwosComplement
	FormatFixedSize
	FormatGroup
	FormatWellKnown
)

var dataFormatNames = map[DataFormat]string{
	FormatDefault:        "default",
	FormatZigZag:         "zigzag",
	FormatTwosComplement: "twos",
	FormatFixedSize:      "fixed",
	FormatGroup:          "group",
	FormatWellKnown:      "wellknown",
}

func (f DataFormat) String() string {
	if name, ok := dataFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("DataFormat(%d)", int(f))
}

// ParseDataFormat 解析 DataFormat 的文本形式。
func ParseDataFormat(s string) (DataFormat, bool) {
	for f, name := range dataFormatNames {
		if name == s {
			return f, true
		}
	}
	return FormatDefault, false
}

// MaxFieldNumber 是合法字段编号的上限。
const MaxFieldNumber = int(protowire.MaxValidNumber)

const DefaultMaxDepth = 512
