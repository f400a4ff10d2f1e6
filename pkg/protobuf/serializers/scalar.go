package serializers

import (
	"reflect"
	"slices"

	"golang.org/x/exp/constraints"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Scalar 处理布尔、整数、浮点、字符串与字节切片。
type Scalar struct {
	nodeBase
	wt     wire.WireType
	format wire.DataFormat
}

var _ Serializer = (*Scalar)(nil)

// IsScalar 判断 t 是否由 Scalar 直接处理。
func IsScalar(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	}
	return false
}

func NewScalar(t reflect.Type, format wire.DataFormat) (*Scalar, error) {
	if !IsScalar(t) {
		return nil, merr.WrapErrTypeNotSupported(t.String(), "not a scalar")
	}
	wt, ok := scalarWireType(t, format)
	if !ok {
		return nil, merr.WrapErrWrongTypeInTail(t.String(), "", "compatible data format", format)
	}
	return &Scalar{
		nodeBase: nodeBase{typ: t, kind: KindScalar},
		wt:       wt,
		format:   format,
	}, nil
}

func scalarWireType(t reflect.Type, format wire.DataFormat) (wire.WireType, bool) {
	switch t.Kind() {
	case reflect.Bool:
		return wire.Varint, format == wire.FormatDefault || format == wire.FormatTwosComplement
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch format {
		case wire.FormatDefault, wire.FormatTwosComplement:
			return wire.Varint, true
		case wire.FormatZigZag:
			return wire.SignedVarint, true
		case wire.FormatFixedSize:
			if t.Bits() <= 32 {
				return wire.Fixed32, true
			}
			return wire.Fixed64, true
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch format {
		case wire.FormatDefault, wire.FormatTwosComplement:
			return wire.Varint, true
		case wire.FormatFixedSize:
			if t.Bits() <= 32 {
				return wire.Fixed32, true
			}
			return wire.Fixed64, true
		}
	case reflect.Float32:
		return wire.Fixed32, format == wire.FormatDefault || format == wire.FormatFixedSize
	case reflect.Float64:
		return wire.Fixed64, format == wire.FormatDefault || format == wire.FormatFixedSize
	case reflect.String, reflect.Slice:
		return wire.Bytes, format == wire.FormatDefault
	}
	return wire.None, false
}

func (s *Scalar) WireType() wire.WireType { return s.wt }

func (s *Scalar) Write(w *wire.Writer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		return w.WriteBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return w.WriteInt64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return w.WriteUint64(v.Uint())
	case reflect.Float32:
		return w.WriteFloat32(float32(v.Float()))
	case reflect.Float64:
		return w.WriteFloat64(v.Float())
	case reflect.String:
		return w.WriteString(v.String())
	case reflect.Slice:
		return w.WriteBytes(v.Bytes())
	}
	return merr.WrapErrTypeNotSupported(v.Type().String(), "not a scalar")
}

func (s *Scalar) Read(r *wire.Reader, _ reflect.Value) (reflect.Value, error) {
	out := reflect.New(s.typ).Elem()
	switch s.typ.Kind() {
	case reflect.Bool:
		b, err := r.ReadBool()
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := r.ReadInt64()
		if err != nil {
			return reflect.Value{}, err
		}
		if !fitsSigned(s.typ.Kind(), n) {
			return reflect.Value{}, merr.WrapErrInvalidValue(s.typ.String(), n, "value overflows target type")
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := r.ReadUint64()
		if err != nil {
			return reflect.Value{}, err
		}
		if !fitsUnsigned(s.typ.Kind(), n) {
			return reflect.Value{}, merr.WrapErrInvalidValue(s.typ.String(), n, "value overflows target type")
		}
		out.SetUint(n)
	case reflect.Float32:
		f, err := r.ReadFloat32()
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetFloat(float64(f))
	case reflect.Float64:
		f, err := r.ReadFloat64()
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetFloat(f)
	case reflect.String:
		str, err := r.ReadString()
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetString(str)
	case reflect.Slice:
		b, err := r.ReadBytes()
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetBytes(b)
	}
	return out, nil
}

func fits[T constraints.Integer, V constraints.Integer](v V) bool {
	return V(T(v)) == v && (T(v) < 0) == (v < 0)
}

func fitsSigned(kind reflect.Kind, v int64) bool {
	switch kind {
	case reflect.Int8:
		return fits[int8](v)
	case reflect.Int16:
		return fits[int16](v)
	case reflect.Int32:
		return fits[int32](v)
	}
	return true
}

func fitsUnsigned(kind reflect.Kind, v uint64) bool {
	switch kind {
	case reflect.Uint8:
		return fits[uint8](v)
	case reflect.Uint16:
		return fits[uint16](v)
	case reflect.Uint32:
		return fits[uint32](v)
	}
	return true
}

// Enum 以 varint 写出命名整数类型。values 非空且 strict 时拒绝未声明的值。
type Enum struct {
	nodeBase
	values []int64
	strict bool
}

var _ Serializer = (*Enum)(nil)

func NewEnum(t reflect.Type, values []int64, strict bool) (*Enum, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return nil, merr.WrapErrTypeNotSupported(t.String(), "enum must have an integer kind")
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return &Enum{
		nodeBase: nodeBase{typ: t, kind: KindEnum},
		values:   sorted,
		strict:   strict,
	}, nil
}

func (e *Enum) WireType() wire.WireType { return wire.Varint }

func (e *Enum) check(n int64) error {
	if !e.strict || len(e.values) == 0 {
		return nil
	}
	if _, ok := slices.BinarySearch(e.values, n); !ok {
		return merr.WrapErrInvalidValue(e.typ.String(), n, "undeclared enum value")
	}
	return nil
}

func (e *Enum) Write(w *wire.Writer, v reflect.Value) error {
	n := enumInt(v)
	if err := e.check(n); err != nil {
		return err
	}
	return w.WriteInt64(n)
}

func (e *Enum) Read(r *wire.Reader, _ reflect.Value) (reflect.Value, error) {
	n, err := r.ReadInt64()
	if err != nil {
		return reflect.Value{}, err
	}
	if err := e.check(n); err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(e.typ).Elem()
	switch e.typ.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n < 0 || !fitsUnsigned(e.typ.Kind(), uint64(n)) {
			return reflect.Value{}, merr.WrapErrInvalidValue(e.typ.String(), n, "value overflows enum")
		}
		out.SetUint(uint64(n))
	default:
		if !fitsSigned(e.typ.Kind(), n) {
			return reflect.Value{}, merr.WrapErrInvalidValue(e.typ.String(), n, "value overflows enum")
		}
		out.SetInt(n)
	}
	return out, nil
}

func enumInt(v reflect.Value) int64 {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint())
	}
	return v.Int()
}
