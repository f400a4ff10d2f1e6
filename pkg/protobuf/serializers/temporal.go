package serializers

import (
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

var (
	TimeType     = reflect.TypeOf(time.Time{})
	DurationType = reflect.TypeOf(time.Duration(0))
	UUIDType     = reflect.TypeOf(uuid.UUID{})
)

// IsTemporal 判断 t 是否由时间节点处理。
func IsTemporal(t reflect.Type) bool {
	return t == TimeType || t == DurationType
}

// WellKnownTime 按 google.protobuf.Timestamp / Duration 的布局写出 {1: seconds, 2: nanos}。
type WellKnownTime struct {
	nodeBase
	group bool
}

var _ Serializer = (*WellKnownTime)(nil)

func NewWellKnownTime(t reflect.Type, group bool) *WellKnownTime {
	return &WellKnownTime{nodeBase: nodeBase{typ: t, kind: KindTemporal}, group: group}
}

func (n *WellKnownTime) WireType() wire.WireType { return subItemWireType(n.group) }

func (n *WellKnownTime) split(v reflect.Value) (int64, int64) {
	if n.typ == DurationType {
		d := time.Duration(v.Int())
		return int64(d / time.Second), int64(d % time.Second)
	}
	t := v.Interface().(time.Time)
	return t.Unix(), int64(t.Nanosecond())
}

func (n *WellKnownTime) Write(w *wire.Writer, v reflect.Value) error {
	secs, nanos := n.split(v)
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if secs != 0 {
		if err := w.WriteFieldHeader(1, wire.Varint); err != nil {
			return err
		}
		if err := w.WriteInt64(secs); err != nil {
			return err
		}
	}
	if nanos != 0 {
		if err := w.WriteFieldHeader(2, wire.Varint); err != nil {
			return err
		}
		if err := w.WriteInt64(nanos); err != nil {
			return err
		}
	}
	return w.EndSubItem(tok)
}

func (n *WellKnownTime) Read(r *wire.Reader, _ reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	var secs, nanos int64
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case 1:
			secs, err = r.ReadInt64()
		case 2:
			nanos, err = r.ReadInt64()
		default:
			err = r.SkipField()
		}
		if err != nil {
			return reflect.Value{}, err
		}
	}
	if err := r.EndSubItem(tok); err != nil {
		return reflect.Value{}, err
	}
	if nanos <= -int64(time.Second) || nanos >= int64(time.Second) {
		return reflect.Value{}, merr.WrapErrInvalidValue(n.typ.String(), nanos, "nanos out of range")
	}
	if n.typ == DurationType {
		return reflect.ValueOf(time.Duration(secs)*time.Second + time.Duration(nanos)), nil
	}
	return reflect.ValueOf(time.Unix(secs, nanos).UTC()), nil
}

// 旧版时间刻度，沿用 bcl TimeSpanScale 的编号。
const (
	scaleDays         = 0
	scaleHours        = 1
	scaleMinutes      = 2
	scaleSeconds      = 3
	scaleMilliseconds = 4
	scaleTicks        = 5
	scaleMinMax       = 15
)

var maxLegacyTime = time.Date(9999, 12, 31, 23, 59, 59, 999999900, time.UTC)

// ScaledTime 是旧版兼容级别下的时间编码：{1: zigzag 数值, 2: 刻度}，
// 最小精度为 100ns。
type ScaledTime struct {
	nodeBase
	group bool
}

var _ Serializer = (*ScaledTime)(nil)

func NewScaledTime(t reflect.Type, group bool) *ScaledTime {
	return &ScaledTime{nodeBase: nodeBase{typ: t, kind: KindTemporal}, group: group}
}

func (n *ScaledTime) WireType() wire.WireType { return subItemWireType(n.group) }

func scaled(secs, nanos int64) (int64, int64) {
	if nanos == 0 {
		switch {
		case secs%86400 == 0:
			return secs / 86400, scaleDays
		case secs%3600 == 0:
			return secs / 3600, scaleHours
		case secs%60 == 0:
			return secs / 60, scaleMinutes
		default:
			return secs, scaleSeconds
		}
	}
	if nanos%int64(time.Millisecond) == 0 {
		return secs*1000 + nanos/int64(time.Millisecond), scaleMilliseconds
	}
	return secs*10_000_000 + nanos/100, scaleTicks
}

func (n *ScaledTime) Write(w *wire.Writer, v reflect.Value) error {
	var value, scale int64
	if n.typ == DurationType {
		d := time.Duration(v.Int())
		switch d {
		case math.MaxInt64:
			value, scale = 1, scaleMinMax
		case math.MinInt64:
			value, scale = -1, scaleMinMax
		default:
			value, scale = scaled(int64(d/time.Second), int64(d%time.Second))
		}
	} else {
		t := v.Interface().(time.Time)
		value, scale = scaled(t.Unix(), int64(t.Nanosecond()))
	}
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if value != 0 {
		if err := w.WriteFieldHeader(1, wire.SignedVarint); err != nil {
			return err
		}
		if err := w.WriteInt64(value); err != nil {
			return err
		}
	}
	if scale != scaleDays {
		if err := w.WriteFieldHeader(2, wire.Varint); err != nil {
			return err
		}
		if err := w.WriteInt64(scale); err != nil {
			return err
		}
	}
	return w.EndSubItem(tok)
}

func (n *ScaledTime) Read(r *wire.Reader, _ reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	var value, scale int64
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case 1:
			r.Hint(wire.SignedVarint)
			value, err = r.ReadInt64()
		case 2:
			scale, err = r.ReadInt64()
		default:
			err = r.SkipField()
		}
		if err != nil {
			return reflect.Value{}, err
		}
	}
	if err := r.EndSubItem(tok); err != nil {
		return reflect.Value{}, err
	}

	var secs, nanos int64
	switch scale {
	case scaleDays:
		secs = value * 86400
	case scaleHours:
		secs = value * 3600
	case scaleMinutes:
		secs = value * 60
	case scaleSeconds:
		secs = value
	case scaleMilliseconds:
		secs, nanos = value/1000, (value%1000)*int64(time.Millisecond)
	case scaleTicks:
		secs, nanos = value/10_000_000, (value%10_000_000)*100
	case scaleMinMax:
		return n.extreme(value)
	default:
		return reflect.Value{}, merr.WrapErrInvalidValue(n.typ.String(), scale, "unknown time scale")
	}
	if n.typ == DurationType {
		return reflect.ValueOf(time.Duration(secs)*time.Second + time.Duration(nanos)), nil
	}
	return reflect.ValueOf(time.Unix(secs, nanos).UTC()), nil
}

func (n *ScaledTime) extreme(value int64) (reflect.Value, error) {
	switch {
	case value == 1 && n.typ == DurationType:
		return reflect.ValueOf(time.Duration(math.MaxInt64)), nil
	case value == -1 && n.typ == DurationType:
		return reflect.ValueOf(time.Duration(math.MinInt64)), nil
	case value == 1:
		return reflect.ValueOf(maxLegacyTime), nil
	case value == -1:
		return reflect.ValueOf(time.Time{}), nil
	}
	return reflect.Value{}, merr.WrapErrInvalidValue(n.typ.String(), value, "invalid min/max marker")
}

// UUIDFormat 选择 uuid.UUID 的线路形式。
type UUIDFormat int

const (
	// UUIDText 写出规范文本形式。
	UUIDText UUIDFormat = iota
	// UUIDBytes 写出 16 字节原始值。
	UUIDBytes
	// UUIDLegacy 写出 {1: fixed64 低位, 2: fixed64 高位}。
	UUIDLegacy
)

type UUID struct {
	nodeBase
	format UUIDFormat
	group  bool
}

var _ Serializer = (*UUID)(nil)

func NewUUID(format UUIDFormat, group bool) *UUID {
	return &UUID{nodeBase: nodeBase{typ: UUIDType, kind: KindUUID}, format: format, group: group}
}

func (n *UUID) WireType() wire.WireType {
	if n.format == UUIDLegacy {
		return subItemWireType(n.group)
	}
	return wire.Bytes
}

func (n *UUID) Write(w *wire.Writer, v reflect.Value) error {
	id := v.Interface().(uuid.UUID)
	switch n.format {
	case UUIDText:
		return w.WriteString(id.String())
	case UUIDBytes:
		return w.WriteBytes(id[:])
	}
	lo, hi := splitUUID(id)
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if lo != 0 {
		if err := w.WriteFieldHeader(1, wire.Fixed64); err != nil {
			return err
		}
		if err := w.WriteUint64(lo); err != nil {
			return err
		}
	}
	if hi != 0 {
		if err := w.WriteFieldHeader(2, wire.Fixed64); err != nil {
			return err
		}
		if err := w.WriteUint64(hi); err != nil {
			return err
		}
	}
	return w.EndSubItem(tok)
}

func (n *UUID) Read(r *wire.Reader, _ reflect.Value) (reflect.Value, error) {
	switch n.format {
	case UUIDText:
		s, err := r.ReadString()
		if err != nil {
			return reflect.Value{}, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return reflect.Value{}, merr.WrapErrInvalidValue("uuid.UUID", s, err.Error())
		}
		return reflect.ValueOf(id), nil
	case UUIDBytes:
		b, err := r.ReadBytes()
		if err != nil {
			return reflect.Value{}, err
		}
		id, err := uuid.FromBytes(b)
		if err != nil {
			return reflect.Value{}, merr.WrapErrInvalidValue("uuid.UUID", len(b), err.Error())
		}
		return reflect.ValueOf(id), nil
	}

	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	var lo, hi uint64
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case 1:
			lo, err = r.ReadUint64()
		case 2:
			hi, err = r.ReadUint64()
		default:
			err = r.SkipField()
		}
		if err != nil {
			return reflect.Value{}, err
		}
	}
	if err := r.EndSubItem(tok); err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(joinUUID(lo, hi)), nil
}

func splitUUID(id uuid.UUID) (uint64, uint64) {
	var lo, hi uint64
	for i := 7; i >= 0; i-- {
		lo = lo<<8 | uint64(id[i])
		hi = hi<<8 | uint64(id[i+8])
	}
	return lo, hi
}

func joinUUID(lo, hi uint64) uuid.UUID {
	var id uuid.UUID
	for i := 0; i < 8; i++ {
		id[i] = byte(lo >> (8 * i))
		id[i+8] = byte(hi >> (8 * i))
	}
	return id
}
