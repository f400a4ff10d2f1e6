package serializers

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// List 处理切片与定长数组。每个元素以 field 写出；packed 时所有元素
// 写进同一个长度前缀块。读取时两种形式都接受。
type List struct {
	field   int
	typ     reflect.Type
	elem    Serializer
	packed  bool
	replace bool
}

var _ Serializer = (*List)(nil)

type arrayIndexKey struct{ l *List }

func NewList(field int, t reflect.Type, elem Serializer, packed, replace bool) (*List, error) {
	if t.Kind() != reflect.Slice && t.Kind() != reflect.Array {
		return nil, merr.WrapErrTypeNotSupported(t.String(), "not a list")
	}
	if packed && !elem.WireType().Packable() {
		return nil, merr.WrapErrWrongTypeInTail(t.String(), "", "packable element", elem.WireType())
	}
	return &List{field: field, typ: t, elem: elem, packed: packed, replace: replace}, nil
}

func (l *List) Field() int                 { return l.field }
func (l *List) Packed() bool               { return l.packed }
func (l *List) Elem() Serializer           { return l.elem }
func (l *List) ExpectedType() reflect.Type { return l.typ }
func (l *List) WireType() wire.WireType    { return l.elem.WireType() }
func (l *List) Kind() Kind                 { return KindList }
func (l *List) RequiresOldValue() bool     { return true }
func (l *List) ReturnsValue() bool         { return true }

func (l *List) isArray() bool {
	return l.typ.Kind() == reflect.Array
}

func (l *List) Write(w *wire.Writer, v reflect.Value) error {
	if !l.isArray() && v.IsNil() {
		return nil
	}
	n := v.Len()
	if l.packed {
		if n == 0 {
			return nil
		}
		tok, err := w.StartPacked(l.field, l.elem.WireType())
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := l.elem.Write(w, v.Index(i)); err != nil {
				return err
			}
		}
		return w.EndSubItem(tok)
	}
	for i := 0; i < n; i++ {
		if err := w.WriteFieldHeader(l.field, l.elem.WireType()); err != nil {
			return err
		}
		if err := l.elem.Write(w, v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

// Read 读取一次字段出现：一个元素或一个 packed 块。
func (l *List) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	first := r.Next(l) == 0
	var out reflect.Value
	if l.isArray() {
		out = reflect.New(l.typ).Elem()
		if cur.IsValid() {
			out.Set(cur)
		}
	} else {
		switch {
		case !cur.IsValid() || cur.IsNil() || (first && l.replace):
			out = reflect.MakeSlice(l.typ, 0, 4)
		default:
			out = cur
		}
	}

	var items []reflect.Value
	if r.WireType() == wire.Bytes && l.elem.WireType().Packable() {
		tok, err := r.StartPacked(l.elem.WireType())
		if err != nil {
			return reflect.Value{}, err
		}
		for r.HasPackedItem() {
			item, err := l.elem.Read(r, reflect.Value{})
			if err != nil {
				return reflect.Value{}, err
			}
			items = append(items, item)
		}
		if err := r.EndSubItem(tok); err != nil {
			return reflect.Value{}, err
		}
	} else {
		r.Hint(l.elem.WireType())
		if err := r.Assert(l.elem.WireType()); err != nil {
			return reflect.Value{}, err
		}
		item, err := l.elem.Read(r, reflect.Value{})
		if err != nil {
			return reflect.Value{}, err
		}
		items = append(items, item)
	}

	for _, item := range items {
		item, err := assignTo(l.typ.Elem(), item)
		if err != nil {
			return reflect.Value{}, err
		}
		if l.isArray() {
			idx := r.Next(arrayIndexKey{l})
			if idx >= l.typ.Len() {
				return reflect.Value{}, merr.WrapErrArrayOverflow(l.typ.Len(), idx)
			}
			out.Index(idx).Set(item)
			continue
		}
		out = reflect.Append(out, item)
	}
	return out, nil
}

// Map 把每个条目写成 {1: key, 2: value} 子消息，键按升序写出。
type Map struct {
	field   int
	typ     reflect.Type
	key     Serializer
	value   Serializer
	replace bool
}

var _ Serializer = (*Map)(nil)

func NewMap(field int, t reflect.Type, key, value Serializer, replace bool) (*Map, error) {
	if t.Kind() != reflect.Map {
		return nil, merr.WrapErrTypeNotSupported(t.String(), "not a map")
	}
	if !key.WireType().Packable() && key.WireType() != wire.Bytes {
		return nil, merr.WrapErrTypeNotSupported(t.String(), "map key must be a scalar")
	}
	return &Map{field: field, typ: t, key: key, value: value, replace: replace}, nil
}

func (m *Map) Field() int                 { return m.field }
func (m *Map) ExpectedType() reflect.Type { return m.typ }
func (m *Map) WireType() wire.WireType    { return wire.Bytes }
func (m *Map) Kind() Kind                 { return KindMap }
func (m *Map) RequiresOldValue() bool     { return true }
func (m *Map) ReturnsValue() bool         { return true }

func (m *Map) Write(w *wire.Writer, v reflect.Value) error {
	if v.IsNil() || v.Len() == 0 {
		return nil
	}
	keys := v.MapKeys()
	slices.SortFunc(keys, compareKeys)
	for _, k := range keys {
		val := v.MapIndex(k)
		// 空值与列表元素一样由 Null 决定是否拒绝，否则省略字段 2。
		if n, ok := m.value.(*Null); ok && n.reject && isNil(val) {
			return merr.WrapErrNullElement(m.typ.Elem().String())
		}
		if err := w.WriteFieldHeader(m.field, wire.Bytes); err != nil {
			return err
		}
		tok, err := w.StartSubItem()
		if err != nil {
			return err
		}
		if err := w.WriteFieldHeader(1, m.key.WireType()); err != nil {
			return err
		}
		if err := m.key.Write(w, k); err != nil {
			return err
		}
		if !isNil(val) {
			if err := w.WriteFieldHeader(2, m.value.WireType()); err != nil {
				return err
			}
			if err := m.value.Write(w, val); err != nil {
				return err
			}
		}
		if err := w.EndSubItem(tok); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	first := r.Next(m) == 0
	out := cur
	if !out.IsValid() || out.IsNil() || (first && m.replace) {
		out = reflect.MakeMap(m.typ)
	}
	if err := r.Assert(wire.Bytes); err != nil {
		return reflect.Value{}, err
	}
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	key := reflect.Zero(m.typ.Key())
	val := reflect.Zero(m.typ.Elem())
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		var node Serializer
		switch field {
		case 1:
			node = m.key
		case 2:
			node = m.value
		default:
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		r.Hint(node.WireType())
		if err := r.Assert(node.WireType()); err != nil {
			return reflect.Value{}, err
		}
		got, err := node.Read(r, reflect.Value{})
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 1 {
			key, err = assignTo(m.typ.Key(), got)
		} else {
			val, err = assignTo(m.typ.Elem(), got)
		}
		if err != nil {
			return reflect.Value{}, err
		}
	}
	if err := r.EndSubItem(tok); err != nil {
		return reflect.Value{}, err
	}
	out.SetMapIndex(key, val)
	return out, nil
}

func compareKeys(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	case reflect.Bool:
		return cmp.Compare(boolInt(a.Bool()), boolInt(b.Bool()))
	}
	return cmp.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
