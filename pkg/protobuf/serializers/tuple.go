package serializers

import (
	"reflect"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Tuple 处理通过构造函数创建的类型：字段按位置编号，读完全部字段后
// 调用构造函数。
type Tuple struct {
	handle  TypeHandle
	ctor    reflect.Value
	members []Member
}

var _ Serializer = (*Tuple)(nil)

// NewTuple 创建元组节点。members[i] 对应构造函数的第 i 个参数。
func NewTuple(handle TypeHandle, ctor reflect.Value, members []Member) (*Tuple, error) {
	ft := ctor.Type()
	if ft.Kind() != reflect.Func || ft.NumIn() != len(members) {
		return nil, merr.WrapErrAmbiguousTuple(handle.Name(), "constructor parameters do not match members")
	}
	switch ft.NumOut() {
	case 1:
	case 2:
		if ft.Out(1) != errorType {
			return nil, merr.WrapErrAmbiguousTuple(handle.Name(), "second constructor result must be error")
		}
	default:
		return nil, merr.WrapErrAmbiguousTuple(handle.Name(), "constructor must return the type")
	}
	return &Tuple{handle: handle, ctor: ctor, members: members}, nil
}

func (t *Tuple) Members() []Member         { return t.members }
func (t *Tuple) ExpectedType() reflect.Type { return t.handle.HandleType() }
func (t *Tuple) WireType() wire.WireType    { return wire.None }
func (t *Tuple) Kind() Kind                 { return KindTuple }
func (t *Tuple) RequiresOldValue() bool     { return false }
func (t *Tuple) ReturnsValue() bool         { return true }

func (t *Tuple) Write(w *wire.Writer, v reflect.Value) error {
	v = concrete(v)
	if isNil(v) {
		return nil
	}
	view := v.Elem()
	for i := range t.members {
		m := &t.members[i]
		fv, ok := fieldByIndex(view, m.Index)
		if !ok {
			continue
		}
		if err := m.Node.Write(w, fv); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tuple) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	ft := t.ctor.Type()
	args := make([]reflect.Value, ft.NumIn())
	cur = concrete(cur)
	for i := range args {
		args[i] = reflect.New(ft.In(i)).Elem()
		if !isNil(cur) {
			if fv, ok := fieldByIndex(cur.Elem(), t.members[i].Index); ok {
				args[i].Set(fv)
			}
		}
	}
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		idx := -1
		for i := range t.members {
			if t.members[i].Tag == field {
				idx = i
				break
			}
		}
		if idx < 0 {
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		got, err := t.members[idx].Node.Read(r, args[idx])
		if err != nil {
			return reflect.Value{}, err
		}
		if got, err = assignTo(ft.In(idx), got); err != nil {
			return reflect.Value{}, err
		}
		args[idx].Set(got)
	}
	results := t.ctor.Call(args)
	if len(results) == 2 && !results[1].IsNil() {
		return reflect.Value{}, merr.WrapErrInvalidValue(t.handle.Name(), nil, results[1].Interface().(error).Error())
	}
	return adaptPointer(results[0], t.handle.HandleType())
}

// Surrogate 通过一对转换函数把值交给代理类型的管线处理。
type Surrogate struct {
	typ   reflect.Type
	to    reflect.Value
	from  reflect.Value
	inner Serializer
}

var _ Serializer = (*Surrogate)(nil)

func NewSurrogate(t reflect.Type, to, from reflect.Value, inner Serializer) *Surrogate {
	return &Surrogate{typ: t, to: to, from: from, inner: inner}
}

func (s *Surrogate) ExpectedType() reflect.Type { return s.typ }
func (s *Surrogate) WireType() wire.WireType    { return s.inner.WireType() }
func (s *Surrogate) Kind() Kind                 { return KindSurrogate }
func (s *Surrogate) RequiresOldValue() bool     { return false }
func (s *Surrogate) ReturnsValue() bool         { return true }

func convert(fn reflect.Value, v reflect.Value, out reflect.Type) (reflect.Value, error) {
	ft := fn.Type()
	arg, err := adaptPointer(v, ft.In(0))
	if err != nil {
		return reflect.Value{}, err
	}
	results := fn.Call([]reflect.Value{arg})
	if len(results) == 2 && !results[1].IsNil() {
		return reflect.Value{}, merr.WrapErrInvalidValue(out.String(), nil, results[1].Interface().(error).Error())
	}
	return adaptPointer(results[0], out)
}

func (s *Surrogate) Write(w *wire.Writer, v reflect.Value) error {
	v = concrete(v)
	if isNil(v) {
		return nil
	}
	sv, err := convert(s.to, v, s.inner.ExpectedType())
	if err != nil {
		return err
	}
	return s.inner.Write(w, sv)
}

func (s *Surrogate) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	var old reflect.Value
	if cur = concrete(cur); !isNil(cur) {
		var err error
		if old, err = convert(s.to, cur, s.inner.ExpectedType()); err != nil {
			return reflect.Value{}, err
		}
	}
	sv, err := s.inner.Read(r, old)
	if err != nil {
		return reflect.Value{}, err
	}
	return convert(s.from, sv, s.typ)
}
