package serializers

import (
	"reflect"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Tag 在内部节点之前写出字段头，读取时校验线路类型。
type Tag struct {
	field int
	inner Serializer
}

var _ Serializer = (*Tag)(nil)

func NewTag(field int, inner Serializer) *Tag {
	return &Tag{field: field, inner: inner}
}

func (t *Tag) Field() int                  { return t.field }
func (t *Tag) Inner() Serializer           { return t.inner }
func (t *Tag) ExpectedType() reflect.Type  { return t.inner.ExpectedType() }
func (t *Tag) WireType() wire.WireType     { return t.inner.WireType() }
func (t *Tag) Kind() Kind                  { return KindTag }
func (t *Tag) RequiresOldValue() bool      { return t.inner.RequiresOldValue() }
func (t *Tag) ReturnsValue() bool          { return t.inner.ReturnsValue() }

func (t *Tag) Write(w *wire.Writer, v reflect.Value) error {
	if err := w.WriteFieldHeader(t.field, t.inner.WireType()); err != nil {
		return err
	}
	return t.inner.Write(w, v)
}

func (t *Tag) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	r.Hint(t.inner.WireType())
	if err := r.Assert(t.inner.WireType()); err != nil {
		return reflect.Value{}, err
	}
	return t.inner.Read(r, cur)
}

// Default 在值等于默认值时跳过写出。
type Default struct {
	inner Serializer
	value reflect.Value
	zero  bool
}

var _ Serializer = (*Default)(nil)

// NewDefault 创建默认值装饰器；value 无效时以类型零值为默认值。
func NewDefault(inner Serializer, value reflect.Value) *Default {
	return &Default{inner: inner, value: value, zero: !value.IsValid()}
}

func (d *Default) ExpectedType() reflect.Type { return d.inner.ExpectedType() }
func (d *Default) WireType() wire.WireType    { return d.inner.WireType() }
func (d *Default) Kind() Kind                 { return KindDefault }
func (d *Default) RequiresOldValue() bool     { return d.inner.RequiresOldValue() }
func (d *Default) ReturnsValue() bool         { return d.inner.ReturnsValue() }

func (d *Default) Write(w *wire.Writer, v reflect.Value) error {
	if d.zero {
		if v.IsZero() {
			return nil
		}
	} else if v.IsValid() && reflect.DeepEqual(v.Interface(), d.value.Interface()) {
		return nil
	}
	return d.inner.Write(w, v)
}

func (d *Default) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	return d.inner.Read(r, cur)
}

// Null 处理空指针与空接口：独立字段直接跳过，集合元素在 reject 时报错。
type Null struct {
	inner  Serializer
	reject bool
}

var _ Serializer = (*Null)(nil)

func NewNull(inner Serializer, reject bool) *Null {
	return &Null{inner: inner, reject: reject}
}

func (n *Null) ExpectedType() reflect.Type { return n.inner.ExpectedType() }
func (n *Null) WireType() wire.WireType    { return n.inner.WireType() }
func (n *Null) Kind() Kind                 { return KindNull }
func (n *Null) RequiresOldValue() bool     { return n.inner.RequiresOldValue() }
func (n *Null) ReturnsValue() bool         { return n.inner.ReturnsValue() }

func (n *Null) Write(w *wire.Writer, v reflect.Value) error {
	if isNil(v) {
		if n.reject {
			return merr.WrapErrNullElement(n.inner.ExpectedType().String())
		}
		return nil
	}
	return n.inner.Write(w, v)
}

func (n *Null) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	return n.inner.Read(r, cur)
}

// NullableWrapper 把值包进 {1: value}，空消息表示 nil。
type NullableWrapper struct {
	inner Serializer
	group bool
}

var _ Serializer = (*NullableWrapper)(nil)

func NewNullableWrapper(inner Serializer, group bool) *NullableWrapper {
	return &NullableWrapper{inner: inner, group: group}
}

func (n *NullableWrapper) ExpectedType() reflect.Type { return n.inner.ExpectedType() }
func (n *NullableWrapper) WireType() wire.WireType    { return subItemWireType(n.group) }
func (n *NullableWrapper) Kind() Kind                 { return KindNullable }
func (n *NullableWrapper) RequiresOldValue() bool     { return n.inner.RequiresOldValue() }
func (n *NullableWrapper) ReturnsValue() bool         { return true }

func (n *NullableWrapper) Write(w *wire.Writer, v reflect.Value) error {
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if !isNil(v) {
		if err := w.WriteFieldHeader(1, n.inner.WireType()); err != nil {
			return err
		}
		if err := n.inner.Write(w, v); err != nil {
			return err
		}
	}
	return w.EndSubItem(tok)
}

func (n *NullableWrapper) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.Zero(n.inner.ExpectedType())
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		if field != 1 {
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		r.Hint(n.inner.WireType())
		if err := r.Assert(n.inner.WireType()); err != nil {
			return reflect.Value{}, err
		}
		if out, err = n.inner.Read(r, cur); err != nil {
			return reflect.Value{}, err
		}
	}
	return out, r.EndSubItem(tok)
}

// SubItem 为消息体加上长度前缀或分组边界。
type SubItem struct {
	inner Serializer
	group bool
}

var _ Serializer = (*SubItem)(nil)

func NewSubItem(inner Serializer, group bool) *SubItem {
	return &SubItem{inner: inner, group: group}
}

func (s *SubItem) Inner() Serializer          { return s.inner }
func (s *SubItem) ExpectedType() reflect.Type { return s.inner.ExpectedType() }
func (s *SubItem) WireType() wire.WireType    { return subItemWireType(s.group) }
func (s *SubItem) Kind() Kind                 { return KindSubItem }
func (s *SubItem) RequiresOldValue() bool     { return s.inner.RequiresOldValue() }
func (s *SubItem) ReturnsValue() bool         { return s.inner.ReturnsValue() }

func (s *SubItem) Write(w *wire.Writer, v reflect.Value) error {
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if err := s.inner.Write(w, v); err != nil {
		return err
	}
	return w.EndSubItem(tok)
}

func (s *SubItem) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	out, err := s.inner.Read(r, cur)
	if err != nil {
		return reflect.Value{}, err
	}
	return out, r.EndSubItem(tok)
}

// FieldLoop 在当前消息内反复读取 field，其他字段被跳过。
// inner 自行写出字段头。
type FieldLoop struct {
	field int
	inner Serializer
	alloc bool
}

var _ Serializer = (*FieldLoop)(nil)

func NewFieldLoop(field int, inner Serializer) *FieldLoop {
	return &FieldLoop{field: field, inner: inner}
}

// NewCollectionLoop 与 NewFieldLoop 相同，但没有读到任何元素时返回空集合而不是 nil，
// 用于嵌套集合与带外层消息的集合。
func NewCollectionLoop(field int, inner Serializer) *FieldLoop {
	return &FieldLoop{field: field, inner: inner, alloc: true}
}

func (f *FieldLoop) ExpectedType() reflect.Type { return f.inner.ExpectedType() }
func (f *FieldLoop) WireType() wire.WireType    { return wire.None }
func (f *FieldLoop) Kind() Kind                 { return KindFieldLoop }
func (f *FieldLoop) RequiresOldValue() bool     { return true }
func (f *FieldLoop) ReturnsValue() bool         { return true }

func (f *FieldLoop) Write(w *wire.Writer, v reflect.Value) error {
	return f.inner.Write(w, v)
}

func (f *FieldLoop) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		if field != f.field {
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		if cur, err = f.inner.Read(r, cur); err != nil {
			return reflect.Value{}, err
		}
	}
	if !cur.IsValid() {
		cur = reflect.Zero(f.inner.ExpectedType())
	}
	if f.alloc {
		switch t := cur.Type(); {
		case t.Kind() == reflect.Slice && cur.IsNil():
			cur = reflect.MakeSlice(t, 0, 0)
		case t.Kind() == reflect.Map && cur.IsNil():
			cur = reflect.MakeMap(t)
		}
	}
	return cur, nil
}

// MetaRef 引用另一个已注册类型的成员管线，在首次使用时解析。
type MetaRef struct {
	handle TypeHandle
}

var _ Serializer = (*MetaRef)(nil)

func NewMetaRef(handle TypeHandle) *MetaRef {
	return &MetaRef{handle: handle}
}

func (m *MetaRef) Handle() TypeHandle          { return m.handle }
func (m *MetaRef) ExpectedType() reflect.Type { return m.handle.HandleType() }
func (m *MetaRef) WireType() wire.WireType    { return wire.None }
func (m *MetaRef) Kind() Kind                 { return KindMetaRef }
func (m *MetaRef) RequiresOldValue() bool     { return true }
func (m *MetaRef) ReturnsValue() bool         { return true }

func (m *MetaRef) Write(w *wire.Writer, v reflect.Value) error {
	s, err := m.handle.Serializer()
	if err != nil {
		return err
	}
	return s.Write(w, v)
}

func (m *MetaRef) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	s, err := m.handle.Serializer()
	if err != nil {
		return reflect.Value{}, err
	}
	return s.Read(r, cur)
}

// Pointer 让标量等值节点处理指向它们的指针。
type Pointer struct {
	typ   reflect.Type
	inner Serializer
}

var _ Serializer = (*Pointer)(nil)

func NewPointer(inner Serializer) *Pointer {
	return &Pointer{typ: reflect.PointerTo(inner.ExpectedType()), inner: inner}
}

func (p *Pointer) ExpectedType() reflect.Type { return p.typ }
func (p *Pointer) WireType() wire.WireType    { return p.inner.WireType() }
func (p *Pointer) Kind() Kind                 { return KindPointer }
func (p *Pointer) RequiresOldValue() bool     { return p.inner.RequiresOldValue() }
func (p *Pointer) ReturnsValue() bool         { return true }

func (p *Pointer) Write(w *wire.Writer, v reflect.Value) error {
	if isNil(v) {
		return merr.WrapErrNullElement(p.typ.String())
	}
	return p.inner.Write(w, v.Elem())
}

func (p *Pointer) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	old := reflect.Value{}
	if !isNil(cur) {
		old = cur.Elem()
	}
	v, err := p.inner.Read(r, old)
	if err != nil {
		return reflect.Value{}, err
	}
	v, err = assignTo(p.typ.Elem(), v)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(p.typ.Elem())
	out.Elem().Set(v)
	return out, nil
}

// ValueAdapter 让以结构体指针工作的节点处理结构体值。
type ValueAdapter struct {
	typ   reflect.Type
	inner Serializer
}

var _ Serializer = (*ValueAdapter)(nil)

func NewValueAdapter(t reflect.Type, inner Serializer) *ValueAdapter {
	return &ValueAdapter{typ: t, inner: inner}
}

func (a *ValueAdapter) ExpectedType() reflect.Type { return a.typ }
func (a *ValueAdapter) WireType() wire.WireType    { return a.inner.WireType() }
func (a *ValueAdapter) Kind() Kind                 { return KindValue }
func (a *ValueAdapter) RequiresOldValue() bool     { return true }
func (a *ValueAdapter) ReturnsValue() bool         { return true }

func (a *ValueAdapter) Write(w *wire.Writer, v reflect.Value) error {
	if v.CanAddr() {
		return a.inner.Write(w, v.Addr())
	}
	p := reflect.New(a.typ)
	p.Elem().Set(v)
	return a.inner.Write(w, p)
}

func (a *ValueAdapter) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	// 零值交给内部节点新建实例，以便应用默认值。
	var p reflect.Value
	if cur.IsValid() && !cur.IsZero() {
		p = reflect.New(a.typ)
		p.Elem().Set(cur)
	}
	out, err := a.inner.Read(r, p)
	if err != nil {
		return reflect.Value{}, err
	}
	return adaptPointer(out, a.typ)
}
