package serializers

import (
	"reflect"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// 对象引用消息的字段编号。
const (
	netExistingID = 1
	netNewID      = 2
	netTypeName   = 8
	netBody       = 10
)

// NetObject 为引用类型保留对象标识：首次出现写出 {2: id, 8: 类型名, 10: 消息体}，
// 之后只写 {1: id}。late 时消息体推迟到根消息的尾部。
type NetObject struct {
	expected reflect.Type
	handle   TypeHandle
	resolver TypeResolver
	late     bool
	dynamic  bool
}

var _ Serializer = (*NetObject)(nil)

func NewNetObject(expected reflect.Type, handle TypeHandle, resolver TypeResolver, late, dynamic bool) *NetObject {
	return &NetObject{
		expected: expected,
		handle:   handle,
		resolver: resolver,
		late:     late,
		dynamic:  dynamic,
	}
}

func (n *NetObject) Late() bool                 { return n.late }
func (n *NetObject) ExpectedType() reflect.Type { return n.expected }
func (n *NetObject) WireType() wire.WireType    { return wire.Bytes }
func (n *NetObject) Kind() Kind                 { return KindNetObject }
func (n *NetObject) RequiresOldValue() bool     { return false }
func (n *NetObject) ReturnsValue() bool         { return true }

func (n *NetObject) bodyFor(dyn reflect.Type) (Serializer, error) {
	if !n.dynamic || n.handle != nil && dyn == n.handle.HandleType() {
		return n.handle.Serializer()
	}
	h, err := n.resolver.ResolveType(dyn)
	if err != nil {
		return nil, err
	}
	return h.Serializer()
}

func (n *NetObject) Write(w *wire.Writer, v reflect.Value) error {
	v = concrete(v)
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if isNil(v) {
		return w.EndSubItem(tok)
	}

	id, existing := w.AddObject(v.Interface())
	if existing {
		if err := w.WriteFieldHeader(netExistingID, wire.Varint); err != nil {
			return err
		}
		if err := w.WriteInt64(int64(id)); err != nil {
			return err
		}
		return w.EndSubItem(tok)
	}

	if err := w.WriteFieldHeader(netNewID, wire.Varint); err != nil {
		return err
	}
	if err := w.WriteInt64(int64(id)); err != nil {
		return err
	}
	dyn := v.Type()
	if n.dynamic || dyn != n.handle.HandleType() {
		h, err := n.resolver.ResolveType(dyn)
		if err != nil {
			return err
		}
		if err := w.WriteFieldHeader(netTypeName, wire.Bytes); err != nil {
			return err
		}
		if err := w.WriteString(h.Name()); err != nil {
			return err
		}
	}
	body, err := n.bodyFor(dyn)
	if err != nil {
		return err
	}
	if n.late {
		if err := w.EnqueueLate(id, func(w *wire.Writer) error { return body.Write(w, v) }); err != nil {
			return err
		}
		return w.EndSubItem(tok)
	}
	if err := w.WriteFieldHeader(netBody, wire.Bytes); err != nil {
		return err
	}
	inner, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if err := body.Write(w, v); err != nil {
		return err
	}
	if err := w.EndSubItem(inner); err != nil {
		return err
	}
	return w.EndSubItem(tok)
}

func (n *NetObject) create(name string) (reflect.Value, error) {
	if name == "" {
		if n.dynamic {
			return reflect.Value{}, merr.WrapErrMalformed("dynamic object without type name")
		}
		return n.handle.NewInstance()
	}
	h, err := n.resolver.ResolveName(name)
	if err != nil {
		return reflect.Value{}, err
	}
	if !h.HandleType().AssignableTo(n.expected) {
		return reflect.Value{}, merr.WrapErrUnexpectedSubType(n.expected.String(), h.HandleType().String())
	}
	return h.NewInstance()
}

func (n *NetObject) Read(r *wire.Reader, _ reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	var (
		id   = -1
		name string
		inst reflect.Value
		have bool
	)
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case netExistingID:
			ref, err := r.ReadInt64()
			if err != nil {
				return reflect.Value{}, err
			}
			obj, ok := r.Object(int(ref))
			if !ok {
				return reflect.Value{}, merr.WrapErrUnknownReference(int(ref))
			}
			inst, have = obj, true
		case netNewID:
			ref, err := r.ReadInt64()
			if err != nil {
				return reflect.Value{}, err
			}
			id = int(ref)
		case netTypeName:
			if name, err = r.ReadString(); err != nil {
				return reflect.Value{}, err
			}
		case netBody:
			if !have {
				if inst, err = n.create(name); err != nil {
					return reflect.Value{}, err
				}
				have = true
				if id > 0 {
					r.RegisterObject(id, inst)
				}
			}
			body, err := n.bodyFor(inst.Type())
			if err != nil {
				return reflect.Value{}, err
			}
			inner, err := r.StartSubItem()
			if err != nil {
				return reflect.Value{}, err
			}
			got, err := body.Read(r, inst)
			if err != nil {
				return reflect.Value{}, err
			}
			if err := r.EndSubItem(inner); err != nil {
				return reflect.Value{}, err
			}
			if got.IsValid() && got.Interface() != inst.Interface() {
				inst = got
				if id > 0 {
					r.RegisterObject(id, inst)
				}
			}
		default:
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
		}
	}
	if err := r.EndSubItem(tok); err != nil {
		return reflect.Value{}, err
	}

	if !have && id > 0 {
		if inst, err = n.create(name); err != nil {
			return reflect.Value{}, err
		}
		have = true
		r.RegisterObject(id, inst)
		if n.late {
			body, err := n.bodyFor(inst.Type())
			if err != nil {
				return reflect.Value{}, err
			}
			target := inst
			r.AddLate(id, func(r *wire.Reader) error {
				_, err := body.Read(r, target)
				return err
			})
		}
	}
	if !have {
		return reflect.Zero(n.expected), nil
	}
	return assignTo(n.expected, inst)
}

// DynamicType 为静态类型未知的接口字段写出 {8: 类型名, 10: 消息体}。
type DynamicType struct {
	expected reflect.Type
	resolver TypeResolver
	group    bool
}

var _ Serializer = (*DynamicType)(nil)

func NewDynamicType(expected reflect.Type, resolver TypeResolver, group bool) *DynamicType {
	return &DynamicType{expected: expected, resolver: resolver, group: group}
}

func (d *DynamicType) ExpectedType() reflect.Type { return d.expected }
func (d *DynamicType) WireType() wire.WireType    { return subItemWireType(d.group) }
func (d *DynamicType) Kind() Kind                 { return KindDynamic }
func (d *DynamicType) RequiresOldValue() bool     { return false }
func (d *DynamicType) ReturnsValue() bool         { return true }

func (d *DynamicType) Write(w *wire.Writer, v reflect.Value) error {
	v = concrete(v)
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if !isNil(v) {
		h, err := d.resolver.ResolveType(v.Type())
		if err != nil {
			return err
		}
		body, err := h.Serializer()
		if err != nil {
			return err
		}
		if err := w.WriteFieldHeader(netTypeName, wire.Bytes); err != nil {
			return err
		}
		if err := w.WriteString(h.Name()); err != nil {
			return err
		}
		if err := w.WriteFieldHeader(netBody, wire.Bytes); err != nil {
			return err
		}
		inner, err := w.StartSubItem()
		if err != nil {
			return err
		}
		if err := body.Write(w, v); err != nil {
			return err
		}
		if err := w.EndSubItem(inner); err != nil {
			return err
		}
	}
	return w.EndSubItem(tok)
}

func (d *DynamicType) Read(r *wire.Reader, _ reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	var (
		name string
		out  reflect.Value
	)
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case netTypeName:
			if name, err = r.ReadString(); err != nil {
				return reflect.Value{}, err
			}
		case netBody:
			if name == "" {
				return reflect.Value{}, merr.WrapErrMalformed("dynamic body precedes type name")
			}
			h, err := d.resolver.ResolveName(name)
			if err != nil {
				return reflect.Value{}, err
			}
			body, err := h.Serializer()
			if err != nil {
				return reflect.Value{}, err
			}
			inner, err := r.StartSubItem()
			if err != nil {
				return reflect.Value{}, err
			}
			if out, err = body.Read(r, reflect.Value{}); err != nil {
				return reflect.Value{}, err
			}
			if err := r.EndSubItem(inner); err != nil {
				return reflect.Value{}, err
			}
		default:
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
		}
	}
	if err := r.EndSubItem(tok); err != nil {
		return reflect.Value{}, err
	}
	return assignTo(d.expected, out)
}

// MessageRoot 在根层级写出消息体，不加任何帧。
type MessageRoot struct {
	inner Serializer
}

var _ Serializer = (*MessageRoot)(nil)

func NewMessageRoot(inner Serializer) *MessageRoot {
	return &MessageRoot{inner: inner}
}

// NewTagRoot 把非消息类型包装为根消息中的字段 1。
func NewTagRoot(inner Serializer) *MessageRoot {
	return &MessageRoot{inner: NewFieldLoop(1, inner)}
}

func (m *MessageRoot) Inner() Serializer          { return m.inner }
func (m *MessageRoot) ExpectedType() reflect.Type { return m.inner.ExpectedType() }
func (m *MessageRoot) WireType() wire.WireType    { return wire.None }
func (m *MessageRoot) Kind() Kind                 { return KindMessageRoot }
func (m *MessageRoot) RequiresOldValue() bool     { return true }
func (m *MessageRoot) ReturnsValue() bool         { return true }

func (m *MessageRoot) Write(w *wire.Writer, v reflect.Value) error {
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if err := m.inner.Write(w, v); err != nil {
		return err
	}
	return w.EndSubItem(tok)
}

func (m *MessageRoot) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	out, err := m.inner.Read(r, cur)
	if err != nil {
		return reflect.Value{}, err
	}
	return out, r.EndSubItem(tok)
}

// 引用根消息的字段编号。
const (
	refRootValue = 1
	refRootLate  = 2
	lateID       = 1
	lateBody     = 10
)

// ReferenceRoot 把根对象写在字段 1，随后以字段 2 的分组逐个写出延迟对象体。
type ReferenceRoot struct {
	inner *NetObject
}

var _ Serializer = (*ReferenceRoot)(nil)

func NewReferenceRoot(inner *NetObject) *ReferenceRoot {
	return &ReferenceRoot{inner: inner}
}

func (rr *ReferenceRoot) ExpectedType() reflect.Type { return rr.inner.ExpectedType() }
func (rr *ReferenceRoot) WireType() wire.WireType    { return wire.None }
func (rr *ReferenceRoot) Kind() Kind                 { return KindReferenceRoot }
func (rr *ReferenceRoot) RequiresOldValue() bool     { return false }
func (rr *ReferenceRoot) ReturnsValue() bool         { return true }

func (rr *ReferenceRoot) Write(w *wire.Writer, v reflect.Value) error {
	w.EnableLate()
	tok, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if isNil(concrete(v)) {
		return w.EndSubItem(tok)
	}
	if err := w.WriteFieldHeader(refRootValue, wire.Bytes); err != nil {
		return err
	}
	if err := rr.inner.Write(w, v); err != nil {
		return err
	}
	for {
		id, fn, ok := w.NextLate()
		if !ok {
			break
		}
		if err := writeLate(w, id, fn); err != nil {
			return err
		}
	}
	return w.EndSubItem(tok)
}

func writeLate(w *wire.Writer, id int, fn wire.LateWriter) error {
	if err := w.WriteFieldHeader(refRootLate, wire.StartGroup); err != nil {
		return err
	}
	group, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if err := w.WriteFieldHeader(lateID, wire.Varint); err != nil {
		return err
	}
	if err := w.WriteInt64(int64(id)); err != nil {
		return err
	}
	if err := w.WriteFieldHeader(lateBody, wire.Bytes); err != nil {
		return err
	}
	body, err := w.StartSubItem()
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	if err := w.EndSubItem(body); err != nil {
		return err
	}
	return w.EndSubItem(group)
}

func (rr *ReferenceRoot) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.Zero(rr.inner.ExpectedType())
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case refRootValue:
			if err := r.Assert(wire.Bytes); err != nil {
				return reflect.Value{}, err
			}
			if out, err = rr.inner.Read(r, cur); err != nil {
				return reflect.Value{}, err
			}
		case refRootLate:
			if err := expectMessage(r); err != nil {
				return reflect.Value{}, err
			}
			if err := readLate(r); err != nil {
				return reflect.Value{}, err
			}
		default:
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
		}
	}
	if err := r.EndSubItem(tok); err != nil {
		return reflect.Value{}, err
	}
	if pending := r.PendingLate(); pending > 0 {
		return reflect.Value{}, merr.WrapErrUnresolvedLateReference(pending)
	}
	return out, nil
}

func readLate(r *wire.Reader) error {
	group, err := r.StartSubItem()
	if err != nil {
		return err
	}
	id := -1
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return err
		}
		if field == 0 {
			break
		}
		switch field {
		case lateID:
			v, err := r.ReadInt64()
			if err != nil {
				return err
			}
			id = int(v)
		case lateBody:
			fn, ok := r.TakeLate(id)
			if !ok {
				return merr.WrapErrUnknownReference(id)
			}
			body, err := r.StartSubItem()
			if err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
			if err := r.EndSubItem(body); err != nil {
				return err
			}
		default:
			if err := r.SkipField(); err != nil {
				return err
			}
		}
	}
	return r.EndSubItem(group)
}
