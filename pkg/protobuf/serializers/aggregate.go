package serializers

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Member 是聚合节点中的一个字段。Node 自行写出字段头。
type Member struct {
	Tag   int
	Name  string
	Index []int
	Node  Serializer

	Required bool
	// Specified 指向 XxxSpecified 布尔字段。
	Specified []int
	// ShouldSerialize 接收结构体指针，返回 false 时跳过该字段。
	ShouldSerialize func(owner reflect.Value) bool
}

// SubType 描述一个派生类型在基类型消息中的字段。
type SubType struct {
	Tag    int
	Handle TypeHandle
	Group  bool
}

// Callbacks 是通过类型模型配置的生命周期回调。
type Callbacks struct {
	BeforeSerialize   func(any)
	AfterSerialize    func(any)
	BeforeDeserialize func(any)
	AfterDeserialize  func(any)
}

type AggregateConfig struct {
	Handle TypeHandle
	// Struct 为空表示接口类型，只能通过子类型承载数据。
	Struct   reflect.Type
	Members  []Member
	SubTypes []SubType
	// Create 创建未初始化的实例；接口类型为空。
	Create func() (reflect.Value, error)
	// Initializers 按基类优先的顺序在新实例上执行。
	Initializers   []func(inst reflect.Value) error
	Callbacks      Callbacks
	StrictSubTypes bool
}

// Aggregate 读写一个结构体或接口类型的消息体，并负责子类型分派。
type Aggregate struct {
	cfg      AggregateConfig
	byTag    map[int]int
	subByTag map[int]int
	dispatch sync.Map
}

var _ Serializer = (*Aggregate)(nil)

func NewAggregate(cfg AggregateConfig) *Aggregate {
	sort.Slice(cfg.Members, func(i, j int) bool { return cfg.Members[i].Tag < cfg.Members[j].Tag })
	a := &Aggregate{
		cfg:      cfg,
		byTag:    make(map[int]int, len(cfg.Members)),
		subByTag: make(map[int]int, len(cfg.SubTypes)),
	}
	for i, m := range cfg.Members {
		a.byTag[m.Tag] = i
	}
	for i, st := range cfg.SubTypes {
		a.subByTag[st.Tag] = i
	}
	return a
}

func (a *Aggregate) Members() []Member        { return a.cfg.Members }
func (a *Aggregate) SubTypes() []SubType      { return a.cfg.SubTypes }
func (a *Aggregate) ExpectedType() reflect.Type { return a.cfg.Handle.HandleType() }
func (a *Aggregate) WireType() wire.WireType  { return wire.None }
func (a *Aggregate) Kind() Kind               { return KindAggregate }
func (a *Aggregate) RequiresOldValue() bool   { return true }
func (a *Aggregate) ReturnsValue() bool       { return true }

func (a *Aggregate) name() string {
	return a.cfg.Handle.Name()
}

// NewInstance 创建实例并按基类优先顺序执行初始化。
func (a *Aggregate) NewInstance() (reflect.Value, error) {
	if a.cfg.Create == nil {
		return reflect.Value{}, merr.WrapErrTypeNotSupported(a.name(), "abstract type cannot be instantiated")
	}
	inst, err := a.cfg.Create()
	if err != nil {
		return reflect.Value{}, err
	}
	for _, init := range a.cfg.Initializers {
		if err := init(inst); err != nil {
			return reflect.Value{}, err
		}
	}
	if h, ok := inst.Interface().(BeforeDeserializer); ok {
		h.BeforeDeserialize()
	}
	return inst, nil
}

func (a *Aggregate) subTypeFor(dyn reflect.Type) (SubType, bool) {
	if i, ok := a.dispatch.Load(dyn); ok {
		idx := i.(int)
		if idx < 0 {
			return SubType{}, false
		}
		return a.cfg.SubTypes[idx], true
	}
	idx := -1
	for i, st := range a.cfg.SubTypes {
		if st.Handle.Covers(dyn) {
			idx = i
			break
		}
	}
	a.dispatch.Store(dyn, idx)
	if idx < 0 {
		return SubType{}, false
	}
	return a.cfg.SubTypes[idx], true
}

// callbacksFor 找到与 dyn 精确对应的聚合节点的回调。
func (a *Aggregate) callbacksFor(dyn reflect.Type) Callbacks {
	if dyn == a.cfg.Handle.HandleType() {
		return a.cfg.Callbacks
	}
	st, ok := a.subTypeFor(dyn)
	if !ok {
		return a.cfg.Callbacks
	}
	body, err := st.Handle.Body()
	if err != nil {
		return Callbacks{}
	}
	return body.callbacksFor(dyn)
}

func (a *Aggregate) Write(w *wire.Writer, v reflect.Value) error {
	v = concrete(v)
	if isNil(v) {
		return nil
	}
	cb := a.callbacksFor(v.Type())
	obj := v.Interface()
	if h, ok := obj.(BeforeSerializer); ok {
		h.BeforeSerialize()
	}
	if cb.BeforeSerialize != nil {
		cb.BeforeSerialize(obj)
	}
	if err := a.writeBody(w, v); err != nil {
		return err
	}
	if h, ok := obj.(AfterSerializer); ok {
		h.AfterSerialize()
	}
	if cb.AfterSerialize != nil {
		cb.AfterSerialize(obj)
	}
	return nil
}

func (a *Aggregate) writeBody(w *wire.Writer, v reflect.Value) error {
	dyn := v.Type()
	if dyn != a.cfg.Handle.HandleType() {
		st, ok := a.subTypeFor(dyn)
		if !ok {
			return merr.WrapErrUnexpectedSubType(a.name(), dyn.String())
		}
		body, err := st.Handle.Body()
		if err != nil {
			return err
		}
		if err := w.WriteFieldHeader(st.Tag, subItemWireType(st.Group)); err != nil {
			return err
		}
		tok, err := w.StartSubItem()
		if err != nil {
			return err
		}
		if err := body.writeBody(w, v); err != nil {
			return err
		}
		if err := w.EndSubItem(tok); err != nil {
			return err
		}
	}
	if a.cfg.Struct == nil {
		return nil
	}

	view, err := structView(v, a.cfg.Struct)
	if err != nil {
		return err
	}
	owner := view.Addr()
	for i := range a.cfg.Members {
		m := &a.cfg.Members[i]
		if m.ShouldSerialize != nil && !m.ShouldSerialize(owner) {
			continue
		}
		if m.Specified != nil {
			if spec, ok := fieldByIndex(view, m.Specified); ok && !spec.Bool() {
				continue
			}
		}
		fv, ok := fieldByIndex(view, m.Index)
		if !ok {
			continue
		}
		if m.Required && isNil(fv) {
			return merr.WrapErrInvalidValue(a.name(), nil, fmt.Sprintf("required member %s is nil", m.Name))
		}
		if err := m.Node.Write(w, fv); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregate) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	out, err := a.readBody(r, concrete(cur))
	if err != nil {
		return reflect.Value{}, err
	}
	if isNil(out) {
		return reflect.Zero(a.cfg.Handle.HandleType()), nil
	}
	obj := out.Interface()
	if h, ok := obj.(AfterDeserializer); ok {
		h.AfterDeserialize()
	}
	if cb := a.callbacksFor(out.Type()); cb.AfterDeserialize != nil {
		cb.AfterDeserialize(obj)
	}
	return out, nil
}

func (a *Aggregate) readBody(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	for {
		field, err := r.ReadFieldHeader()
		if err != nil {
			return reflect.Value{}, err
		}
		if field == 0 {
			break
		}
		if i, ok := a.subByTag[field]; ok {
			if cur, err = a.readSubType(r, a.cfg.SubTypes[i], cur); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		i, ok := a.byTag[field]
		if !ok || a.cfg.Struct == nil {
			if err := r.SkipField(); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		if isNil(cur) {
			if cur, err = a.NewInstance(); err != nil {
				return reflect.Value{}, err
			}
		}
		if err := a.readMember(r, &a.cfg.Members[i], cur); err != nil {
			return reflect.Value{}, err
		}
	}
	if isNil(cur) && a.cfg.Struct != nil {
		return a.NewInstance()
	}
	return cur, nil
}

func (a *Aggregate) readMember(r *wire.Reader, m *Member, cur reflect.Value) error {
	view, err := structView(cur, a.cfg.Struct)
	if err != nil {
		return err
	}
	fv := fieldByIndexAlloc(view, m.Index)
	got, err := m.Node.Read(r, fv)
	if err != nil {
		return err
	}
	got, err = assignTo(fv.Type(), got)
	if err != nil {
		return err
	}
	fv.Set(got)
	if m.Specified != nil {
		fieldByIndexAlloc(view, m.Specified).SetBool(true)
	}
	return nil
}

func (a *Aggregate) readSubType(r *wire.Reader, st SubType, cur reflect.Value) (reflect.Value, error) {
	if err := expectMessage(r); err != nil {
		return reflect.Value{}, err
	}
	cur, err := a.adopt(st, cur)
	if err != nil {
		return reflect.Value{}, err
	}
	body, err := st.Handle.Body()
	if err != nil {
		return reflect.Value{}, err
	}
	tok, err := r.StartSubItem()
	if err != nil {
		return reflect.Value{}, err
	}
	if cur, err = body.readBody(r, cur); err != nil {
		return reflect.Value{}, err
	}
	return cur, r.EndSubItem(tok)
}

// adopt 保证 cur 是 st 覆盖的类型，必要时创建派生实例并迁移基类部分。
func (a *Aggregate) adopt(st SubType, cur reflect.Value) (reflect.Value, error) {
	if isNil(cur) {
		return st.Handle.NewInstance()
	}
	dyn := cur.Type()
	if st.Handle.Covers(dyn) {
		return cur, nil
	}
	if a.cfg.StrictSubTypes && dyn != a.cfg.Handle.HandleType() {
		return reflect.Value{}, merr.WrapErrUnexpectedSubType(a.name(), dyn.String())
	}
	next, err := st.Handle.NewInstance()
	if err != nil {
		return reflect.Value{}, err
	}
	if a.cfg.Struct != nil {
		src, err := structView(cur, a.cfg.Struct)
		if err != nil {
			return reflect.Value{}, err
		}
		dst, err := structView(next, a.cfg.Struct)
		if err != nil {
			return reflect.Value{}, err
		}
		dst.Set(src)
	}
	return next, nil
}

// BaseDelegate 是派生类型的成员管线：数据始终经由最顶层基类型的消息写出。
type BaseDelegate struct {
	self TypeHandle
	root TypeHandle
}

var _ Serializer = (*BaseDelegate)(nil)

func NewBaseDelegate(self, root TypeHandle) *BaseDelegate {
	return &BaseDelegate{self: self, root: root}
}

func (b *BaseDelegate) ExpectedType() reflect.Type { return b.self.HandleType() }
func (b *BaseDelegate) WireType() wire.WireType    { return wire.None }
func (b *BaseDelegate) Kind() Kind                 { return KindBaseDelegate }
func (b *BaseDelegate) RequiresOldValue() bool     { return true }
func (b *BaseDelegate) ReturnsValue() bool         { return true }

func (b *BaseDelegate) Write(w *wire.Writer, v reflect.Value) error {
	s, err := b.root.Body()
	if err != nil {
		return err
	}
	return s.Write(w, v)
}

func (b *BaseDelegate) Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error) {
	cur = concrete(cur)
	if isNil(cur) {
		var err error
		if cur, err = b.self.NewInstance(); err != nil {
			return reflect.Value{}, err
		}
	}
	s, err := b.root.Body()
	if err != nil {
		return reflect.Value{}, err
	}
	out, err := s.Read(r, cur)
	if err != nil {
		return reflect.Value{}, err
	}
	return assignTo(b.self.HandleType(), out)
}
