package meta

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/serializers"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

type typeKind int

const (
	kindStruct typeKind = iota
	kindInterface
	kindEnum
	kindCollection
)

func (k typeKind) String() string {
	switch k {
	case kindStruct:
		return "struct"
	case kindInterface:
		return "interface"
	case kindEnum:
		return "enum"
	case kindCollection:
		return "collection"
	}
	return fmt.Sprintf("typeKind(%d)", int(k))
}

// classify 判断 t 能否拥有类型描述以及描述的种类。
func classify(t reflect.Type) (typeKind, error) {
	if err := checkShape(t); err != nil {
		return 0, err
	}
	switch t.Kind() {
	case reflect.Struct:
		if isBuiltin(t) {
			break
		}
		return kindStruct, nil
	case reflect.Interface:
		return kindInterface, nil
	case reflect.Slice, reflect.Array, reflect.Map:
		if isCollectionType(t) {
			return kindCollection, nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if t.Name() != "" && t.PkgPath() != "" && t != serializers.DurationType {
			return kindEnum, nil
		}
	case reflect.Pointer:
		return 0, merr.WrapErrTypeNotSupported(t.String(), "only pointers to structs can be registered")
	}
	return 0, merr.WrapErrTypeNotSupported(t.String(), "built-in scalar types are not registered")
}

// Callbacks 是类型级生命周期回调。
type Callbacks = serializers.Callbacks

type surrogateSpec struct {
	typ  reflect.Type
	to   reflect.Value
	from reflect.Value
}

// pipelines 是一次构建的结果，成员管线与根管线总是一起构建。
type pipelines struct {
	body   *serializers.Aggregate
	member serializers.Serializer
	root   serializers.Serializer
}

// MetaType 描述一个可序列化类型。首次请求管线时冻结。
type MetaType struct {
	model *RuntimeTypeModel
	typ   reflect.Type
	key   int
	kind  typeKind

	settings TypeSettings
	// membersMu 保护 fields 与 subTypes，写入方同时持有模型锁，
	// 持有模型锁的内部路径可以直接读取。
	membersMu  sync.RWMutex
	fields     []*ValueMember
	subTypes   []*SubType
	base       *MetaType
	surrogate  *surrogateSpec
	callbacks  Callbacks
	factory    func() any
	ctor       reflect.Value
	enumValues []int64

	frozen *atomic.Bool
	built  atomic.Pointer[pipelines]
	builds *atomic.Int64
}

var _ serializers.TypeHandle = (*MetaType)(nil)

func newMetaType(m *RuntimeTypeModel, t reflect.Type, kind typeKind) *MetaType {
	return &MetaType{
		model: m,
		typ:   t,
		key:   -1,
		kind:  kind,
		settings: TypeSettings{
			Name:               t.String(),
			CompatibilityLevel: m.cfg.level,
		},
		frozen: atomic.NewBool(false),
		builds: atomic.NewInt64(0),
	}
}

// Key 返回类型在模型中的键，尚未发布时为 -1。
func (mt *MetaType) Key() int { return mt.key }

// Name 返回注册名，用于动态类型与引用消息中的类型名。
func (mt *MetaType) Name() string { return mt.settings.Name }

// Type 返回描述的类型。
func (mt *MetaType) Type() reflect.Type { return mt.typ }

// HandleType 返回运行期承载值的类型：结构体为 *S，其余为类型本身。
func (mt *MetaType) HandleType() reflect.Type {
	if mt.kind == kindStruct {
		return reflect.PointerTo(mt.typ)
	}
	return mt.typ
}

func (mt *MetaType) Settings() TypeSettings { return mt.settings }

func (mt *MetaType) IsFrozen() bool {
	return mt.frozen.Load()
}

// BaseType 返回基类型，没有时为 nil。
func (mt *MetaType) BaseType() *MetaType { return mt.base }

func (mt *MetaType) rootBase() *MetaType {
	cur := mt
	for cur.base != nil {
		cur = cur.base
	}
	return cur
}

// Fields 返回按字段编号排序的成员。
func (mt *MetaType) Fields() []*ValueMember {
	mt.membersMu.RLock()
	defer mt.membersMu.RUnlock()
	return slices.Clone(mt.fields)
}

// SubTypes 返回按字段编号排序的子类型。
func (mt *MetaType) SubTypes() []*SubType {
	mt.membersMu.RLock()
	defer mt.membersMu.RUnlock()
	return slices.Clone(mt.subTypes)
}

// Field 按字段编号查找成员。
func (mt *MetaType) Field(tag int) (*ValueMember, bool) {
	mt.membersMu.RLock()
	defer mt.membersMu.RUnlock()
	for _, f := range mt.fields {
		if f.tag == tag {
			return f, true
		}
	}
	return nil, false
}

func (mt *MetaType) mutate(op string, fn func() error) error {
	return mt.model.withLock(op+" "+mt.typ.String(), func() error {
		if err := mt.assertMutableLocked(op); err != nil {
			return err
		}
		return fn()
	})
}

func (mt *MetaType) assertMutableLocked(op string) error {
	if mt.model.frozen.Load() {
		return merr.WrapErrModelFrozen(op)
	}
	if mt.frozen.Load() {
		return merr.WrapErrTypeFrozen(mt.typ.String(), op)
	}
	return nil
}

// tagUsedLocked 返回占用 tag 的成员或子类型名。
func (mt *MetaType) tagUsedLocked(tag int) (string, bool) {
	for _, f := range mt.fields {
		if f.tag == tag {
			return f.name, true
		}
	}
	for _, st := range mt.subTypes {
		if st.tag == tag {
			return st.derived.typ.String(), true
		}
	}
	return "", false
}

func checkTag(typeName string, tag int) error {
	if tag < 1 || tag > wire.MaxFieldNumber {
		return merr.WrapErrInvalidTag(typeName, tag)
	}
	return nil
}

// AddField 以 tag 注册结构体字段 name。
func (mt *MetaType) AddField(tag int, name string) (*ValueMember, error) {
	var out *ValueMember
	err := mt.mutate("AddField", func() error {
		var err error
		out, err = mt.addFieldLocked(ValueMemberSettings{Tag: tag, Name: name}, nil)
		return err
	})
	return out, err
}

// Add 按顺序注册多个字段，编号从当前最大编号加一开始。
func (mt *MetaType) Add(names ...string) error {
	return mt.mutate("Add", func() error {
		next := 1
		for _, f := range mt.fields {
			next = max(next, f.tag+1)
		}
		for _, st := range mt.subTypes {
			next = max(next, st.tag+1)
		}
		for _, name := range names {
			if _, err := mt.addFieldLocked(ValueMemberSettings{Tag: next, Name: name}, nil); err != nil {
				return err
			}
			next++
		}
		return nil
	})
}

func (mt *MetaType) addFieldLocked(s ValueMemberSettings, d *DiscoveredField) (*ValueMember, error) {
	if mt.kind != kindStruct {
		return nil, merr.WrapErrInvalidMember(mt.typ.String(), s.Name, "only struct types declare fields")
	}
	if err := checkTag(mt.typ.String(), s.Tag); err != nil {
		return nil, err
	}
	if used, ok := mt.tagUsedLocked(s.Tag); ok {
		return nil, merr.WrapErrDuplicateTag(mt.typ.String(), s.Tag, used)
	}
	var index []int
	var ft reflect.Type
	if d != nil && d.Index != nil {
		index = d.Index
		ft = mt.typ.FieldByIndex(index).Type
	} else {
		sf, ok := mt.typ.FieldByName(s.Name)
		if !ok {
			return nil, merr.WrapErrInvalidMember(mt.typ.String(), s.Name, "no such field")
		}
		if !sf.IsExported() {
			return nil, merr.WrapErrInvalidMember(mt.typ.String(), s.Name, "field is not exported")
		}
		index, ft = sf.Index, sf.Type
	}
	for _, f := range mt.fields {
		if slices.Equal(f.index, index) {
			return nil, merr.WrapErrInvalidMember(mt.typ.String(), s.Name, fmt.Sprintf("field already registered at tag %d", f.tag))
		}
	}
	levels, err := expandLevels(ft, s.Levels)
	if err != nil {
		return nil, err
	}
	vm := &ValueMember{
		owner:    mt,
		tag:      s.Tag,
		name:     s.Name,
		index:    index,
		typ:      ft,
		levels:   levels,
		required: s.Required,
	}
	if d != nil {
		vm.specified = d.Specified
		vm.shouldSerialize = d.ShouldSerialize
	} else {
		vm.specified, vm.shouldSerialize = presenceAccessors(mt.typ, s.Name)
	}
	if s.DefaultValue != nil {
		if err := vm.setDefaultLocked(s.DefaultValue); err != nil {
			return nil, err
		}
	}
	mt.membersMu.Lock()
	mt.fields = append(mt.fields, vm)
	sort.Slice(mt.fields, func(i, j int) bool { return mt.fields[i].tag < mt.fields[j].tag })
	mt.membersMu.Unlock()
	return vm, nil
}

// AddSubType 以 tag 注册派生类型 t。结构体基类型要求 t 以值方式内嵌基类型，
// 接口基类型要求 *t 实现该接口。
func (mt *MetaType) AddSubType(tag int, t reflect.Type) (*SubType, error) {
	return mt.AddSubTypeFormat(tag, t, FormatDefault)
}

// AddSubTypeFormat 同 AddSubType，format 为 FormatGroup 时子类型消息使用分组。
func (mt *MetaType) AddSubTypeFormat(tag int, t reflect.Type, format DataFormat) (*SubType, error) {
	var out *SubType
	err := mt.mutate("AddSubType", func() error {
		var err error
		out, err = mt.addSubTypeLocked(tag, t, format)
		return err
	})
	return out, err
}

func (mt *MetaType) addSubTypeLocked(tag int, t reflect.Type, format DataFormat) (*SubType, error) {
	if mt.kind != kindStruct && mt.kind != kindInterface {
		return nil, merr.WrapErrInvalidSubType(mt.typ.String(), t.String(), "only struct and interface types have subtypes")
	}
	if err := mt.assertMutableLocked("AddSubType"); err != nil {
		return nil, err
	}
	if err := checkTag(mt.typ.String(), tag); err != nil {
		return nil, err
	}
	t = baseOf(t)
	if t.Kind() != reflect.Struct {
		return nil, merr.WrapErrInvalidSubType(mt.typ.String(), t.String(), "derived type must be a struct")
	}
	if t == mt.typ {
		return nil, merr.WrapErrSubTypeCycle(mt.typ.String(), t.String())
	}
	var path []int
	switch mt.kind {
	case kindInterface:
		if !reflect.PointerTo(t).Implements(mt.typ) {
			return nil, merr.WrapErrInvalidSubType(mt.typ.String(), t.String(), "derived type does not implement the interface")
		}
	case kindStruct:
		var ok bool
		if path, ok = embeddedPathOf(t, mt.typ); !ok {
			return nil, merr.WrapErrInvalidSubType(mt.typ.String(), t.String(), "derived type must embed the base by value")
		}
	}
	if format != FormatDefault && format != FormatGroup {
		return nil, merr.WrapErrInvalidSubType(mt.typ.String(), t.String(), "subtype format must be default or group")
	}

	derived, err := mt.model.addLocked(t, true)
	if err != nil {
		return nil, err
	}
	for _, st := range mt.subTypes {
		if st.derived == derived {
			if st.tag == tag {
				return st, nil
			}
			return nil, merr.WrapErrInvalidSubType(mt.typ.String(), t.String(), fmt.Sprintf("already registered at tag %d", st.tag))
		}
	}
	if used, ok := mt.tagUsedLocked(tag); ok {
		return nil, merr.WrapErrDuplicateTag(mt.typ.String(), tag, used)
	}
	for cur := mt; cur != nil; cur = cur.base {
		if cur == derived {
			return nil, merr.WrapErrSubTypeCycle(mt.typ.String(), t.String())
		}
	}
	if derived.base != nil && derived.base != mt {
		return nil, merr.WrapErrInvalidSubType(mt.typ.String(), t.String(), "derived type already has base "+derived.base.typ.String())
	}
	if derived.frozen.Load() {
		return nil, merr.WrapErrTypeFrozen(derived.typ.String(), "AddSubType")
	}

	derived.base = mt
	if path != nil {
		// 基类型的字段由基类型自己写出。
		derived.membersMu.Lock()
		derived.fields = slices.DeleteFunc(derived.fields, func(f *ValueMember) bool {
			return len(f.index) > len(path) && slices.Equal(f.index[:len(path)], path)
		})
		derived.membersMu.Unlock()
	}
	st := &SubType{tag: tag, derived: derived, format: format}
	mt.membersMu.Lock()
	mt.subTypes = append(mt.subTypes, st)
	sort.Slice(mt.subTypes, func(i, j int) bool { return mt.subTypes[i].tag < mt.subTypes[j].tag })
	mt.membersMu.Unlock()
	return st, nil
}

// embeddedPathOf 查找 base 以值方式匿名内嵌在 t 中的路径。
func embeddedPathOf(t, base reflect.Type) ([]int, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.Anonymous || f.Type.Kind() != reflect.Struct {
			continue
		}
		if f.Type == base {
			return []int{i}, true
		}
		if sub, ok := embeddedPathOf(f.Type, base); ok {
			return append([]int{i}, sub...), true
		}
	}
	return nil, false
}

// SetSurrogate 让类型的全部行为委托给 surrogate。to 把值转换为代理值，
// from 反向转换，两者可以额外返回 error。
func (mt *MetaType) SetSurrogate(surrogate reflect.Type, to, from any) error {
	return mt.mutate("SetSurrogate", func() error {
		return mt.setSurrogateLocked(surrogate, to, from)
	})
}

func (mt *MetaType) setSurrogateLocked(surrogate reflect.Type, to, from any) error {
	name := mt.typ.String()
	surrogate = baseOf(surrogate)
	if mt.kind != kindStruct {
		return merr.WrapErrInvalidSurrogate(name, surrogate.String(), "only struct types can use a surrogate")
	}
	if surrogate == mt.typ {
		return merr.WrapErrInvalidSurrogate(name, surrogate.String(), "type cannot be its own surrogate")
	}
	if surrogate.Kind() != reflect.Struct || isBuiltin(surrogate) {
		return merr.WrapErrInvalidSurrogate(name, surrogate.String(), "surrogate must be a struct")
	}
	if mt.base != nil || len(mt.subTypes) > 0 {
		return merr.WrapErrInvalidSurrogate(name, surrogate.String(), "types in a hierarchy cannot use a surrogate")
	}
	check := func(fn any, in, out reflect.Type) (reflect.Value, error) {
		v := reflect.ValueOf(fn)
		if !v.IsValid() || v.Kind() != reflect.Func {
			return reflect.Value{}, merr.WrapErrInvalidSurrogate(name, surrogate.String(), "conversion must be a function")
		}
		ft := v.Type()
		if ft.NumIn() != 1 || baseOf(ft.In(0)) != in || ft.NumOut() < 1 || ft.NumOut() > 2 || baseOf(ft.Out(0)) != out {
			return reflect.Value{}, merr.WrapErrInvalidSurrogate(name, surrogate.String(),
				fmt.Sprintf("conversion must be func(%s) %s", in, out))
		}
		if ft.NumOut() == 2 && ft.Out(1) != reflect.TypeOf((*error)(nil)).Elem() {
			return reflect.Value{}, merr.WrapErrInvalidSurrogate(name, surrogate.String(), "second result must be error")
		}
		return v, nil
	}
	toV, err := check(to, mt.typ, surrogate)
	if err != nil {
		return err
	}
	fromV, err := check(from, surrogate, mt.typ)
	if err != nil {
		return err
	}
	if _, err := mt.model.addLocked(surrogate, true); err != nil {
		return err
	}
	mt.surrogate = &surrogateSpec{typ: surrogate, to: toV, from: fromV}
	return nil
}

// SetMode 设置类型级模式，作为引用该类型的成员的默认模式。
func (mt *MetaType) SetMode(mode ObjectMode) error {
	return mt.mutate("SetMode", func() error {
		if mode < ModeDefault || mode > LateReference {
			return merr.WrapErrIncompatibleMode(mt.typ.String(), "", mode, "unknown mode")
		}
		mt.settings.Mode = mode
		return nil
	})
}

// SetName 修改注册名。
func (mt *MetaType) SetName(name string) error {
	return mt.mutate("SetName", func() error {
		if name == "" {
			return merr.WrapErrInvalidConfig("name", name, "type name must not be empty")
		}
		if err := mt.model.checkNameLocked(mt, name); err != nil {
			return err
		}
		if mt.key >= 0 {
			mt.model.byName.Delete(mt.settings.Name)
			mt.model.byName.Store(name, mt)
		}
		mt.settings.Name = name
		return nil
	})
}

func (mt *MetaType) SetCallbacks(cb Callbacks) error {
	return mt.mutate("SetCallbacks", func() error {
		if mt.kind != kindStruct {
			return merr.WrapErrOperationNotSupported("SetCallbacks", "only struct types have callbacks")
		}
		mt.callbacks = cb
		return nil
	})
}

// SetFactory 设置创建实例的工厂，返回值必须是 *T。
func (mt *MetaType) SetFactory(fn func() any) error {
	return mt.mutate("SetFactory", func() error {
		if mt.kind != kindStruct {
			return merr.WrapErrOperationNotSupported("SetFactory", "only struct types have factories")
		}
		mt.factory = fn
		return nil
	})
}

// SetConstructor 把类型作为元组处理：ctor 的参数按顺序对应成员，
// 返回 T 或 *T，可额外返回 error。
func (mt *MetaType) SetConstructor(ctor any) error {
	return mt.mutate("SetConstructor", func() error {
		v := reflect.ValueOf(ctor)
		if mt.kind != kindStruct || !v.IsValid() || v.Kind() != reflect.Func {
			return merr.WrapErrAmbiguousTuple(mt.typ.String(), "constructor must be a function on a struct type")
		}
		if ft := v.Type(); ft.NumOut() < 1 || baseOf(ft.Out(0)) != mt.typ {
			return merr.WrapErrAmbiguousTuple(mt.typ.String(), "constructor must return the type")
		}
		mt.ctor = v
		return nil
	})
}

// SetEnumValues 声明枚举的合法取值。配置了 strict-enums 时，未声明的值会被拒绝。
func (mt *MetaType) SetEnumValues(values ...int64) error {
	return mt.mutate("SetEnumValues", func() error {
		if mt.kind != kindEnum {
			return merr.WrapErrOperationNotSupported("SetEnumValues", mt.typ.String()+" is not an enum")
		}
		mt.enumValues = slices.Clone(values)
		return nil
	})
}

// Serializer 返回成员管线，首次调用时构建并冻结类型。
func (mt *MetaType) Serializer() (serializers.Serializer, error) {
	p, err := mt.pipelines()
	if err != nil {
		return nil, err
	}
	return p.member, nil
}

// RootSerializer 返回根管线。
func (mt *MetaType) RootSerializer() (serializers.Serializer, error) {
	p, err := mt.pipelines()
	if err != nil {
		return nil, err
	}
	return p.root, nil
}

// Body 返回结构体或接口类型的聚合节点。
func (mt *MetaType) Body() (*serializers.Aggregate, error) {
	p, err := mt.pipelines()
	if err != nil {
		return nil, err
	}
	if p.body == nil {
		return nil, merr.WrapErrTypeNotSupported(mt.typ.String(), "type has no message body")
	}
	return p.body, nil
}

// NewInstance 创建实例并执行初始化。
func (mt *MetaType) NewInstance() (reflect.Value, error) {
	switch {
	case mt.kind == kindStruct && (mt.surrogate != nil || mt.ctor.IsValid()):
		return reflect.New(mt.typ), nil
	case mt.kind == kindStruct:
		body, err := mt.Body()
		if err != nil {
			return reflect.Value{}, err
		}
		return body.NewInstance()
	case mt.kind == kindInterface:
		return reflect.Value{}, merr.WrapErrTypeNotSupported(mt.typ.String(), "interface types cannot be instantiated")
	}
	return reflect.New(mt.typ).Elem(), nil
}

// Covers 判断运行期类型 t 是否为该类型本身或已注册的派生类型。
func (mt *MetaType) Covers(t reflect.Type) bool {
	if t == mt.HandleType() {
		return true
	}
	if t.Kind() != reflect.Pointer {
		return false
	}
	cur := mt.model.Find(t)
	for ; cur != nil; cur = cur.base {
		if cur == mt {
			return true
		}
	}
	return false
}

func (mt *MetaType) String() string {
	return mt.settings.Name
}

// SubType 是基类型消息中承载派生类型的字段。
type SubType struct {
	tag     int
	derived *MetaType
	format  DataFormat
}

func (st *SubType) Tag() int              { return st.tag }
func (st *SubType) DerivedType() *MetaType { return st.derived }
func (st *SubType) Format() DataFormat    { return st.format }
