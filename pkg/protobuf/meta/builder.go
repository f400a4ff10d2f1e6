package meta

import (
	"fmt"
	"reflect"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/serializers"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/typeutil"
)

// pipelines 返回已构建的管线，尚未构建时在模型锁内构建。
// 等待锁期间若其他调用方已完成构建，直接复用其结果。
func (mt *MetaType) pipelines() (*pipelines, error) {
	if p := mt.built.Load(); p != nil {
		return p, nil
	}
	var out *pipelines
	err := mt.model.withLock("Build "+mt.typ.String(), func() error {
		if p := mt.built.Load(); p != nil {
			out = p
			return nil
		}
		p, err := mt.buildLocked()
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (mt *MetaType) buildLocked() (*pipelines, error) {
	m := mt.model
	start := time.Now()
	var frozen []*MetaType
	for cur := mt; cur != nil; cur = cur.base {
		if cur.frozen.CompareAndSwap(false, true) {
			frozen = append(frozen, cur)
		}
	}
	p, err := mt.compileLocked()
	if err != nil {
		// 失败不缓存，类型恢复到构建前的状态。
		for _, cur := range frozen {
			cur.frozen.Store(false)
		}
		metrics.PipelineBuilds.WithLabelValues(m.name, metrics.FailLabel).Inc()
		m.Logger().ForType(mt.settings.Name).Debug("pipeline build failed", zap.Error(err))
		return nil, err
	}
	mt.built.Store(p)
	mt.builds.Inc()
	elapsed := time.Since(start)
	metrics.PipelineBuilds.WithLabelValues(m.name, metrics.SuccessLabel).Inc()
	metrics.PipelineBuildLatency.WithLabelValues(m.name).Observe(float64(elapsed.Microseconds()) / 1000)
	m.Logger().ForType(mt.settings.Name).Debug("pipeline built",
		zap.Stringer("root", p.root.Kind()),
		zap.Duration("elapsed", elapsed))
	return p, nil
}

func (mt *MetaType) compileLocked() (*pipelines, error) {
	b := &builder{model: mt.model, owner: mt.typ.String()}
	switch {
	case mt.surrogate != nil:
		sur := mt.model.findLocked(mt.surrogate.typ)
		if sur == nil {
			return nil, merr.WrapErrInvalidSurrogate(mt.typ.String(), mt.surrogate.typ.String(), "surrogate type is not registered")
		}
		member := serializers.NewSurrogate(mt.HandleType(), mt.surrogate.to, mt.surrogate.from, serializers.NewMetaRef(sur))
		root, err := mt.rootLocked(member)
		if err != nil {
			return nil, err
		}
		return &pipelines{member: member, root: root}, nil

	case mt.kind == kindEnum:
		node, err := serializers.NewEnum(mt.typ, mt.enumValues, mt.model.cfg.StrictEnums)
		if err != nil {
			return nil, err
		}
		root := serializers.NewTagRoot(serializers.NewDefault(serializers.NewTag(1, node), reflect.Value{}))
		return &pipelines{member: node, root: root}, nil

	case mt.kind == kindCollection:
		levels, err := expandLevels(mt.typ, nil)
		if err != nil {
			return nil, err
		}
		levels, err = mt.model.resolveLevelsLocked(levels)
		if err != nil {
			return nil, err
		}
		if err := b.validateLevels(levels); err != nil {
			return nil, err
		}
		member, err := b.buildLevel(levels, 0, 1)
		if err != nil {
			return nil, err
		}
		return &pipelines{member: member, root: serializers.NewTagRoot(member)}, nil

	case mt.ctor.IsValid():
		tuple, err := mt.buildTupleLocked(b)
		if err != nil {
			return nil, err
		}
		root, err := mt.rootLocked(tuple)
		if err != nil {
			return nil, err
		}
		return &pipelines{member: tuple, root: root}, nil
	}

	body, err := mt.buildAggregateLocked(b)
	if err != nil {
		return nil, err
	}
	var member serializers.Serializer = body
	if mt.base != nil {
		member = serializers.NewBaseDelegate(mt, mt.rootBase())
	}
	root, err := mt.rootLocked(member)
	if err != nil {
		return nil, err
	}
	return &pipelines{body: body, member: member, root: root}, nil
}

// rootLocked 选择根包装：需要对象标识或可达成员使用 LateReference 时使用
// 引用根，否则直接写出消息体。
func (mt *MetaType) rootLocked(member serializers.Serializer) (serializers.Serializer, error) {
	mode := mt.settings.Mode
	if mode != ModeDefault && mt.model.cfg.disabled.Contain(mode) {
		return nil, merr.WrapErrModeDisabled(mode, mt.typ.String())
	}
	late := mode == LateReference
	if late && mt.model.cfg.level.LT(wellKnownLevel) {
		return nil, merr.WrapErrModeDisabled(mode, mt.typ.String())
	}
	if late && (mt.surrogate != nil || mt.ctor.IsValid()) {
		return nil, merr.WrapErrIncompatibleMode(mt.typ.String(), "", mode, "late references need a plain struct or interface")
	}
	reaches, err := mt.model.reachesLateLocked(mt, typeutil.NewSet[*MetaType]())
	if err != nil {
		return nil, err
	}
	if !mode.tracksIdentity() && !reaches {
		return serializers.NewMessageRoot(member), nil
	}
	return serializers.NewReferenceRoot(serializers.NewNetObject(mt.HandleType(), mt, mt.model, late, false)), nil
}

// reachesLateLocked 判断从 mt 出发能否到达使用 LateReference 的成员，
// 途经的类型都会被注册。
func (m *RuntimeTypeModel) reachesLateLocked(mt *MetaType, seen typeutil.Set[*MetaType]) (bool, error) {
	if seen.Contain(mt) {
		return false, nil
	}
	seen.Insert(mt)
	if mt.settings.Mode == LateReference {
		return true, nil
	}
	next := make([]*MetaType, 0, len(mt.fields)+len(mt.subTypes)+1)
	for _, f := range mt.fields {
		levels, err := m.resolveLevelsLocked(f.levels)
		if err != nil {
			return false, err
		}
		inner := levels[len(levels)-1]
		if inner.Mode == LateReference {
			return true, nil
		}
		// 动态槽位的运行时类型在构建时未知，只要模型允许就按可能含有 late 处理。
		if inner.DynamicType && m.lateAllowed() {
			return true, nil
		}
		target := itemTarget(levels, len(levels)-1)
		if isBuiltin(derefScalar(target)) || isEnumType(target) || inner.DynamicType {
			continue
		}
		it, err := m.addLocked(target, true)
		if err != nil {
			return false, err
		}
		next = append(next, it)
	}
	next = append(next, lo.Map(mt.subTypes, func(st *SubType, _ int) *MetaType { return st.derived })...)
	if mt.base != nil {
		next = append(next, mt.base)
	}
	if mt.surrogate != nil {
		if sur := m.findLocked(mt.surrogate.typ); sur != nil {
			next = append(next, sur)
		}
	}
	for _, it := range next {
		ok, err := m.reachesLateLocked(it, seen)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// lateAllowed 判断模型配置是否允许 LateReference。
func (m *RuntimeTypeModel) lateAllowed() bool {
	return !m.cfg.disabled.Contain(LateReference) && !m.cfg.level.LT(wellKnownLevel)
}

// itemTarget 返回第 j 层实际使用的类型：上一层指定了 ItemType 时以它为准。
func itemTarget(levels []MemberLevelSettings, j int) reflect.Type {
	if j > 0 && levels[j-1].ItemType != nil {
		return levels[j-1].ItemType
	}
	return levels[j].Type
}

func (mt *MetaType) buildAggregateLocked(b *builder) (*serializers.Aggregate, error) {
	members, err := mt.buildMembersLocked(b)
	if err != nil {
		return nil, err
	}
	cfg := serializers.AggregateConfig{
		Handle:         mt,
		Members:        members,
		Callbacks:      mt.callbacks,
		StrictSubTypes: mt.model.cfg.StrictSubTypes,
		SubTypes: lo.Map(mt.subTypes, func(st *SubType, _ int) serializers.SubType {
			return serializers.SubType{Tag: st.tag, Handle: st.derived, Group: st.format == FormatGroup}
		}),
	}
	if mt.kind == kindStruct {
		cfg.Struct = mt.typ
		cfg.Create = mt.createFunc()
		cfg.Initializers = mt.initializersLocked()
	}
	return serializers.NewAggregate(cfg), nil
}

func (mt *MetaType) createFunc() func() (reflect.Value, error) {
	handle := mt.HandleType()
	if mt.factory == nil {
		return func() (reflect.Value, error) {
			return reflect.New(mt.typ), nil
		}
	}
	factory := mt.factory
	return func() (reflect.Value, error) {
		v := reflect.ValueOf(factory())
		if !v.IsValid() || v.Type() != handle || v.IsNil() {
			return reflect.Value{}, merr.WrapErrInvalidValue(mt.typ.String(), nil, fmt.Sprintf("factory must return a non-nil %s", handle))
		}
		return v, nil
	}
}

// initializersLocked 按最外层基类优先的顺序收集默认值与反序列化前回调。
func (mt *MetaType) initializersLocked() []func(reflect.Value) error {
	var chain []*MetaType
	for cur := mt; cur != nil; cur = cur.base {
		chain = append(chain, cur)
	}
	var out []func(reflect.Value) error
	for _, cur := range lo.Reverse(chain) {
		if cur.kind != kindStruct {
			continue
		}
		view := cur.typ
		for _, f := range cur.fields {
			if !f.defaultValue.IsValid() {
				continue
			}
			index, value := f.index, f.defaultValue
			out = append(out, func(inst reflect.Value) error {
				v, err := viewOf(inst, view)
				if err != nil {
					return err
				}
				v.FieldByIndex(index).Set(value)
				return nil
			})
		}
		if cb := cur.callbacks.BeforeDeserialize; cb != nil {
			out = append(out, func(inst reflect.Value) error {
				cb(inst.Interface())
				return nil
			})
		}
	}
	return out
}

// viewOf 返回实例中类型为 t 的结构体部分。
func viewOf(inst reflect.Value, t reflect.Type) (reflect.Value, error) {
	elem := inst.Elem()
	if elem.Type() == t {
		return elem, nil
	}
	path, ok := embeddedPathOf(elem.Type(), t)
	if !ok {
		return reflect.Value{}, merr.WrapErrUnexpectedSubType(t.String(), elem.Type().String())
	}
	return elem.FieldByIndex(path), nil
}

func (mt *MetaType) buildMembersLocked(b *builder) ([]serializers.Member, error) {
	out := make([]serializers.Member, 0, len(mt.fields))
	for _, f := range mt.fields {
		b.member = f.name
		node, err := b.buildMember(f)
		if err != nil {
			mt.model.Logger().ForType(mt.settings.Name).ForMember(f.name, f.tag).
				RatedDebug(1, "member build failed", zap.Error(err))
			return nil, err
		}
		out = append(out, serializers.Member{
			Tag:             f.tag,
			Name:            f.name,
			Index:           f.index,
			Node:            node,
			Required:        f.required,
			Specified:       f.specified,
			ShouldSerialize: f.shouldSerialize,
		})
	}
	b.member = ""
	return out, nil
}

// buildTupleLocked 把构造函数参数映射到成员：先按位置，类型不符时按唯一类型匹配。
func (mt *MetaType) buildTupleLocked(b *builder) (serializers.Serializer, error) {
	members, err := mt.buildMembersLocked(b)
	if err != nil {
		return nil, err
	}
	ft := mt.ctor.Type()
	name := mt.typ.String()
	if ft.NumIn() != len(members) {
		return nil, merr.WrapErrAmbiguousTuple(name, fmt.Sprintf("constructor takes %d arguments for %d members", ft.NumIn(), len(members)))
	}
	positional := true
	for i, f := range mt.fields {
		if ft.In(i) != f.typ {
			positional = false
			break
		}
	}
	if positional {
		return serializers.NewTuple(mt, mt.ctor, members)
	}
	if !mt.model.cfg.AutoTuple {
		return nil, merr.WrapErrAmbiguousTuple(name, "constructor parameters do not match members in order")
	}
	ordered := make([]serializers.Member, ft.NumIn())
	for i := 0; i < ft.NumIn(); i++ {
		candidates := lo.Filter(mt.fields, func(f *ValueMember, _ int) bool { return f.typ == ft.In(i) })
		if len(candidates) != 1 {
			return nil, merr.WrapErrAmbiguousTuple(name, fmt.Sprintf("parameter %d of type %s matches %d members", i, ft.In(i), len(candidates)))
		}
		idx := lo.IndexOf(mt.fields, candidates[0])
		ordered[i] = members[idx]
	}
	return serializers.NewTuple(mt, mt.ctor, ordered)
}

// builder 按层级组合节点。调用方持有模型锁。
type builder struct {
	model  *RuntimeTypeModel
	owner  string
	member string
	// unlocked 表示调用方未持锁，只能构建内置标量。
	unlocked bool
}

func (b *builder) buildMember(vm *ValueMember) (serializers.Serializer, error) {
	levels, err := b.model.resolveLevelsLocked(vm.levels)
	if err != nil {
		return nil, err
	}
	if err := b.validateMember(vm, levels); err != nil {
		return nil, err
	}
	node, err := b.buildLevel(levels, 0, vm.tag)
	if err != nil {
		return nil, err
	}
	if levels[0].IsCollection() {
		return node, nil
	}
	switch {
	case vm.defaultValue.IsValid():
		node = serializers.NewDefault(node, vm.defaultValue)
	case b.model.cfg.ImplicitZeroDefault && !vm.required && !vm.hasPresence() && zeroSkippable(vm.typ):
		node = serializers.NewDefault(node, reflect.Value{})
	}
	return node, nil
}

// zeroSkippable 判断零值能否省略写出。
func zeroSkippable(t reflect.Type) bool {
	return isBuiltin(t) || isEnumType(t)
}

// validateMember 集中检查成员的选项组合，发现冲突立即报错。
func (b *builder) validateMember(vm *ValueMember, levels []MemberLevelSettings) error {
	if vm.defaultValue.IsValid() {
		if vm.required {
			return merr.WrapErrInvalidDefaultValue(b.owner, vm.name, "a default value cannot be combined with required")
		}
		if vm.hasPresence() {
			return merr.WrapErrInvalidDefaultValue(b.owner, vm.name, "a default value cannot be combined with a presence accessor")
		}
	}
	if err := b.validateLevels(levels); err != nil {
		return err
	}
	if vm.required && levels[len(levels)-1].Mode == LateReference {
		return merr.WrapErrIncompatibleMode(b.owner, vm.name, LateReference, "late references cannot be required")
	}
	return nil
}

func (b *builder) validateLevels(levels []MemberLevelSettings) error {
	cfg := b.model.cfg
	for i, lvl := range levels {
		if lvl.Mode != ModeDefault && cfg.disabled.Contain(lvl.Mode) {
			return merr.WrapErrModeDisabled(lvl.Mode, b.owner)
		}
		if lvl.IsCollection() {
			// 集合层级总是 Compact，模式需设在元素层级上。
			if (lvl.Mode != ModeDefault && lvl.Mode != Compact) || lvl.DynamicType {
				return merr.WrapErrIncompatibleMode(b.owner, b.member, lvl.Mode, "collection levels are compact; set the mode on the item level")
			}
			if i > 0 && lvl.Collection == Enhanced {
				return merr.WrapErrIncompatibleMode(b.owner, b.member, lvl.Mode, "only the outermost collection can be enhanced")
			}
			continue
		}
		slot := lvl.Type
		if lvl.Mode.tracksIdentity() {
			if !isReferenceSlot(slot) {
				return merr.WrapErrIncompatibleMode(b.owner, b.member, lvl.Mode, "value types cannot track identity")
			}
			if lvl.Mode == LateReference && cfg.level.LT(wellKnownLevel) {
				return merr.WrapErrModeDisabled(lvl.Mode, b.owner)
			}
			if lvl.Mode == LateReference && lvl.DynamicType {
				return merr.WrapErrIncompatibleMode(b.owner, b.member, lvl.Mode, "dynamic types cannot be late references")
			}
		}
		if lvl.DynamicType && slot.Kind() != reflect.Interface {
			return merr.WrapErrIncompatibleMode(b.owner, b.member, lvl.Mode, "dynamic typing needs an interface slot")
		}
	}
	return nil
}

// isReferenceSlot 判断 t 能否承载对象标识。
func isReferenceSlot(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct && !isBuiltin(t.Elem())
	}
	return false
}

// buildLevel 构建第 i 层的字段节点，节点自行写出 field 的字段头。
func (b *builder) buildLevel(levels []MemberLevelSettings, i, field int) (serializers.Serializer, error) {
	lvl := levels[i]
	if lvl.IsCollection() {
		return b.buildCollection(levels, i, field)
	}
	item, err := b.buildItem(levels, i)
	if err != nil {
		return nil, err
	}
	var node serializers.Serializer = serializers.NewTag(field, item)
	if nullable(lvl.Type) {
		node = serializers.NewNull(node, false)
	}
	return node, nil
}

func (b *builder) buildCollection(levels []MemberLevelSettings, i, field int) (serializers.Serializer, error) {
	lvl := levels[i]
	enhanced := i == 0 && lvl.Collection == Enhanced
	inner := field
	if enhanced {
		inner = 1
	}
	next := levels[i+1]
	nested := next.IsCollection()

	var elem serializers.Serializer
	if nested {
		sub, err := b.buildCollection(levels, i+1, 1)
		if err != nil {
			return nil, err
		}
		elem = serializers.NewSubItem(serializers.NewCollectionLoop(1, sub), false)
	} else {
		item, err := b.buildItem(levels, i+1)
		if err != nil {
			return nil, err
		}
		if nullable(next.Type) && next.Mode == Compact && !next.DynamicType {
			item = serializers.NewNull(item, true)
		}
		elem = item
	}

	replace := lvl.Append == Replace
	var (
		node serializers.Serializer
		err  error
	)
	if lvl.Type.Kind() == reflect.Map {
		key, kerr := b.scalarNode(lvl.KeyType, FormatDefault)
		if kerr != nil {
			return nil, kerr
		}
		node, err = serializers.NewMap(inner, lvl.ConcreteType, key, elem, replace)
	} else {
		packed := i == 0 && lvl.Collection == Packed && !nested &&
			next.Mode == Compact && !nullable(next.Type) && elem.WireType().Packable()
		node, err = serializers.NewList(inner, lvl.ConcreteType, elem, packed, replace)
	}
	if err != nil {
		return nil, err
	}
	if enhanced {
		loop := serializers.NewCollectionLoop(1, node)
		node = serializers.NewNull(serializers.NewTag(field, serializers.NewSubItem(loop, false)), false)
	}
	return node, nil
}

// buildItem 构建最内层元素的节点，不含字段头。
func (b *builder) buildItem(levels []MemberLevelSettings, j int) (serializers.Serializer, error) {
	lvl := levels[j]
	slot := lvl.Type
	target := itemTarget(levels, j)
	group := lvl.DataFormat == FormatGroup

	if base := derefScalar(target); isBuiltin(base) || isEnumType(base) || b.isRegisteredEnum(base) {
		node, err := b.valueNode(base, lvl)
		if err != nil {
			return nil, err
		}
		if target.Kind() == reflect.Pointer {
			node = serializers.NewPointer(node)
		}
		if lvl.Mode == MinimalEnhancement {
			node = serializers.NewNullableWrapper(node, group)
		}
		return node, nil
	}

	h, err := b.model.addLocked(baseOf(target), true)
	if err != nil {
		return nil, err
	}
	if h.kind == kindCollection || h.kind == kindEnum {
		return nil, merr.WrapErrNoSerializer(b.owner, b.member)
	}
	var node serializers.Serializer
	switch {
	case lvl.Mode.tracksIdentity():
		if h.ctor.IsValid() {
			return nil, merr.WrapErrIncompatibleMode(b.owner, b.member, lvl.Mode, "tuples cannot track identity")
		}
		if lvl.Mode == LateReference && h.surrogate != nil {
			return nil, merr.WrapErrIncompatibleMode(b.owner, b.member, lvl.Mode, "surrogate types cannot be late references")
		}
		node = serializers.NewNetObject(slot, h, b.model, lvl.Mode == LateReference, lvl.DynamicType)
	case lvl.DynamicType:
		node = serializers.NewDynamicType(slot, b.model, group)
	default:
		node = serializers.NewSubItem(serializers.NewMetaRef(h), group)
		if lvl.Mode == MinimalEnhancement {
			node = serializers.NewNullableWrapper(node, group)
		}
	}
	if slot.Kind() == reflect.Struct {
		node = serializers.NewValueAdapter(slot, node)
	}
	return node, nil
}

func (b *builder) isRegisteredEnum(t reflect.Type) bool {
	if b.unlocked {
		return false
	}
	mt := b.model.findLocked(t)
	return mt != nil && mt.kind == kindEnum
}

// valueNode 为标量、时间、UUID 与枚举选择节点。
func (b *builder) valueNode(t reflect.Type, lvl MemberLevelSettings) (serializers.Serializer, error) {
	format := lvl.DataFormat
	group := format == FormatGroup
	legacy := b.model.cfg.level.LT(wellKnownLevel) && format != FormatWellKnown
	switch {
	case t == serializers.TimeType || t == serializers.DurationType:
		if format != FormatDefault && format != FormatGroup && format != FormatWellKnown {
			return nil, merr.WrapErrWrongTypeInTail(b.owner, b.member, "default, group or wellknown", format)
		}
		if legacy {
			return serializers.NewScaledTime(t, group), nil
		}
		return serializers.NewWellKnownTime(t, group), nil
	case t == serializers.UUIDType:
		switch {
		case format == FormatFixedSize:
			return serializers.NewUUID(serializers.UUIDBytes, false), nil
		case legacy:
			return serializers.NewUUID(serializers.UUIDLegacy, group), nil
		}
		return serializers.NewUUID(serializers.UUIDText, false), nil
	case isEnumType(t) || b.isRegisteredEnum(t):
		mt, err := b.model.addLocked(t, true)
		if err != nil {
			return nil, err
		}
		return serializers.NewEnum(t, mt.enumValues, b.model.cfg.StrictEnums)
	}
	return b.scalarNode(t, format)
}

func (b *builder) scalarNode(t reflect.Type, format DataFormat) (serializers.Serializer, error) {
	if format == FormatGroup || format == FormatWellKnown {
		format = FormatDefault
	}
	node, err := serializers.NewScalar(t, format)
	if err != nil {
		return nil, merr.WrapErrWrongTypeInTail(b.owner, b.member, t.String(), format)
	}
	return node, nil
}

// builtinRoot 构建内置标量作为根值时的管线：值写在字段 1。
func (m *RuntimeTypeModel) builtinRoot(t reflect.Type) (serializers.Serializer, error) {
	levels, err := expandLevels(t, nil)
	if err != nil {
		return nil, err
	}
	for i := range levels {
		levels[i].Mode = Compact
	}
	b := &builder{model: m, owner: t.String(), unlocked: true}
	node, err := b.buildLevel(levels, 0, 1)
	if err != nil {
		return nil, err
	}
	return serializers.NewTagRoot(serializers.NewDefault(node, reflect.Value{})), nil
}
