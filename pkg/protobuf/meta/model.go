// Package meta 维护类型模型：类型描述（MetaType）、成员描述（ValueMember）、
// 子类型关系以及按需构建的序列化管线。
//
// 结构性修改（注册类型、增加字段或子类型、修改设置、构建管线）都在模型锁内
// 进行；管线构建完成后，读写过程不再获取该锁。
package meta

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/serializers"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// RuntimeTypeModel 是类型注册表。键在模型生命周期内稳定且不复用。
type RuntimeTypeModel struct {
	log.Binder

	name       string
	cfg        *modelConfig
	discoverer Discoverer
	lock       *modelLock

	// types 为已发布的类型快照，写入只发生在持锁提交时。
	types  atomic.Pointer[[]*MetaType]
	byType sync.Map // reflect.Type -> *MetaType
	byName sync.Map // string -> *MetaType

	// staging 保存本次持锁期间新建、尚未发布的类型。
	staging      map[reflect.Type]*MetaType
	stagingOrder []*MetaType

	frozen *atomic.Bool
	roots  sync.Map // reflect.Type -> serializers.Serializer
}

var _ serializers.TypeResolver = (*RuntimeTypeModel)(nil)

var (
	defaultModel     *RuntimeTypeModel
	defaultModelOnce sync.Once
)

// Default 返回进程级默认模型。
func Default() *RuntimeTypeModel {
	defaultModelOnce.Do(func() {
		m, err := New()
		if err != nil {
			panic(err)
		}
		defaultModel = m
	})
	return defaultModel
}

// New 创建类型模型。
func New(opts ...Option) (*RuntimeTypeModel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	cfg, err := o.cfg.compile()
	if err != nil {
		return nil, err
	}
	if o.lockTimeout > 0 {
		cfg.LockTimeout = o.lockTimeout
	}
	if o.maxDepth > 0 {
		cfg.MaxDepth = o.maxDepth
	}
	m := &RuntimeTypeModel{
		name:       o.name,
		cfg:        cfg,
		discoverer: o.discoverer,
		staging:    make(map[reflect.Type]*MetaType),
		frozen:     atomic.NewBool(false),
	}
	if m.discoverer == nil {
		m.discoverer = NewTagDiscoverer()
	}
	m.Bind(o.logger, log.FieldComponent("type-model"), log.FieldModel(m.name))
	m.lock = newModelLock(m.name, cfg.LockTimeout, cfg.CaptureLockStack, o.onContention, m.Logger)
	empty := make([]*MetaType, 0)
	m.types.Store(&empty)
	return m, nil
}

func (m *RuntimeTypeModel) Name() string {
	return m.name
}

// Config 返回模型使用的配置。
func (m *RuntimeTypeModel) Config() Config {
	return m.cfg.Config
}

// Discoverer 返回模型使用的元数据发现器。
func (m *RuntimeTypeModel) Discoverer() Discoverer {
	return m.discoverer
}

// withLock 在模型锁内执行 fn。fn 成功时发布新建的类型，失败时丢弃它们。
func (m *RuntimeTypeModel) withLock(op string, fn func() error) error {
	if err := m.lock.acquire(op); err != nil {
		return err
	}
	defer m.lock.release()
	if err := fn(); err != nil {
		m.rollbackLocked()
		return err
	}
	m.commitLocked()
	return nil
}

func (m *RuntimeTypeModel) commitLocked() {
	if len(m.stagingOrder) == 0 {
		return
	}
	cur := *m.types.Load()
	next := make([]*MetaType, len(cur), len(cur)+len(m.stagingOrder))
	copy(next, cur)
	for _, mt := range m.stagingOrder {
		mt.key = len(next)
		next = append(next, mt)
		m.byType.Store(mt.typ, mt)
		m.byName.Store(mt.settings.Name, mt)
		m.Logger().Debug("type registered",
			log.FieldType(mt.settings.Name),
			zap.Int("key", mt.key),
			zap.Stringer("kind", mt.kind))
	}
	m.types.Store(&next)
	metrics.RegisteredTypes.WithLabelValues(m.name).Add(float64(len(m.stagingOrder)))
	m.staging = make(map[reflect.Type]*MetaType)
	m.stagingOrder = nil
}

func (m *RuntimeTypeModel) rollbackLocked() {
	for _, mt := range m.stagingOrder {
		// 已发布的基类型可能在本次操作中记录了新的子类型。
		if mt.base != nil && mt.base.key >= 0 {
			mt.base.membersMu.Lock()
			mt.base.subTypes = lo.Filter(mt.base.subTypes, func(st *SubType, _ int) bool {
				return st.derived != mt
			})
			mt.base.membersMu.Unlock()
		}
	}
	m.staging = make(map[reflect.Type]*MetaType)
	m.stagingOrder = nil
}

func (m *RuntimeTypeModel) findLocked(t reflect.Type) *MetaType {
	if mt, ok := m.staging[t]; ok {
		return mt
	}
	if v, ok := m.byType.Load(t); ok {
		return v.(*MetaType)
	}
	return nil
}

// Find 返回已注册的类型描述，不存在时返回 nil。*S 与 S 视为同一类型。
func (m *RuntimeTypeModel) Find(t reflect.Type) *MetaType {
	if t == nil {
		return nil
	}
	if v, ok := m.byType.Load(baseOf(t)); ok {
		return v.(*MetaType)
	}
	return nil
}

// FindByName 按注册名查找类型。
func (m *RuntimeTypeModel) FindByName(name string) (*MetaType, bool) {
	if v, ok := m.byName.Load(name); ok {
		return v.(*MetaType), true
	}
	return nil, false
}

// IsDefined 判断 t 是否已注册。
func (m *RuntimeTypeModel) IsDefined(t reflect.Type) bool {
	return m.Find(t) != nil
}

// MetaTypeByKey 按键返回类型描述。
func (m *RuntimeTypeModel) MetaTypeByKey(key int) (*MetaType, error) {
	types := *m.types.Load()
	if key < 0 || key >= len(types) {
		return nil, merr.WrapErrTypeNotFound(fmt.Sprintf("key %d", key))
	}
	return types[key], nil
}

// Types 返回按键排序的全部类型。
func (m *RuntimeTypeModel) Types() []*MetaType {
	types := *m.types.Load()
	out := make([]*MetaType, len(types))
	copy(out, types)
	return out
}

// Add 注册类型。applyDefaults 为 true 时通过发现器填充字段与子类型。
// 已注册的类型直接返回。
func (m *RuntimeTypeModel) Add(t reflect.Type, applyDefaults bool) (*MetaType, error) {
	if t == nil {
		return nil, merr.WrapErrParameterMissing("type")
	}
	if mt := m.Find(t); mt != nil {
		return mt, nil
	}
	var out *MetaType
	err := m.withLock("Add "+t.String(), func() error {
		var err error
		out, err = m.addLocked(t, applyDefaults)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve 返回类型的键。类型不存在且 createIfMissing 为 true 时注册它。
func (m *RuntimeTypeModel) Resolve(t reflect.Type, createIfMissing bool) (int, error) {
	mt, err := m.metaTypeFor(t, createIfMissing)
	if err != nil {
		return -1, err
	}
	return mt.key, nil
}

func (m *RuntimeTypeModel) metaTypeFor(t reflect.Type, create bool) (*MetaType, error) {
	if mt := m.Find(t); mt != nil {
		return mt, nil
	}
	if !create || !m.cfg.AutoAddMissingTypes {
		return nil, merr.WrapErrTypeNotFound(t.String())
	}
	return m.Add(t, true)
}

func (m *RuntimeTypeModel) addLocked(t reflect.Type, applyDefaults bool) (*MetaType, error) {
	t = baseOf(t)
	if mt := m.findLocked(t); mt != nil {
		return mt, nil
	}
	if m.frozen.Load() {
		return nil, merr.WrapErrModelFrozen("add " + t.String())
	}
	kind, err := classify(t)
	if err != nil {
		return nil, err
	}
	mt := newMetaType(m, t, kind)
	m.staging[t] = mt
	m.stagingOrder = append(m.stagingOrder, mt)
	if applyDefaults {
		if err := m.applyDiscoveryLocked(mt); err != nil {
			return nil, err
		}
	}
	if err := m.checkNameLocked(mt, mt.settings.Name); err != nil {
		return nil, err
	}
	return mt, nil
}

func (m *RuntimeTypeModel) checkNameLocked(mt *MetaType, name string) error {
	if v, ok := m.byName.Load(name); ok && v.(*MetaType) != mt {
		return merr.WrapErrInvalidConfig("name", name, "type name already used by "+v.(*MetaType).typ.String())
	}
	for _, other := range m.stagingOrder {
		if other != mt && other.settings.Name == name {
			return merr.WrapErrInvalidConfig("name", name, "type name already used by "+other.typ.String())
		}
	}
	return nil
}

// Freeze 禁止之后的一切结构性修改，可重复调用。
func (m *RuntimeTypeModel) Freeze() error {
	if m.frozen.Load() {
		return nil
	}
	return m.withLock("Freeze", func() error {
		if m.frozen.CompareAndSwap(false, true) {
			m.Logger().Info("type model frozen", zap.Int("types", len(*m.types.Load())))
		}
		return nil
	})
}

func (m *RuntimeTypeModel) IsFrozen() bool {
	return m.frozen.Load()
}

// LockContention 返回累计的锁竞争次数，仅用于诊断。
func (m *RuntimeTypeModel) LockContention() int64 {
	return m.lock.contention.Load()
}

// ResolveType 实现 serializers.TypeResolver。
func (m *RuntimeTypeModel) ResolveType(t reflect.Type) (serializers.TypeHandle, error) {
	return m.metaTypeFor(t, true)
}

// ResolveName 实现 serializers.TypeResolver。
func (m *RuntimeTypeModel) ResolveName(name string) (serializers.TypeHandle, error) {
	mt, ok := m.FindByName(name)
	if !ok {
		return nil, merr.WrapErrTypeNotFound(name, "no type registered under this name")
	}
	return mt, nil
}

// RootSerializer 返回 t 的根管线。内置标量不注册类型，其根管线单独缓存。
func (m *RuntimeTypeModel) RootSerializer(t reflect.Type) (serializers.Serializer, error) {
	if t == nil {
		return nil, merr.WrapErrParameterMissing("type")
	}
	if isBuiltin(derefScalar(t)) {
		if s, ok := m.roots.Load(t); ok {
			return s.(serializers.Serializer), nil
		}
		s, err := m.builtinRoot(t)
		if err != nil {
			return nil, err
		}
		actual, _ := m.roots.LoadOrStore(t, s)
		return actual.(serializers.Serializer), nil
	}
	mt, err := m.metaTypeFor(t, true)
	if err != nil {
		return nil, err
	}
	return mt.RootSerializer()
}
