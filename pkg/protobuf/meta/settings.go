package meta

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/serializers"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// ObjectMode 是引用跟踪与版本兼容的模式，能力依次递增。
type ObjectMode int

const (
	ModeDefault ObjectMode = iota
	Compact
	MinimalEnhancement
	Reference
	LateReference
)

var objectModeNames = map[ObjectMode]string{
	ModeDefault:        "default",
	Compact:            "compact",
	MinimalEnhancement: "minimal",
	Reference:          "ref",
	LateReference:      "late",
}

func (m ObjectMode) String() string {
	if s, ok := objectModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("ObjectMode(%d)", int(m))
}

// tracksIdentity 表示该模式需要对象标识。
func (m ObjectMode) tracksIdentity() bool {
	return m == Reference || m == LateReference
}

// ParseObjectMode 解析配置中的模式名。
func ParseObjectMode(s string) (ObjectMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for mode, name := range objectModeNames {
		if name == s {
			return mode, nil
		}
	}
	switch s {
	case "minimalenhancement", "minimal-enhancement":
		return MinimalEnhancement, nil
	case "reference":
		return Reference, nil
	case "latereference", "late-reference":
		return LateReference, nil
	}
	return ModeDefault, merr.WrapErrInvalidConfig("mode", s, "unknown object mode")
}

type DataFormat = wire.DataFormat

const (
	FormatDefault        = wire.FormatDefault
	FormatZigZag         = wire.FormatZigZag
	FormatTwosComplement = wire.FormatTwosComplement
	FormatFixedSize      = wire.FormatFixedSize
	FormatGroup          = wire.FormatGroup
	FormatWellKnown      = wire.FormatWellKnown
)

// CollectionFormat 选择集合在线路上的布局。
type CollectionFormat int

const (
	CollectionDefault CollectionFormat = iota
	// Packed 对标量元素使用 packed 编码。
	Packed
	// NotPacked 每个元素各自带字段头。
	NotPacked
	// Enhanced 把整个集合包进一个子消息，可区分空集合与 nil。
	Enhanced
)

func (f CollectionFormat) String() string {
	switch f {
	case CollectionDefault:
		return "default"
	case Packed:
		return "packed"
	case NotPacked:
		return "unpacked"
	case Enhanced:
		return "enhanced"
	}
	return fmt.Sprintf("CollectionFormat(%d)", int(f))
}

func ParseCollectionFormat(s string) (CollectionFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return CollectionDefault, nil
	case "packed":
		return Packed, nil
	case "unpacked", "notpacked":
		return NotPacked, nil
	case "enhanced":
		return Enhanced, nil
	}
	return CollectionDefault, merr.WrapErrInvalidConfig("default-collection-format", s, "expected packed, unpacked or enhanced")
}

// AppendPolicy 决定读取集合时追加到已有值还是替换它。
type AppendPolicy int

const (
	AppendDefault AppendPolicy = iota
	Append
	Replace
)

func (p AppendPolicy) String() string {
	switch p {
	case Append:
		return "append"
	case Replace:
		return "replace"
	}
	return "default"
}

// MemberLevelSettings 描述成员某一嵌套层级的设置。集合层级的 ItemType
// 指向下一层的类型，最内层的 ItemType 为空。
type MemberLevelSettings struct {
	Type         reflect.Type
	ItemType     reflect.Type
	KeyType      reflect.Type
	ConcreteType reflect.Type
	Mode         ObjectMode
	DataFormat   DataFormat
	Collection   CollectionFormat
	Append       AppendPolicy
	DynamicType  bool
}

// IsCollection 表示该层级是集合。
func (s MemberLevelSettings) IsCollection() bool {
	return s.ItemType != nil
}

type ValueMemberSettings struct {
	Tag    int
	Name   string
	Levels []MemberLevelSettings
	// DefaultValue 为 nil 表示未配置默认值。
	DefaultValue any
	Required     bool
}

type TypeSettings struct {
	Name               string
	Mode               ObjectMode
	ImplicitFields     bool
	CompatibilityLevel semver.Version
	SkipDiscovery      bool
}

// isCollectionType 判断 t 是否按集合处理。字节切片是标量。
func isCollectionType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	case reflect.Array, reflect.Map:
		return true
	}
	return false
}

// isBuiltin 判断 t 是否由内置节点处理，不需要类型描述。
func isBuiltin(t reflect.Type) bool {
	if t == serializers.TimeType || t == serializers.DurationType || t == serializers.UUIDType {
		return true
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return true
	}
	return serializers.IsScalar(t) && !isEnumType(t)
}

var stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()

// isEnumType 判断命名整数类型是否实现了 fmt.Stringer。
func isEnumType(t reflect.Type) bool {
	if t.Name() == "" || t.PkgPath() == "" || t == serializers.DurationType {
		return false
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return t.Implements(stringerType)
	}
	return false
}

// nullable 判断 t 的值能否为 nil。
func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		return true
	}
	return false
}

// baseOf 返回承载类型对应的描述类型：*S 对应 S。
func baseOf(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		return t.Elem()
	}
	return t
}

// checkShape 拒绝不支持的类型形态。
func checkShape(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Uintptr,
		reflect.Complex64, reflect.Complex128, reflect.Invalid:
		return merr.WrapErrTypeNotSupported(t.String(), "unsupported kind "+t.Kind().String())
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Pointer {
			return merr.WrapErrTypeNotSupported(t.String(), "pointer to pointer")
		}
		return checkShape(t.Elem())
	case reflect.Array:
		if t.Elem().Kind() == reflect.Array {
			return merr.WrapErrTypeNotSupported(t.String(), "multi-rank array")
		}
	case reflect.Map:
		if !serializers.IsScalar(t.Key()) || t.Key().Kind() == reflect.Slice {
			return merr.WrapErrTypeNotSupported(t.String(), "map key must be a scalar")
		}
	}
	return nil
}

// expandLevels 从声明类型展开每一层的设置，given 中已有的选项被保留。
func expandLevels(t reflect.Type, given []MemberLevelSettings) ([]MemberLevelSettings, error) {
	var levels []MemberLevelSettings
	cur := t
	for i := 0; ; i++ {
		if err := checkShape(cur); err != nil {
			return nil, err
		}
		var lvl MemberLevelSettings
		if i < len(given) {
			lvl = given[i]
		}
		lvl.Type = cur
		if !isCollectionType(cur) {
			lvl.ItemType, lvl.KeyType = nil, nil
			levels = append(levels, lvl)
			return levels, nil
		}
		elem := cur.Elem()
		if lvl.ItemType != nil && lvl.ItemType != elem {
			if elem.Kind() != reflect.Interface || !implementsAny(lvl.ItemType, elem) {
				return nil, merr.WrapErrInvalidMember(t.String(), "", fmt.Sprintf("item type %s is not assignable to %s", lvl.ItemType, elem))
			}
		} else {
			lvl.ItemType = elem
		}
		if cur.Kind() == reflect.Map {
			lvl.KeyType = cur.Key()
		}
		levels = append(levels, lvl)
		cur = elem
	}
}

// implementsAny 判断 t 或 *t 能否赋给接口 iface。
func implementsAny(t, iface reflect.Type) bool {
	return t.Implements(iface) || reflect.PointerTo(t).Implements(iface)
}

// resolveLevels 填充所有未指定的选项。对已解析的设置再次调用不改变结果。
func (m *RuntimeTypeModel) resolveLevels(levels []MemberLevelSettings) []MemberLevelSettings {
	out := make([]MemberLevelSettings, len(levels))
	copy(out, levels)
	for i := range out {
		lvl := &out[i]
		if lvl.IsCollection() {
			if lvl.Collection == CollectionDefault {
				lvl.Collection = m.cfg.collection
			}
			if lvl.Append == AppendDefault {
				lvl.Append = Append
			}
			if lvl.ConcreteType == nil {
				lvl.ConcreteType = lvl.Type
			}
			// 集合层级本身不做引用跟踪。
			if lvl.Mode == ModeDefault {
				lvl.Mode = Compact
			}
			continue
		}
		if lvl.Mode == ModeDefault {
			lvl.Mode = m.defaultModeFor(lvl.Type)
		}
	}
	return out
}

// resolveLevelsLocked 先注册各元素层的槽位类型再推导默认选项，
// 使默认模式只取决于目标类型的设置，与注册先后无关。调用方持有模型锁。
func (m *RuntimeTypeModel) resolveLevelsLocked(levels []MemberLevelSettings) ([]MemberLevelSettings, error) {
	for _, lvl := range levels {
		if lvl.IsCollection() || lvl.Mode != ModeDefault || lvl.DynamicType || !carriesTypeMode(lvl.Type) {
			continue
		}
		// 冻结后无法注册，未知类型按 Compact 推导。
		if m.frozen.Load() && m.findLocked(baseOf(lvl.Type)) == nil {
			continue
		}
		if _, err := m.addLocked(lvl.Type, true); err != nil {
			return nil, err
		}
	}
	return m.resolveLevels(levels), nil
}

// carriesTypeMode 判断槽位类型能否携带类型级的对象模式。
func carriesTypeMode(t reflect.Type) bool {
	if t == nil {
		return false
	}
	base := baseOf(t)
	if isBuiltin(base) || isEnumType(base) {
		return false
	}
	if base.Kind() == reflect.Interface {
		return base.NumMethod() > 0
	}
	return base.Kind() == reflect.Struct
}

// defaultModeFor 从类型设置推导成员的默认模式，不可用时退回 Compact。
func (m *RuntimeTypeModel) defaultModeFor(t reflect.Type) ObjectMode {
	if isBuiltin(t) || isBuiltin(baseOf(derefScalar(t))) {
		return Compact
	}
	mt := m.findLocked(baseOf(t))
	if mt == nil || mt.settings.Mode == ModeDefault {
		return Compact
	}
	mode := mt.settings.Mode
	if mode.tracksIdentity() && !nullable(t) {
		return Compact
	}
	return mode
}

func derefScalar(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}
