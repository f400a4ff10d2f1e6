package meta

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/serializers"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/typeutil"
)

// TagKey 是结构体标签的键。
const TagKey = "pb"

// DiscoveredField 是发现器给出的一个候选成员。
type DiscoveredField struct {
	Settings        ValueMemberSettings
	Index           []int
	Specified       []int
	ShouldSerialize func(owner reflect.Value) bool
}

// DiscoveredSubType 是发现器给出的一个子类型声明。
type DiscoveredSubType struct {
	Tag    int
	Type   reflect.Type
	Format DataFormat
}

// Discovery 是一次类型发现的结果。模型只在注册类型时调用一次发现器，
// 之后不再检查类型声明。
type Discovery struct {
	Settings   TypeSettings
	Fields     []DiscoveredField
	SubTypes   []DiscoveredSubType
	EnumValues []int64
	// Base 非空表示类型是 Base 的子类型，BaseTag 为其在基类型中的编号。
	Base       reflect.Type
	BaseTag    int
	BaseFormat DataFormat
}

// Discoverer 是元数据发现器。实现必须是纯函数，不能访问模型。
type Discoverer interface {
	Discover(t reflect.Type) (*Discovery, error)
}

type baseDecl struct {
	base   reflect.Type
	tag    int
	format DataFormat
}

// TagDiscoverer 从 pb 结构体标签读取成员。Go 没有类型级注解，子类型与枚举取值
// 通过 DeclareSubType / DeclareEnum 声明。
type TagDiscoverer struct {
	mu       sync.RWMutex
	subTypes map[reflect.Type][]DiscoveredSubType
	bases    map[reflect.Type]baseDecl
	enums    map[reflect.Type][]int64
}

var _ Discoverer = (*TagDiscoverer)(nil)

func NewTagDiscoverer() *TagDiscoverer {
	return &TagDiscoverer{
		subTypes: make(map[reflect.Type][]DiscoveredSubType),
		bases:    make(map[reflect.Type]baseDecl),
		enums:    make(map[reflect.Type][]int64),
	}
}

// DeclareSubType 声明 derived 是 base 在 tag 处的子类型。需在类型注册之前调用。
func (d *TagDiscoverer) DeclareSubType(base reflect.Type, tag int, derived reflect.Type, format DataFormat) error {
	base, derived = baseOf(base), baseOf(derived)
	if err := checkTag(base.String(), tag); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.bases[derived]; ok && (prev.base != base || prev.tag != tag) {
		return merr.WrapErrInvalidSubType(base.String(), derived.String(), "already declared under "+prev.base.String())
	}
	for _, st := range d.subTypes[base] {
		if st.Tag == tag && st.Type != derived {
			return merr.WrapErrDuplicateTag(base.String(), tag, st.Type.String())
		}
	}
	if _, ok := d.bases[derived]; !ok {
		d.subTypes[base] = append(d.subTypes[base], DiscoveredSubType{Tag: tag, Type: derived, Format: format})
	}
	d.bases[derived] = baseDecl{base: base, tag: tag, format: format}
	return nil
}

// DeclareEnum 声明枚举类型的合法取值。
func (d *TagDiscoverer) DeclareEnum(t reflect.Type, values ...int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enums[t] = slices.Clone(values)
}

func (d *TagDiscoverer) Discover(t reflect.Type) (*Discovery, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := &Discovery{}
	switch t.Kind() {
	case reflect.Struct:
		if err := d.discoverStruct(t, out); err != nil {
			return nil, err
		}
	case reflect.Interface:
		out.SubTypes = slices.Clone(d.subTypes[t])
	default:
		out.EnumValues = slices.Clone(d.enums[t])
	}
	return out, nil
}

func (d *TagDiscoverer) discoverStruct(t reflect.Type, out *Discovery) error {
	if decl, ok := d.bases[t]; ok {
		out.Base, out.BaseTag, out.BaseFormat = decl.base, decl.tag, decl.format
	}
	out.SubTypes = slices.Clone(d.subTypes[t])

	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.Name == "_" {
			if err := parseTypeOptions(t, f.Tag.Get(TagKey), &out.Settings); err != nil {
				return err
			}
		}
	}
	if out.Settings.SkipDiscovery {
		return nil
	}

	var skip []int
	if out.Base != nil && out.Base.Kind() == reflect.Struct {
		skip, _ = embeddedPathOf(t, out.Base)
	}
	var (
		candidates []candidate
		anyTagged  bool
	)
	collectFields(t, nil, skip, &candidates)
	for _, c := range candidates {
		if c.tag > 0 {
			anyTagged = true
		}
	}
	implicit := out.Settings.ImplicitFields || !anyTagged
	used := typeutil.NewTagSet(lo.FilterMap(candidates, func(c candidate, _ int) (int, bool) {
		return c.tag, c.tag > 0
	})...)
	next := 1
	for _, c := range candidates {
		if c.tag == 0 {
			if !implicit {
				continue
			}
			next = used.Claim(next)
			c.tag = next
		}
		field, err := buildField(t, c)
		if err != nil {
			return err
		}
		out.Fields = append(out.Fields, field)
	}
	return nil
}

type candidate struct {
	field reflect.StructField
	index []int
	tag   int
	opts  []string
}

// collectFields 按声明顺序收集导出字段，展开未加标签的匿名结构体。
func collectFields(t reflect.Type, prefix, skip []int, out *[]candidate) {
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		names[t.Field(i).Name] = true
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(slices.Clone(prefix), i)
		if slices.Equal(index, skip) || f.Name == "_" {
			continue
		}
		tag, hasTag := f.Tag.Lookup(TagKey)
		if tag == "-" {
			continue
		}
		if f.Anonymous && !hasTag && f.Type.Kind() == reflect.Struct && !isBuiltin(f.Type) {
			collectFields(f.Type, index, skip, out)
			continue
		}
		if !f.IsExported() {
			continue
		}
		// XxxSpecified 是 Xxx 的存在标记，不是成员。
		if base, ok := strings.CutSuffix(f.Name, "Specified"); ok && f.Type.Kind() == reflect.Bool && names[base] && !hasTag {
			continue
		}
		c := candidate{field: f, index: index}
		if hasTag {
			parts := strings.Split(tag, ",")
			if n := strings.TrimSpace(parts[0]); n != "" {
				num, err := strconv.Atoi(n)
				if err != nil || num < 1 {
					num = -1
				}
				c.tag = num
			}
			c.opts = parts[1:]
		}
		*out = append(*out, c)
	}
}

func buildField(owner reflect.Type, c candidate) (DiscoveredField, error) {
	name := c.field.Name
	if c.tag < 0 {
		return DiscoveredField{}, merr.WrapErrInvalidMember(owner.String(), name, "invalid field number in tag")
	}
	levels, err := expandLevels(c.field.Type, nil)
	if err != nil {
		return DiscoveredField{}, err
	}
	s := ValueMemberSettings{Tag: c.tag, Name: name, Levels: levels}
	inner := &s.Levels[len(s.Levels)-1]
	outer := &s.Levels[0]
	for _, opt := range c.opts {
		opt = strings.TrimSpace(opt)
		key, val, _ := strings.Cut(opt, "=")
		switch key {
		case "":
		case "zigzag":
			inner.DataFormat = FormatZigZag
		case "fixed":
			inner.DataFormat = FormatFixedSize
		case "twos":
			inner.DataFormat = FormatTwosComplement
		case "group":
			inner.DataFormat = FormatGroup
		case "wellknown":
			inner.DataFormat = FormatWellKnown
		case "packed":
			outer.Collection = Packed
		case "unpacked":
			outer.Collection = NotPacked
		case "enhanced":
			outer.Collection = Enhanced
		case "compact":
			inner.Mode = Compact
		case "minimal":
			inner.Mode = MinimalEnhancement
		case "ref":
			inner.Mode = Reference
		case "late":
			inner.Mode = LateReference
		case "dynamic":
			inner.DynamicType = true
		case "required":
			s.Required = true
		case "replace":
			outer.Append = Replace
		case "append":
			outer.Append = Append
		case "default":
			v, err := parseLiteral(c.field.Type, val)
			if err != nil {
				return DiscoveredField{}, merr.WrapErrInvalidDefaultValue(owner.String(), name, err.Error())
			}
			s.DefaultValue = v
		default:
			return DiscoveredField{}, merr.WrapErrInvalidMember(owner.String(), name, "unknown tag option "+opt)
		}
	}
	specified, should := presenceAccessors(owner, name)
	return DiscoveredField{Settings: s, Index: c.index, Specified: specified, ShouldSerialize: should}, nil
}

func parseTypeOptions(t reflect.Type, tag string, s *TypeSettings) error {
	for _, opt := range strings.Split(tag, ",") {
		opt = strings.TrimSpace(opt)
		key, val, _ := strings.Cut(opt, "=")
		switch key {
		case "":
		case "name":
			s.Name = val
		case "compact":
			s.Mode = Compact
		case "minimal":
			s.Mode = MinimalEnhancement
		case "ref":
			s.Mode = Reference
		case "late":
			s.Mode = LateReference
		case "implicit":
			s.ImplicitFields = true
		case "skip":
			s.SkipDiscovery = true
		default:
			return merr.WrapErrInvalidConfig(t.String(), opt, "unknown type option")
		}
	}
	return nil
}

// presenceAccessors 查找 <name>Specified 字段与 ShouldSerialize<name> 方法。
func presenceAccessors(owner reflect.Type, name string) ([]int, func(reflect.Value) bool) {
	var specified []int
	if sf, ok := owner.FieldByName(name + "Specified"); ok && sf.IsExported() && sf.Type.Kind() == reflect.Bool {
		specified = sf.Index
	}
	method, ok := reflect.PointerTo(owner).MethodByName("ShouldSerialize" + name)
	if !ok || method.Type.NumIn() != 1 || method.Type.NumOut() != 1 || method.Type.Out(0).Kind() != reflect.Bool {
		return specified, nil
	}
	idx := method.Index
	return specified, func(v reflect.Value) bool {
		return v.Method(idx).Call(nil)[0].Bool()
	}
}

// parseLiteral 把标签中的默认值解析为 t 类型的值。
func parseLiteral(t reflect.Type, s string) (any, error) {
	if t == serializers.DurationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 0, t.Bits())
		if err != nil {
			return nil, err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 0, t.Bits())
		if err != nil {
			return nil, err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, t.Bits())
		if err != nil {
			return nil, err
		}
		v.SetFloat(f)
	case reflect.String:
		v.SetString(s)
	default:
		return nil, fmt.Errorf("no literal form for %s", t)
	}
	return v.Interface(), nil
}

// applyDiscoveryLocked 把发现结果应用到新建的类型上。
func (m *RuntimeTypeModel) applyDiscoveryLocked(mt *MetaType) error {
	d, err := m.discoverer.Discover(mt.typ)
	if err != nil {
		return err
	}
	if d.Settings.Name != "" {
		mt.settings.Name = d.Settings.Name
	}
	mt.settings.Mode = d.Settings.Mode
	mt.settings.ImplicitFields = d.Settings.ImplicitFields
	mt.settings.SkipDiscovery = d.Settings.SkipDiscovery
	if len(d.EnumValues) > 0 && mt.kind == kindEnum {
		mt.enumValues = d.EnumValues
	}

	if d.Base != nil {
		base, err := m.addLocked(d.Base, true)
		if err != nil {
			return err
		}
		if mt.base == nil {
			if _, err := base.addSubTypeLocked(d.BaseTag, mt.typ, d.BaseFormat); err != nil {
				return err
			}
		}
	}
	for i := range d.Fields {
		f := &d.Fields[i]
		if _, err := mt.addFieldLocked(f.Settings, f); err != nil {
			return err
		}
	}
	for _, st := range d.SubTypes {
		if _, err := mt.addSubTypeLocked(st.Tag, st.Type, st.Format); err != nil {
			return err
		}
	}
	return nil
}
