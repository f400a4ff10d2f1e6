package meta

import (
	"fmt"
	"reflect"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// ValueMember 描述结构体的一个成员。levels[0] 对应字段的声明类型，
// 集合的每一层元素各占一层。所属类型冻结后不可修改。
type ValueMember struct {
	owner  *MetaType
	tag    int
	name   string
	index  []int
	typ    reflect.Type
	levels []MemberLevelSettings

	defaultValue    reflect.Value
	required        bool
	specified       []int
	shouldSerialize func(owner reflect.Value) bool
}

func (vm *ValueMember) Tag() int           { return vm.tag }
func (vm *ValueMember) Name() string       { return vm.name }
func (vm *ValueMember) Type() reflect.Type { return vm.typ }
func (vm *ValueMember) IsRequired() bool   { return vm.required }

// Level 返回第 i 层的设置。
func (vm *ValueMember) Level(i int) (MemberLevelSettings, bool) {
	if i < 0 || i >= len(vm.levels) {
		return MemberLevelSettings{}, false
	}
	return vm.levels[i], true
}

// Levels 返回层数。
func (vm *ValueMember) Levels() int { return len(vm.levels) }

// DefaultValue 返回配置的默认值。
func (vm *ValueMember) DefaultValue() (any, bool) {
	if !vm.defaultValue.IsValid() {
		return nil, false
	}
	return vm.defaultValue.Interface(), true
}

func (vm *ValueMember) hasPresence() bool {
	return vm.specified != nil || vm.shouldSerialize != nil
}

func (vm *ValueMember) innermost() *MemberLevelSettings {
	return &vm.levels[len(vm.levels)-1]
}

func (vm *ValueMember) mutate(op string, fn func() error) error {
	return vm.owner.mutate(op, fn)
}

func (vm *ValueMember) collectionLevel(op string) (*MemberLevelSettings, error) {
	if !vm.levels[0].IsCollection() {
		return nil, merr.WrapErrInvalidMember(vm.owner.typ.String(), vm.name, op+" requires a collection member")
	}
	return &vm.levels[0], nil
}

// SetDefault 设置默认值：等于默认值时不写出，新实例以它初始化。
func (vm *ValueMember) SetDefault(v any) error {
	return vm.mutate("SetDefault", func() error {
		return vm.setDefaultLocked(v)
	})
}

func (vm *ValueMember) setDefaultLocked(v any) error {
	if v == nil {
		vm.defaultValue = reflect.Value{}
		return nil
	}
	name := vm.owner.typ.String()
	if vm.levels[0].IsCollection() || nullable(vm.typ) {
		return merr.WrapErrInvalidDefaultValue(name, vm.name, "default values apply to non-nullable scalar members")
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type() == vm.typ:
	case rv.Type().ConvertibleTo(vm.typ) && sameFamily(rv.Kind(), vm.typ.Kind()):
		rv = rv.Convert(vm.typ)
	default:
		return merr.WrapErrInvalidDefaultValue(name, vm.name, fmt.Sprintf("%T is not compatible with %s", v, vm.typ))
	}
	vm.defaultValue = rv
	return nil
}

// sameFamily 防止数字与字符串之间的隐式转换。
func sameFamily(a, b reflect.Kind) bool {
	family := func(k reflect.Kind) int {
		switch k {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return 1
		case reflect.String:
			return 2
		case reflect.Bool:
			return 3
		}
		return int(k) + 16
	}
	return family(a) == family(b)
}

func (vm *ValueMember) SetRequired(required bool) error {
	return vm.mutate("SetRequired", func() error {
		vm.required = required
		return nil
	})
}

// SetDataFormat 设置最内层元素的编码格式。
func (vm *ValueMember) SetDataFormat(f DataFormat) error {
	return vm.mutate("SetDataFormat", func() error {
		vm.innermost().DataFormat = f
		return nil
	})
}

// SetMode 设置最内层元素的模式。
func (vm *ValueMember) SetMode(mode ObjectMode) error {
	return vm.mutate("SetMode", func() error {
		if mode < ModeDefault || mode > LateReference {
			return merr.WrapErrIncompatibleMode(vm.owner.typ.String(), vm.name, mode, "unknown mode")
		}
		vm.innermost().Mode = mode
		return nil
	})
}

func (vm *ValueMember) SetDynamicType(dynamic bool) error {
	return vm.mutate("SetDynamicType", func() error {
		vm.innermost().DynamicType = dynamic
		return nil
	})
}

// SetCollectionFormat 设置最外层集合的线路布局。
func (vm *ValueMember) SetCollectionFormat(f CollectionFormat) error {
	return vm.mutate("SetCollectionFormat", func() error {
		lvl, err := vm.collectionLevel("SetCollectionFormat")
		if err != nil {
			return err
		}
		lvl.Collection = f
		return nil
	})
}

func (vm *ValueMember) SetAppend(p AppendPolicy) error {
	return vm.mutate("SetAppend", func() error {
		lvl, err := vm.collectionLevel("SetAppend")
		if err != nil {
			return err
		}
		lvl.Append = p
		return nil
	})
}

// SetItemType 为接口元素指定具体类型。
func (vm *ValueMember) SetItemType(t reflect.Type) error {
	return vm.mutate("SetItemType", func() error {
		if _, err := vm.collectionLevel("SetItemType"); err != nil {
			return err
		}
		given := append([]MemberLevelSettings(nil), vm.levels...)
		given[0].ItemType = t
		levels, err := expandLevels(vm.typ, given)
		if err != nil {
			return err
		}
		vm.levels = levels
		return nil
	})
}

// SetConcreteType 指定读取时创建的集合类型，它必须能转换为声明类型。
func (vm *ValueMember) SetConcreteType(t reflect.Type) error {
	return vm.mutate("SetConcreteType", func() error {
		lvl, err := vm.collectionLevel("SetConcreteType")
		if err != nil {
			return err
		}
		if t.Kind() != vm.typ.Kind() || !t.ConvertibleTo(vm.typ) {
			return merr.WrapErrInvalidMember(vm.owner.typ.String(), vm.name, fmt.Sprintf("%s cannot materialize %s", t, vm.typ))
		}
		lvl.ConcreteType = t
		return nil
	})
}

// SetSpecified 指定一个 bool 字段作为成员的存在标记。
func (vm *ValueMember) SetSpecified(field string) error {
	return vm.mutate("SetSpecified", func() error {
		if field == "" {
			vm.specified = nil
			return nil
		}
		sf, ok := vm.owner.typ.FieldByName(field)
		if !ok || sf.Type.Kind() != reflect.Bool {
			return merr.WrapErrInvalidMember(vm.owner.typ.String(), vm.name, field+" is not a bool field")
		}
		vm.specified = sf.Index
		return nil
	})
}

// SetLevel 替换第 i 层的设置，各层的类型仍由声明类型推导。
func (vm *ValueMember) SetLevel(i int, s MemberLevelSettings) error {
	return vm.mutate("SetLevel", func() error {
		if i < 0 || i >= len(vm.levels) {
			return merr.WrapErrInvalidMember(vm.owner.typ.String(), vm.name, fmt.Sprintf("level %d out of range", i))
		}
		given := append([]MemberLevelSettings(nil), vm.levels...)
		given[i] = s
		levels, err := expandLevels(vm.typ, given)
		if err != nil {
			return err
		}
		vm.levels = levels
		return nil
	})
}
