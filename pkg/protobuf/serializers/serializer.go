// Package serializers 包含序列化管线的节点。每个节点负责一种值形态，
// 节点之间按装饰器方式组合，组合工作由 meta 包中的构建器完成。
package serializers

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Kind 标识节点种类，用于描述与诊断。
type Kind int

const (
	KindScalar Kind = iota
	KindEnum
	KindTemporal
	KindUUID
	KindTag
	KindDefault
	KindNull
	KindNullable
	KindSubItem
	KindFieldLoop
	KindMetaRef
	KindPointer
	KindValue
	KindList
	KindMap
	KindAggregate
	KindTuple
	KindSurrogate
	KindNetObject
	KindDynamic
	KindBaseDelegate
	KindMessageRoot
	KindReferenceRoot
)

var kindNames = [...]string{
	"scalar", "enum", "temporal", "uuid", "tag", "default", "null", "nullable",
	"subitem", "fieldloop", "metaref", "pointer", "value", "list", "map",
	"aggregate", "tuple", "surrogate", "netobject", "dynamic", "basedelegate",
	"messageroot", "referenceroot",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Serializer 是管线节点。Write 写出 v；Read 读取一个值，cur 为当前值
// （可能无效），返回新值，由调用方负责赋值。
type Serializer interface {
	ExpectedType() reflect.Type
	WireType() wire.WireType
	Kind() Kind
	RequiresOldValue() bool
	ReturnsValue() bool
	Write(w *wire.Writer, v reflect.Value) error
	Read(r *wire.Reader, cur reflect.Value) (reflect.Value, error)
}

// TypeHandle 是节点对已注册类型的引用，管线按需通过它取得目标类型的节点，
// 因此递归类型不会在构建期展开。
type TypeHandle interface {
	Name() string
	Type() reflect.Type
	// HandleType 是运行期承载值的类型，结构体为其指针类型。
	HandleType() reflect.Type
	Serializer() (Serializer, error)
	Body() (*Aggregate, error)
	NewInstance() (reflect.Value, error)
	Covers(t reflect.Type) bool
}

// TypeResolver 按运行期类型或注册名查找类型。
type TypeResolver interface {
	ResolveType(t reflect.Type) (TypeHandle, error)
	ResolveName(name string) (TypeHandle, error)
}

// 生命周期钩子，由值自身实现。
type (
	BeforeSerializer   interface{ BeforeSerialize() }
	AfterSerializer    interface{ AfterSerialize() }
	BeforeDeserializer interface{ BeforeDeserialize() }
	AfterDeserializer  interface{ AfterDeserialize() }
)

type nodeBase struct {
	typ  reflect.Type
	kind Kind
}

func (b nodeBase) ExpectedType() reflect.Type { return b.typ }
func (b nodeBase) Kind() Kind                 { return b.kind }
func (nodeBase) RequiresOldValue() bool       { return false }
func (nodeBase) ReturnsValue() bool           { return true }

func isNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// concrete 剥离接口包装，返回动态值。
func concrete(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// assignTo 检查 v 能否放入类型为 t 的位置。
func assignTo(t reflect.Type, v reflect.Value) (reflect.Value, error) {
	if !v.IsValid() {
		return reflect.Zero(t), nil
	}
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if v.Type().ConvertibleTo(t) && v.Kind() == t.Kind() && v.Kind() != reflect.Pointer {
		return v.Convert(t), nil
	}
	return reflect.Value{}, merr.WrapErrUnexpectedSubType(t.String(), v.Type().String())
}

// adaptPointer 在 X 与 *X 之间转换 v，使其匹配 t。
func adaptPointer(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	if !v.IsValid() {
		return reflect.Zero(t), nil
	}
	vt := v.Type()
	switch {
	case vt.AssignableTo(t):
		return v, nil
	case t.Kind() == reflect.Pointer && vt == t.Elem():
		p := reflect.New(vt)
		p.Elem().Set(v)
		return p, nil
	case vt.Kind() == reflect.Pointer && vt.Elem() == t:
		if v.IsNil() {
			return reflect.Zero(t), nil
		}
		return v.Elem(), nil
	case vt.Kind() == reflect.Interface:
		return adaptPointer(concrete(v), t)
	}
	return reflect.Value{}, merr.WrapErrUnexpectedSubType(t.String(), vt.String())
}

type pathKey struct {
	from, to reflect.Type
}

var embeddedPaths sync.Map

// embeddedPath 查找 to 以值方式内嵌在 from 中的字段路径。
func embeddedPath(from, to reflect.Type) ([]int, bool) {
	key := pathKey{from, to}
	if p, ok := embeddedPaths.Load(key); ok {
		path := p.([]int)
		return path, path != nil
	}
	path := searchEmbedded(from, to, 0)
	embeddedPaths.Store(key, path)
	return path, path != nil
}

func searchEmbedded(from, to reflect.Type, depth int) []int {
	if depth > 8 || from.Kind() != reflect.Struct {
		return nil
	}
	for i := 0; i < from.NumField(); i++ {
		f := from.Field(i)
		if !f.Anonymous || f.Type.Kind() != reflect.Struct {
			continue
		}
		if f.Type == to {
			return []int{i}
		}
		if sub := searchEmbedded(f.Type, to, depth+1); sub != nil {
			return append([]int{i}, sub...)
		}
	}
	return nil
}

// structView 返回 v 所指对象中类型为 target 的结构体视图。v 为结构体指针。
func structView(v reflect.Value, target reflect.Type) (reflect.Value, error) {
	v = concrete(v)
	if !v.IsValid() || v.Kind() != reflect.Pointer || v.IsNil() {
		return reflect.Value{}, merr.WrapErrInvalidValue(target.String(), v, "expected non-nil struct pointer")
	}
	elem := v.Elem()
	if elem.Type() == target {
		return elem, nil
	}
	path, ok := embeddedPath(elem.Type(), target)
	if !ok {
		return reflect.Value{}, merr.WrapErrUnexpectedSubType(target.String(), elem.Type().String())
	}
	return elem.FieldByIndex(path), nil
}

// fieldByIndex 按路径读取字段，途经的空指针使字段视为不存在。
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, true
}

// fieldByIndexAlloc 按路径取得可写字段，途经的空指针会被分配。
func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

func subItemWireType(group bool) wire.WireType {
	if group {
		return wire.StartGroup
	}
	return wire.Bytes
}

func expectMessage(r *wire.Reader) error {
	switch r.WireType() {
	case wire.Bytes, wire.StartGroup:
		return nil
	default:
		return merr.WrapErrUnexpectedWireType(r.FieldNumber(), wire.Bytes, r.WireType())
	}
}
