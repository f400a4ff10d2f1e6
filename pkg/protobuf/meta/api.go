package meta

import (
	"context"
	"io"
	"reflect"
	"runtime"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Marshal 把 v 编码为字节。结构体值按其指针类型编码，typed nil 编码为空消息。
func (m *RuntimeTypeModel) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, merr.WrapErrParameterMissing("value")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Struct {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		rv = p
	}
	root, err := m.RootSerializer(rv.Type())
	if err != nil {
		return nil, err
	}
	w := wire.NewWriter(m.cfg.MaxDepth)
	if err := root.Write(w, rv); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Serialize 把 v 编码后写入 dst。
func (m *RuntimeTypeModel) Serialize(dst io.Writer, v any) error {
	data, err := m.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := dst.Write(data); err != nil {
		return errors.Wrap(err, "write serialized value")
	}
	return nil
}

// Unmarshal 把 data 合并到 ptr 指向的值中：已有的集合被追加，
// 已有的子对象被合并，未出现的字段保持原值。
func (m *RuntimeTypeModel) Unmarshal(data []byte, ptr any) error {
	rv := reflect.ValueOf(ptr)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return merr.WrapErrParameterInvalidMsg("target must be a non-nil pointer, got %T", ptr)
	}
	target := rv.Elem()
	r := wire.NewReader(data, m.cfg.MaxDepth)

	if target.Kind() == reflect.Struct && !isBuiltin(target.Type()) {
		root, err := m.RootSerializer(rv.Type())
		if err != nil {
			return err
		}
		out, err := root.Read(r, rv)
		if err != nil {
			return err
		}
		if out.IsValid() && out.Pointer() != rv.Pointer() {
			view, err := viewOf(out, target.Type())
			if err != nil {
				return err
			}
			target.Set(view)
		}
		return nil
	}

	root, err := m.RootSerializer(target.Type())
	if err != nil {
		return err
	}
	var cur reflect.Value
	if !target.IsZero() {
		cur = target
	}
	out, err := root.Read(r, cur)
	if err != nil {
		return err
	}
	if !out.IsValid() {
		return nil
	}
	switch {
	case out.Type().AssignableTo(target.Type()):
		target.Set(out)
	case out.Type().ConvertibleTo(target.Type()):
		target.Set(out.Convert(target.Type()))
	default:
		return merr.WrapErrUnexpectedSubType(target.Type().String(), out.Type().String())
	}
	return nil
}

// Deserialize 读取 src 的全部内容并合并到 ptr。
func (m *RuntimeTypeModel) Deserialize(src io.Reader, ptr any) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return errors.Wrap(err, "read serialized value")
	}
	return m.Unmarshal(data, ptr)
}

// DeepClone 通过一次编码与解码复制 v，返回与 v 同类型的新值。
func (m *RuntimeTypeModel) DeepClone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := m.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := reflect.New(reflect.TypeOf(v))
	if err := m.Unmarshal(data, out.Interface()); err != nil {
		return nil, err
	}
	return out.Elem().Interface(), nil
}

// Prepare 并发构建 types 的根管线，使首次读写不再等待构建。
// 任一类型失败时返回第一个错误，其余类型的构建仍会完成。
func (m *RuntimeTypeModel) Prepare(ctx context.Context, types ...reflect.Type) error {
	if len(types) == 0 {
		return nil
	}
	pool := conc.NewPool[reflect.Type](min(len(types), runtime.GOMAXPROCS(0)), conc.WithName("prepare:"+m.name))
	defer pool.Release()

	futures := make([]*conc.Future[reflect.Type], 0, len(types))
	for _, t := range types {
		t := t
		futures = append(futures, pool.Submit(func() (reflect.Type, error) {
			if err := ctx.Err(); err != nil {
				return t, err
			}
			_, err := m.RootSerializer(t)
			return t, err
		}))
	}
	if err := conc.AwaitAll(futures...); err != nil {
		m.Logger().Warn("prepare types failed", zap.Int("types", len(types)), zap.Error(err))
		return err
	}
	m.Logger().Debug("types prepared", zap.Int("types", len(types)))
	return nil
}
