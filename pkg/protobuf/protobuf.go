// Package protobuf 提供基于默认类型模型的便捷入口。
package protobuf

import (
	"context"
	"io"
	"reflect"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/meta"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Model 返回进程内的默认类型模型。
func Model() *meta.RuntimeTypeModel {
	return meta.Default()
}

func Marshal(v any) ([]byte, error) {
	return meta.Default().Marshal(v)
}

func Serialize(w io.Writer, v any) error {
	return meta.Default().Serialize(w, v)
}

// Unmarshal 解码出一个新的 T。
func Unmarshal[T any](data []byte) (T, error) {
	var out T
	if err := meta.Default().Unmarshal(data, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Merge 把 data 合并到 dst 已有的内容上。
func Merge[T any](data []byte, dst *T) error {
	return meta.Default().Unmarshal(data, dst)
}

func Deserialize[T any](r io.Reader) (T, error) {
	var out T
	if err := meta.Default().Deserialize(r, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// DeepClone 通过一次编码与解码复制 v。
func DeepClone[T any](v T) (T, error) {
	out, err := meta.Default().DeepClone(v)
	if err != nil || out == nil {
		var zero T
		return zero, err
	}
	clone, ok := out.(T)
	if !ok {
		var zero T
		return zero, merr.WrapErrUnexpectedSubType(reflect.TypeFor[T]().String(), reflect.TypeOf(out).String())
	}
	return clone, nil
}

// Prepare 预先构建 T 的管线。
func Prepare[T any](ctx context.Context) error {
	return meta.Default().Prepare(ctx, reflect.TypeFor[T]())
}
