package codec

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/lk2023060901/danmu-garden-protobuf/internal/json"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/meta"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// Serializer 抽象了“对象 <-> 字节”的序列化能力。
type Serializer interface {
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节解码到 v，v 通常为指针。
	Unmarshal(data []byte, v any) error
}

// ModelSerializer 使用运行时类型模型编解码，Model 为 nil 时使用默认模型。
type ModelSerializer struct {
	Model *meta.RuntimeTypeModel
}

var _ Serializer = ModelSerializer{}

func (s ModelSerializer) model() *meta.RuntimeTypeModel {
	if s.Model == nil {
		return meta.Default()
	}
	return s.Model
}

func (s ModelSerializer) Marshal(v any) ([]byte, error) {
	return s.model().Marshal(v)
}

func (s ModelSerializer) Unmarshal(data []byte, v any) error {
	return s.model().Unmarshal(data, v)
}

// JSONSerializer 使用 internal/json（基于 bytedance/sonic）编解码。
type JSONSerializer struct{}

var _ Serializer = JSONSerializer{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ProtoSerializer 使用生成的 protobuf 代码编解码，对象必须实现 proto.Message。
type ProtoSerializer struct{}

var _ Serializer = ProtoSerializer{}

func (ProtoSerializer) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("serializer: ProtoSerializer requires proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (ProtoSerializer) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("serializer: ProtoSerializer requires proto.Message, got %T", v)
	}
	return proto.UnmarshalOptions{Merge: true}.Unmarshal(data, msg)
}

// NewSerializer 按名称创建序列化器：model（默认）、json、proto。
func NewSerializer(name string, model *meta.RuntimeTypeModel) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "model":
		return ModelSerializer{Model: model}, nil
	case "json":
		return JSONSerializer{}, nil
	case "proto":
		return ProtoSerializer{}, nil
	}
	return nil, merr.WrapErrInvalidConfig("serializer", name, "expect model, json or proto")
}
