package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameModel     = "model"
	FieldNameType      = "type"
	FieldNameMember    = "member"
	FieldNameTag       = "tag"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldModel 返回类型模型名称字段。
func FieldModel(name string) zap.Field {
	return zap.String(FieldNameModel, name)
}

// FieldType 返回被序列化类型名称字段。
func FieldType(name string) zap.Field {
	return zap.String(FieldNameType, name)
}

func FieldMember(name string) zap.Field {
	return zap.String(FieldNameMember, name)
}

func FieldTag(tag int) zap.Field {
	return zap.Int(FieldNameTag, tag)
}
