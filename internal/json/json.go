// Package json 是基于 bytedance/sonic 的 JSON 编解码入口，项目内统一经由此包使用 JSON。
package json

import (
	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal 按标准库兼容的行为编码 v。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent 编码 v 并缩进输出。
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// MarshalString 编码 v 并返回字符串。
func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 报告 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
