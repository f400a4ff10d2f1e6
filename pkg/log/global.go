// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxLogKeyType struct{}

var CtxLogKey = ctxLogKeyType{}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// RatedDebug 经全局限流器以 Debug 级别输出，返回是否输出。
func RatedDebug(cost float64, msg string, fields ...zap.Field) bool {
	return global().rated(zapcore.DebugLevel, cost, msg, fields)
}

func RatedInfo(cost float64, msg string, fields ...zap.Field) bool {
	return global().rated(zapcore.InfoLevel, cost, msg, fields)
}

// RatedWarn 用于锁争用这类可能在短时间内大量出现的告警。
func RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	return global().rated(zapcore.WarnLevel, cost, msg, fields)
}

func global() *MLogger {
	return &MLogger{Logger: L()}
}

// With 基于全局 Logger 派生携带 fields 的子 Logger。
func With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: L().With(fields...)}
}

// WithFields 在 ctx 携带的 Logger 上追加字段，没有时基于全局 Logger。
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, CtxLogKey, Ctx(ctx).With(fields...))
}

// WithModel 为 ctx 中的 Logger 添加类型模型名字段。
func WithModel(ctx context.Context, model string) context.Context {
	return WithFields(ctx, FieldModel(model))
}

// WithType 为 ctx 中的 Logger 添加被序列化类型字段。
func WithType(ctx context.Context, typeName string) context.Context {
	return WithFields(ctx, FieldType(typeName))
}

// WithLevel 用指定最低级别的 Logger 替换 ctx 中已有的 Logger。
func WithLevel(ctx context.Context, level zapcore.Level) context.Context {
	return context.WithValue(ctx, CtxLogKey, &MLogger{Logger: leveledL(level)})
}

// Ctx 返回 ctx 携带的 Logger，没有时返回全局 Logger。
func Ctx(ctx context.Context) *MLogger {
	if ctx != nil {
		if l, ok := ctx.Value(CtxLogKey).(*MLogger); ok {
			return l
		}
	}
	return &MLogger{Logger: ctxL()}
}
