// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MLogger 在 zap.Logger 之上增加按分组限流的输出。
// 类型模型的锁争用、构建失败等高频事件都通过限流方法输出。
type MLogger struct {
	*zap.Logger
	rl atomic.Pointer[rateLimiterBox]
}

type rateLimiterBox struct {
	RateLimiter
}

// With 返回携带 fields 的子 Logger，限流分组沿用当前 Logger。
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	nl := &MLogger{Logger: l.Logger.With(fields...)}
	nl.rl.Store(l.rl.Load())
	return nl
}

// ForType 返回携带类型名字段的子 Logger。
func (l *MLogger) ForType(name string) *MLogger {
	return l.With(FieldType(name))
}

// ForMember 返回携带成员名与字段号的子 Logger。
func (l *MLogger) ForMember(name string, tag int) *MLogger {
	return l.With(FieldMember(name), FieldTag(tag))
}

// WithRateGroup 将当前 Logger 绑定到名为 groupName 的限流器，同名分组共享额度。
func (l *MLogger) WithRateGroup(groupName string, creditPerSecond, maxBalance float64) *MLogger {
	rl := utils.NewRateLimiter(creditPerSecond, maxBalance)
	if actual, loaded := _namedRateLimiters.LoadOrStore(groupName, rl); loaded {
		rl = actual.(*utils.ReconfigurableRateLimiter)
		rl.Update(creditPerSecond, maxBalance)
	}
	l.rl.Store(&rateLimiterBox{rl})
	return l
}

// WithRateLimiter 为当前 Logger 设置独立的限流器。
func (l *MLogger) WithRateLimiter(rl RateLimiter) *MLogger {
	l.rl.Store(&rateLimiterBox{rl})
	return l
}

func (l *MLogger) limiter() RateLimiter {
	if box := l.rl.Load(); box != nil && box.RateLimiter != nil {
		return box.RateLimiter
	}
	return R()
}

func (l *MLogger) rated(level zapcore.Level, cost float64, msg string, fields []zap.Field) bool {
	if !l.limiter().CheckCredit(cost) {
		return false
	}
	if ce := l.WithOptions(zap.AddCallerSkip(2)).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
	return true
}

func (l *MLogger) RatedDebug(cost float64, msg string, fields ...zap.Field) bool {
	return l.rated(zapcore.DebugLevel, cost, msg, fields)
}

func (l *MLogger) RatedInfo(cost float64, msg string, fields ...zap.Field) bool {
	return l.rated(zapcore.InfoLevel, cost, msg, fields)
}

// RatedWarn 在限流器允许时以 Warn 级别输出，返回是否输出。
func (l *MLogger) RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	return l.rated(zapcore.WarnLevel, cost, msg, fields)
}
