package log

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	_ WithLogger   = &Binder{}
	_ LoggerBinder = &Binder{}
)

// WithLogger 由持有组件级 Logger 的类型实现。
type WithLogger interface {
	Logger() *MLogger
}

// LoggerBinder 由允许替换 Logger 的类型实现。
type LoggerBinder interface {
	SetLogger(logger *MLogger)
}

// Binder 嵌入到类型模型、编解码器等组件中，保存该组件的 Logger。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// Bind 以 parent 为基础派生携带 fields 的 Logger 并绑定；parent 为 nil 时基于全局 Logger。
func (w *Binder) Bind(parent *MLogger, fields ...zap.Field) {
	if parent == nil {
		parent = With()
	}
	if len(fields) > 0 {
		parent = parent.With(fields...)
	}
	w.logger.Store(parent)
}

func (w *Binder) SetLogger(logger *MLogger) {
	w.logger.Store(logger)
}

// Logger 返回绑定的 Logger，未绑定时返回全局 Logger。
func (w *Binder) Logger() *MLogger {
	if l := w.logger.Load(); l != nil {
		return l
	}
	return With()
}
