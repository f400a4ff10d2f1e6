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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvRateCreditPerSecond = "DANMU_LOG_RATE_CREDIT_PER_SECOND"
	EnvRateMaxBalance      = "DANMU_LOG_RATE_MAX_BALANCE"
)

var _globalL, _globalP, _globalR atomic.Value

var (
	_globalLevelLogger sync.Map
	_namedRateLimiters sync.Map
)

// RateLimiter 是限流日志所需的最小接口。
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

type nopRateLimiter struct{}

func (nopRateLimiter) CheckCredit(float64) bool { return true }

// NewRateLimiter 按 cfg 创建令牌桶限流器，CreditPerSecond 不为正时不限流。
func NewRateLimiter(cfg RateConfig) RateLimiter {
	if !cfg.Enabled() {
		return nopRateLimiter{}
	}
	maxBalance := cfg.MaxBalance
	if maxBalance <= 0 {
		maxBalance = defaultRateMaxBalance
	}
	return utils.NewRateLimiter(cfg.CreditPerSecond, maxBalance)
}

func init() {
	ReplaceGlobals(newStdLogger())
	_globalR.Store(NewRateLimiter(rateConfigFromEnv()))
}

// InitLogger 按配置创建 Logger，输出到 lumberjack 滚动文件和/或标准输出。
// 返回的 Logger 以 debug 级别构建，实际级别由 ZapProperties.Level 控制，
// 便于 WithLevel 派生更高级别的 Logger。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	outputs, err := openOutputs(cfg)
	if err != nil {
		return nil, nil, err
	}
	debugCfg := *cfg
	debugCfg.Level = zapcore.DebugLevel.String()
	debugL, props, err := InitLoggerWithWriteSyncer(&debugCfg, zap.CombineWriteSyncers(outputs...), opts...)
	if err != nil {
		return nil, nil, err
	}
	props.Level.SetLevel(level)
	return debugL.WithOptions(zap.AddCallerSkip(1)), props, nil
}

// InitTestLogger 创建经由 t.Logf 输出的 Logger，zap 内部错误会使测试失败。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	writer := newTestingWriter(t)
	opts = append([]zap.Option{zap.ErrorOutput(writer.failing())}, opts...)
	return InitLoggerWithWriteSyncer(cfg, writer, opts...)
}

// InitLoggerWithWriteSyncer 使用指定的 WriteSyncer 初始化 Logger。
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	parsed, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	level := zap.NewAtomicLevelAt(parsed)
	core := zapcore.NewCore(newZapEncoder(cfg), output, level)
	lg := zap.New(core, append(cfg.buildOptions(output), opts...)...)
	return lg, &ZapProperties{Core: core, Syncer: output, Level: level}, nil
}

// parseLevel 在 zap 级别之外接受 trace，空串视为 debug。
func parseLevel(s string) (zapcore.Level, error) {
	if s == "" || strings.EqualFold(s, "trace") {
		return zapcore.DebugLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func openOutputs(cfg *Config) ([]zapcore.WriteSyncer, error) {
	var outputs []zapcore.WriteSyncer
	if cfg.File.Filename != "" {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout {
		stdout, _, err := zap.Open("stdout")
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, stdout)
	}
	return outputs, nil
}

func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	logPath := filepath.Join(cfg.RootPath, cfg.Filename)
	if st, err := os.Stat(logPath); err == nil && st.IsDir() {
		return nil, errors.Newf("log file %q is a directory", logPath)
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = defaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

func newStdLogger() (*zap.Logger, *ZapProperties) {
	conf := &Config{Level: "info", Stdout: true, Format: FormatConsole}
	lg, r, _ := InitLogger(conf, zap.OnFatal(zapcore.WriteThenPanic))
	return lg, r
}

// L 返回全局 Logger，可通过 ReplaceGlobals 重新配置，并发安全。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// R 返回全局限流器。
func R() RateLimiter {
	if rl, ok := _globalR.Load().(RateLimiter); ok && rl != nil {
		return rl
	}
	return nopRateLimiter{}
}

// SetRateLimiter 替换全局限流器，nil 表示关闭限流。
func SetRateLimiter(rl RateLimiter) {
	if rl == nil {
		rl = nopRateLimiter{}
	}
	_globalR.Store(rl)
}

// ctxL 返回与全局级别一致的分级 Logger。
func ctxL() *zap.Logger {
	return leveledL(Level().Level())
}

func leveledL(level zapcore.Level) *zap.Logger {
	if v, ok := _globalLevelLogger.Load(level); ok {
		return v.(*zap.Logger)
	}
	return L()
}

// ReplaceGlobals 替换全局 Logger 及其分级 Logger，并发安全。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	replaceLeveledLoggers(logger)
	_globalL.Store(logger)
	_globalP.Store(props)
}

func replaceLeveledLoggers(debugLogger *zap.Logger) {
	// 低于核心级别的 IncreaseLevel 无效，这些级别回退到全局 Logger。
	for level := zapcore.DebugLevel; level <= zapcore.FatalLevel; level++ {
		if !debugLogger.Core().Enabled(level) {
			_globalLevelLogger.Delete(level)
			continue
		}
		_globalLevelLogger.Store(level, debugLogger.WithOptions(zap.IncreaseLevel(level)))
	}
}

// Sync 刷新全局 Logger 与各分级 Logger 的缓冲。
func Sync() error {
	err := L().Sync()
	_globalLevelLogger.Range(func(_, val any) bool {
		err = errors.CombineErrors(err, val.(*zap.Logger).Sync())
		return true
	})
	return err
}

func Level() zap.AtomicLevel {
	return _globalP.Load().(*ZapProperties).Level
}

// rateConfigFromEnv 读取 DANMU_LOG_RATE_* 环境变量，未设置时不限流。
func rateConfigFromEnv() RateConfig {
	return RateConfig{
		CreditPerSecond: getenvFloat(EnvRateCreditPerSecond, 0),
		MaxBalance:      getenvFloat(EnvRateMaxBalance, defaultRateMaxBalance),
	}
}

func getenvFloat(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
