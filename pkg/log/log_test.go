package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitTestLogger(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatConsole, FormatText} {
		lg, props, err := InitTestLogger(t, &Config{Level: "debug", Format: format})
		require.NoError(t, err)
		require.NotNil(t, props)
		lg.Debug("test logger", FieldType("Order"), FieldTag(3))
		assert.True(t, props.Level.Enabled(zapcore.DebugLevel))
	}
}

func TestInitTestLoggerBadLevel(t *testing.T) {
	_, _, err := InitTestLogger(t, &Config{Level: "nope"})
	assert.Error(t, err)
}

func TestCtxLogger(t *testing.T) {
	ctx := WithFields(context.Background(), FieldModel("default"))
	l := Ctx(ctx)
	assert.NotNil(t, l)
	assert.Same(t, l, Ctx(ctx))

	assert.NotNil(t, Ctx(context.TODO()))
	ctx = WithLevel(context.Background(), zapcore.WarnLevel)
	assert.False(t, Ctx(ctx).Core().Enabled(zapcore.InfoLevel))

	typed := WithType(WithModel(context.Background(), "default"), "Order")
	assert.Same(t, Ctx(typed), Ctx(typed))
}

func TestMLoggerKeepsRateGroup(t *testing.T) {
	limiter := &countingLimiter{}
	l := With(FieldModel("default")).WithRateLimiter(limiter)

	child := l.ForType("Order").ForMember("ID", 1)
	assert.False(t, child.RatedWarn(1, "dropped"))
	limiter.allow = true
	assert.True(t, child.RatedDebug(1, "kept"))
	assert.Equal(t, 2, limiter.calls)
}

type countingLimiter struct {
	allow bool
	calls int
}

func (c *countingLimiter) CheckCredit(float64) bool {
	c.calls++
	return c.allow
}

func TestRatedLogging(t *testing.T) {
	limiter := &countingLimiter{}
	SetRateLimiter(limiter)
	defer SetRateLimiter(nil)

	assert.False(t, RatedWarn(1, "dropped"))
	limiter.allow = true
	assert.True(t, RatedInfo(1, "kept"))
	assert.Equal(t, 2, limiter.calls)
}

func TestBinder(t *testing.T) {
	var b Binder
	assert.NotNil(t, b.Logger())

	l := With(zap.String("k", "v"))
	b.SetLogger(l)
	assert.Same(t, l, b.Logger())

	b.Bind(l, FieldComponent("codec"))
	assert.NotSame(t, l, b.Logger())
	b.Bind(nil)
	assert.NotNil(t, b.Logger())
	assert.True(t, b.Logger().WithRateGroup("binder-test", 1, 1).RatedInfo(1, "first"))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{"": zapcore.DebugLevel, "TRACE": zapcore.DebugLevel, "warn": zapcore.WarnLevel} {
		got, err := parseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestNewRateLimiter(t *testing.T) {
	assert.IsType(t, nopRateLimiter{}, NewRateLimiter(RateConfig{}))
	rl := NewRateLimiter(RateConfig{CreditPerSecond: 0.001, MaxBalance: 1})
	assert.True(t, rl.CheckCredit(1))
	assert.False(t, rl.CheckCredit(1))
}

func TestReplaceGlobals(t *testing.T) {
	prevL, prevP := L(), _globalP.Load().(*ZapProperties)
	defer ReplaceGlobals(prevL, prevP)

	lg, props, err := InitTestLogger(t, &Config{Level: "warn"})
	require.NoError(t, err)
	ReplaceGlobals(lg, props)
	assert.Equal(t, zapcore.WarnLevel, Level().Level())
	assert.False(t, Ctx(context.Background()).Core().Enabled(zapcore.InfoLevel))
	assert.True(t, leveledL(zapcore.ErrorLevel).Core().Enabled(zapcore.ErrorLevel))
}

func TestReplaceGlobalsSkipsLevelsBelowCore(t *testing.T) {
	prevL, prevP := L(), _globalP.Load().(*ZapProperties)
	defer ReplaceGlobals(prevL, prevP)

	// 测试 Logger 的 ErrorOutput 会让测试失败，IncreaseLevel 报错时这里即可发现。
	lg, props, err := InitTestLogger(t, &Config{Level: "error"})
	require.NoError(t, err)
	ReplaceGlobals(lg, props)

	for _, level := range []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel} {
		_, ok := _globalLevelLogger.Load(level)
		assert.False(t, ok, level.String())
		assert.Same(t, L(), leveledL(level))
	}
	_, ok := _globalLevelLogger.Load(zapcore.ErrorLevel)
	assert.True(t, ok)

	ctx := WithLevel(context.Background(), zapcore.InfoLevel)
	Ctx(ctx).Info("dropped below core level")
	assert.False(t, Ctx(ctx).Core().Enabled(zapcore.InfoLevel))
}
