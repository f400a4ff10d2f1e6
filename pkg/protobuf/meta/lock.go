package meta

import (
	"runtime/debug"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-protobuf/internal/json"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

// lockHolder 是当前持锁者的快照，超时时随错误一起返回。
type lockHolder struct {
	Operation string    `json:"operation"`
	Since     time.Time `json:"since"`
	Stack     string    `json:"stack,omitempty"`
}

// modelLock 是带超时的互斥锁。它不可重入：持锁期间的内部调用
// 必须使用 *Locked 系列方法。
type modelLock struct {
	model   string
	sem     chan struct{}
	timeout time.Duration
	stack   bool

	// contention 在每次发生等待时递增，持锁者释放时据此判断是否有人等待过。
	contention *atomic.Int64
	waiting    *atomic.Int64

	holder   atomic.Pointer[lockHolder]
	acquired int64
	onWait   func(LockContention)
	logger   func() *log.MLogger
}

func newModelLock(model string, timeout time.Duration, stack bool, onWait func(LockContention), logger func() *log.MLogger) *modelLock {
	return &modelLock{
		model:      model,
		sem:        make(chan struct{}, 1),
		timeout:    timeout,
		stack:      stack,
		contention: atomic.NewInt64(0),
		waiting:    atomic.NewInt64(0),
		onWait:     onWait,
		logger:     logger,
	}
}

// acquire 获取锁，超过等待时间返回 ErrLockTimeout，不产生任何状态变化。
func (l *modelLock) acquire(op string) error {
	select {
	case l.sem <- struct{}{}:
		l.hold(op)
		return nil
	default:
	}

	l.contention.Inc()
	l.waiting.Inc()
	defer l.waiting.Dec()

	start := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		metrics.LockWaitLatency.WithLabelValues(l.model).Observe(float64(time.Since(start).Microseconds()) / 1000)
		l.hold(op)
		return nil
	case <-timer.C:
		metrics.LockTimeouts.WithLabelValues(l.model).Inc()
		holder := l.snapshot()
		l.logger().Warn("type model lock timeout",
			zap.String("operation", op),
			zap.Duration("timeout", l.timeout),
			zap.String("holder", holder))
		return merr.WrapErrLockTimeout(op, l.timeout, holder)
	}
}

func (l *modelLock) hold(op string) {
	h := &lockHolder{Operation: op, Since: time.Now()}
	if l.stack {
		h.Stack = string(debug.Stack())
	}
	l.holder.Store(h)
	l.acquired = l.contention.Load()
}

// release 释放锁；若持锁期间有其他调用方等待，触发竞争回调。
func (l *modelLock) release() {
	h := l.holder.Swap(nil)
	contended := l.contention.Load() != l.acquired
	waiters := l.waiting.Load()
	<-l.sem

	if !contended || h == nil {
		return
	}
	info := LockContention{
		Model:     l.model,
		Operation: h.Operation,
		Held:      time.Since(h.Since),
		Waiters:   waiters,
	}
	metrics.LockContention.WithLabelValues(l.model).Inc()
	l.logger().RatedWarn(10, "type model lock contended",
		zap.String("operation", info.Operation),
		zap.Duration("held", info.Held),
		zap.Int64("waiters", info.Waiters))
	if l.onWait != nil {
		l.onWait(info)
	}
}

func (l *modelLock) snapshot() string {
	h := l.holder.Load()
	if h == nil {
		return ""
	}
	data, err := json.Marshal(h)
	if err != nil {
		return h.Operation
	}
	return string(data)
}
