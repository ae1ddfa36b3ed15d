// Package scheduler 提供任务核心内所有后台周期任务共用的定时循环。
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mengeric/jobcore/logging"
)

// Loop 以固定周期执行 fn，并支持通过 Wake 提前触发一次。
// 生命周期：Start 启动后台协程（重复调用无效），ctx.Done 或 Stop 时退出。
type Loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	running atomic.Bool
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}
}

// NewLoop 构造循环；interval<=0 时回退为 1 秒。
func NewLoop(name string, interval time.Duration, fn func(ctx context.Context)) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动定时任务。
func (l *Loop) Start(ctx context.Context) {
	if l.running.Swap(true) {
		return
	}
	ticker := time.NewTicker(l.interval)
	go func() {
		defer close(l.done)
		defer ticker.Stop()
		logging.L().Debug(ctx, "loop started", "loop", l.name, "interval", l.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.run(ctx)
			case <-l.wake:
				l.run(ctx)
			}
		}
	}()
}

// Wake 非阻塞地请求尽快执行一次；已有待处理的唤醒时合并。
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop 停止循环并等待后台协程退出；未启动时直接返回。
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
	if l.running.Load() {
		<-l.done
	}
}

// run 执行一次 fn，fn 内 panic 只记录日志，不中断循环。
func (l *Loop) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error(ctx, "loop iteration panicked", "loop", l.name, "panic", r)
		}
	}()
	l.fn(ctx)
}
