package jobcore

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WithSignalCancel 返回在收到 SIGINT/SIGTERM（或指定信号）时取消的上下文，用于触发优雅关闭。
// stop 释放信号监听，通常在退出时 defer 调用。
func WithSignalCancel(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	return signal.NotifyContext(parent, signals...)
}
