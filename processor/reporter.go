package processor

import "context"

// Reporter 任务体上报进度的句柄，由服务在执行时注入 ctx。
type Reporter interface {
	Progress(percent float64, stage string) error
	Records(processed, total int64) error
}

type reporterKey struct{}

// WithReporter 把 Reporter 放入 ctx。
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom 取出 Reporter；未注入时返回丢弃所有上报的空实现。
func ReporterFrom(ctx context.Context) Reporter {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok && r != nil {
		return r
	}
	return nopReporter{}
}

type nopReporter struct{}

func (nopReporter) Progress(float64, string) error { return nil }
func (nopReporter) Records(int64, int64) error     { return nil }
