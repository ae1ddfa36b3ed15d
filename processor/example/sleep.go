// Package example 提供演示用的任务类型。
package example

import (
	"context"
	"fmt"
	"time"

	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/processor"
)

// SleepType 演示任务类型名。
const SleepType = "sleep"

// Sleep 分步等待指定毫秒数，每步上报一次进度；params.fail=true 时在最后一步返回错误。
type Sleep struct{}

// Run 实现 processor.Processor。
func (Sleep) Run(ctx context.Context, in model.Payload) (map[string]any, error) {
	total := time.Duration(processor.Number(in.Params, "sleepMS", 100)) * time.Millisecond
	steps := int(processor.Number(in.Params, "steps", 4))
	if steps < 1 {
		steps = 1
	}
	rep := processor.ReporterFrom(ctx)
	step := total / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
		if fail, _ := in.Params["fail"].(bool); fail && i == steps {
			return nil, fmt.Errorf("sleep step %d/%d: requested failure", i, steps)
		}
		_ = rep.Progress(float64(i)*100/float64(steps), fmt.Sprintf("step %d/%d", i, steps))
	}
	return map[string]any{"sleptMS": total.Milliseconds(), "steps": steps}, nil
}

// Definition 返回 sleep 类型的注册信息。
func Definition() processor.Definition {
	return processor.Definition{
		Type: SleepType,
		Schema: processor.Schema{Optional: map[string]processor.Kind{
			"sleepMS": processor.KindNumber,
			"steps":   processor.KindNumber,
			"fail":    processor.KindBool,
		}},
		Processor: Sleep{},
	}
}
