package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mengeric/jobcore/model"
)

// CollectResourceUsage 采集主机与本进程的资源使用情况。
// 单项采集失败只保留零值，不影响其它项；CPU 百分比相对上一次调用计算，首次可能为 0。
func CollectResourceUsage(ctx context.Context) model.ResourceUsage {
	out := model.ResourceUsage{CPUProcessors: runtime.NumCPU(), SampledAt: time.Now()}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil && du.Total > 0 {
		out.DiskPercent = du.UsedPercent
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			out.ProcRSSBytes = pm.RSS
		}
	}
	out.Score = score(out)
	return out
}

// score 0~100 的健康分，越高越空闲。
func score(u model.ResourceUsage) float64 {
	s := 100.0
	if u.CPUProcessors > 0 && u.CPULoad > 0 {
		s -= u.CPULoad / float64(u.CPUProcessors) * 30
	}
	s -= u.CPUPercent / 100 * 20
	s -= u.MemoryPercent / 100 * 30
	s -= u.DiskPercent / 100 * 20
	if s < 0 {
		s = 0
	}
	return s
}

// Probe 适配告警巡检所需的采样签名。
func Probe(ctx context.Context) (model.ResourceUsage, error) {
	return CollectResourceUsage(ctx), nil
}
