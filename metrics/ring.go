package metrics

import (
	"math"
	"sort"
	"sync"
)

// Ring 容量固定的样本缓冲，写满后覆盖最旧的样本。
type Ring struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

// NewRing 构造，size<=0 时取 1。
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]float64, size)}
}

// Add 追加样本。
func (r *Ring) Add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Len 当前样本数。
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *Ring) lenLocked() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Values 按写入顺序（旧到新）返回样本副本。
func (r *Ring) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.lenLocked()
	out := make([]float64, 0, n)
	if r.full {
		out = append(out, r.buf[r.next:]...)
		out = append(out, r.buf[:r.next]...)
		return out
	}
	return append(out, r.buf[:r.next]...)
}

// Mean 平均值，无样本时为 0。
func (r *Ring) Mean() float64 {
	vals := r.Values()
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Percentile 最近秩法百分位，p 取值 (0,100]；无样本时为 0。
// 每次调用对副本排序，不改变缓冲内容。
func (r *Ring) Percentile(p float64) float64 {
	vals := r.Values()
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	rank := int(math.Ceil(p / 100 * float64(len(vals))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(vals) {
		rank = len(vals)
	}
	return vals[rank-1]
}
