package queue

import (
	"sort"

	"github.com/mengeric/jobcore/model"
)

// entry 等待队列中的一项；seq 全局递增，用于同优先级内 FIFO。
type entry struct {
	id       string
	priority model.Priority
	seq      uint64
}

// waitlist 按优先级降序、同优先级按 seq 升序排列的等待队列。
// 深度不设上限，提交方拿不到背压信号，只能通过 Stats().Queued 观察积压。
type waitlist struct {
	items []entry
	seq   uint64
}

// push 插入到同优先级段的尾部。
func (w *waitlist) push(id string, p model.Priority) {
	w.seq++
	e := entry{id: id, priority: p, seq: w.seq}
	pos := sort.Search(len(w.items), func(i int) bool { return w.items[i].priority < p })
	w.items = append(w.items, entry{})
	copy(w.items[pos+1:], w.items[pos:])
	w.items[pos] = e
}

// pop 取出队首。
func (w *waitlist) pop() (entry, bool) {
	if len(w.items) == 0 {
		return entry{}, false
	}
	e := w.items[0]
	w.items[0] = entry{}
	w.items = w.items[1:]
	return e, true
}

// remove 按 ID 移除，返回是否存在。
func (w *waitlist) remove(id string) bool {
	for i, e := range w.items {
		if e.id == id {
			w.items = append(w.items[:i], w.items[i+1:]...)
			return true
		}
	}
	return false
}

func (w *waitlist) len() int { return len(w.items) }

// ids 当前顺序的快照。
func (w *waitlist) ids() []string {
	out := make([]string, len(w.items))
	for i, e := range w.items {
		out[i] = e.id
	}
	return out
}
