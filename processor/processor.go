// Package processor 定义任务类型的参数结构与处理器，并提供按类型查找的注册表。
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mengeric/jobcore/model"
)

// Processor 任务体。ctx 在任务被取消或执行超时时 Done。
type Processor interface {
	Run(ctx context.Context, in model.Payload) (map[string]any, error)
}

// Func 函数适配器。
type Func func(ctx context.Context, in model.Payload) (map[string]any, error)

// Run 实现 Processor。
func (f Func) Run(ctx context.Context, in model.Payload) (map[string]any, error) { return f(ctx, in) }

// Stopper 需要在服务关闭时释放资源的处理器可实现该接口。
type Stopper interface {
	Stop(ctx context.Context) error
}

// Definition 一个任务类型：参数结构 + 处理器 + 默认调度参数。
type Definition struct {
	Type       string
	Schema     Schema
	Processor  Processor
	MaxRetries *int // 为空使用调度器默认值
}

// Registry 任务类型注册表，由服务实例持有。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry 构造空注册表。
func NewRegistry() *Registry { return &Registry{defs: map[string]Definition{}} }

// Register 注册任务类型；类型重复或处理器为空返回校验错误。
func (r *Registry) Register(def Definition) error {
	if def.Type == "" || def.Processor == nil {
		return fmt.Errorf("%w: processor definition needs type and processor", model.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("%w: job type %q already registered", model.ErrValidation, def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// MustRegister 注册失败时 panic，用于启动期装配。
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get 查找任务类型。
func (r *Registry) Get(typ string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[typ]
	return d, ok
}

// Types 已注册类型（排序后）。
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate 校验负载：类型必须已注册，参数满足该类型的结构。
func (r *Registry) Validate(p model.Payload) (Definition, error) {
	d, ok := r.Get(p.Type)
	if !ok {
		return Definition{}, fmt.Errorf("%w: unknown job type %q", model.ErrValidation, p.Type)
	}
	if err := d.Schema.Validate(p.Params); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// Stop 依次停止实现了 Stopper 的处理器，返回第一个错误。
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first error
	for _, d := range r.defs {
		if s, ok := d.Processor.(Stopper); ok {
			if err := s.Stop(ctx); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
