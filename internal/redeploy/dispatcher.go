package redeploy

import (
	"context"
	"sort"
	"sync"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"go.uber.org/multierr"
)

// Outcome 是一次投递对某个单元的处理结果。
type Outcome struct {
	Unit  domain.UnitRef
	Event domain.ChangeEvent
	Err   error
}

// Dispatcher 把变更通知分发给所有监听该密钥的触发器。
type Dispatcher struct {
	replacer port.Replacer

	mu       sync.RWMutex
	triggers map[domain.UnitRef]*Trigger
}

func NewDispatcher(replacer port.Replacer) *Dispatcher {
	return &Dispatcher{replacer: replacer, triggers: make(map[domain.UnitRef]*Trigger)}
}

// Register 为单元登记触发器，同一单元重复登记时替换旧定义。
func (d *Dispatcher) Register(def domain.RedeployTrigger) *Trigger {
	t := NewTrigger(def, d.replacer)
	d.mu.Lock()
	d.triggers[def.Target] = t
	d.mu.Unlock()
	return t
}

func (d *Dispatcher) Unregister(ref domain.UnitRef) {
	d.mu.Lock()
	delete(d.triggers, ref)
	d.mu.Unlock()
}

// Trigger 返回单元的触发器。
func (d *Dispatcher) Trigger(ref domain.UnitRef) (*Trigger, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.triggers[ref]
	return t, ok
}

func (d *Dispatcher) snapshot() []*Trigger {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Trigger, 0, len(d.triggers))
	for _, t := range d.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].def.Target.String() < out[j].def.Target.String()
	})
	return out
}

// Dispatch 把事件交给每个命中的触发器。某个单元失败不影响其它单元，错误合并返回。
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.ChangeEvent) ([]Outcome, error) {
	var (
		outcomes []Outcome
		errs     error
	)
	for _, t := range d.snapshot() {
		hit, err := t.Handle(ctx, ev)
		if !hit {
			continue
		}
		outcomes = append(outcomes, Outcome{Unit: t.def.Target, Event: ev, Err: err})
		errs = multierr.Append(errs, err)
	}
	return outcomes, errs
}
