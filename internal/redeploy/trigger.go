// Package redeploy 在被监听的密钥变更时强制滚动替换对应单元。
package redeploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
)

// Trigger 是单个单元的重新部署触发器：Idle → Triggered → Idle。
// 每次命中的投递都会发起一次强制替换，重复投递不去重。
type Trigger struct {
	def      domain.RedeployTrigger
	replacer port.Replacer

	mu    sync.Mutex
	state domain.TriggerState
	fired int
}

func NewTrigger(def domain.RedeployTrigger, replacer port.Replacer) *Trigger {
	return &Trigger{def: def, replacer: replacer, state: domain.TriggerIdle}
}

func (t *Trigger) Definition() domain.RedeployTrigger {
	return t.def
}

// State 返回当前状态。
func (t *Trigger) State() domain.TriggerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Fired 返回已发起的强制替换次数。
func (t *Trigger) Fired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Handle 处理一次变更通知。未命中返回 false；命中则串行发起一次强制替换后回到 Idle。
func (t *Trigger) Handle(ctx context.Context, ev domain.ChangeEvent) (bool, error) {
	if !t.def.Matches(ev) {
		return false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = domain.TriggerTriggered
	t.fired++
	slog.Info("secret changed, forcing replacement",
		"unit", t.def.Target.String(),
		"key", ev.Key,
		"operation", ev.Operation,
	)
	err := t.replacer.ForceReplace(ctx, t.def.Target)
	t.state = domain.TriggerIdle
	if err != nil {
		return true, fmt.Errorf("force replace %s: %w", t.def.Target, err)
	}
	return true, nil
}
