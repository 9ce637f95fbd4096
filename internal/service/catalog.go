package service

import (
	"sync"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// UnitCatalog 保存最近一次成功 apply 的单元快照，读多写少。
type UnitCatalog struct {
	mu        sync.RWMutex
	assembly  string
	units     []*domain.ProvisionedUnit
	byRef     map[domain.UnitRef]*domain.ProvisionedUnit
	dashboard *domain.Dashboard
}

func NewUnitCatalog() *UnitCatalog {
	return &UnitCatalog{byRef: make(map[domain.UnitRef]*domain.ProvisionedUnit)}
}

// Replace 整体替换快照。
func (c *UnitCatalog) Replace(assembly string, units []*domain.ProvisionedUnit, dashboard *domain.Dashboard) {
	byRef := make(map[domain.UnitRef]*domain.ProvisionedUnit, len(units))
	for _, u := range units {
		byRef[u.Ref] = u
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assembly = assembly
	c.units = append([]*domain.ProvisionedUnit(nil), units...)
	c.byRef = byRef
	c.dashboard = dashboard
}

// Remove 从快照中移除一个单元。
func (c *UnitCatalog) Remove(ref domain.UnitRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byRef[ref]; !ok {
		return
	}
	delete(c.byRef, ref)
	kept := c.units[:0:0]
	for _, u := range c.units {
		if u.Ref != ref {
			kept = append(kept, u)
		}
	}
	c.units = kept
}

func (c *UnitCatalog) Get(ref domain.UnitRef) (*domain.ProvisionedUnit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.byRef[ref]
	if !ok {
		return nil, domain.ErrUnitNotFound
	}
	return u, nil
}

// List 按声明顺序返回单元。
func (c *UnitCatalog) List() []*domain.ProvisionedUnit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*domain.ProvisionedUnit(nil), c.units...)
}

func (c *UnitCatalog) Assembly() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assembly
}

func (c *UnitCatalog) Dashboard() *domain.Dashboard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dashboard
}
