package topology

import (
	"fmt"
	"sync"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"go.uber.org/multierr"
)

// nameRegistry 保证单元标识和所有派生名称在一个 Compiler 内不冲突。
type nameRegistry struct {
	mu    sync.Mutex
	units map[domain.UnitRef]struct{}
	names map[string]domain.UnitRef
}

func newNameRegistry() *nameRegistry {
	return &nameRegistry{
		units: make(map[domain.UnitRef]struct{}),
		names: make(map[string]domain.UnitRef),
	}
}

type derivedName struct {
	kind string
	name string
}

// derivedNames 返回单元占用的全部全局名称，顺序固定。
func derivedNames(u *domain.ProvisionedUnit) []derivedName {
	names := []derivedName{
		{kind: "resource", name: u.Plan.Name},
		{kind: "discovery", name: u.DiscoveryName},
		{kind: "address", name: u.PublicAddress},
	}
	for _, dest := range u.Plan.LogDestinations {
		names = append(names, derivedName{kind: string(dest.Kind) + " log destination", name: dest.Name})
	}
	return names
}

func (r *nameRegistry) reserve(u *domain.ProvisionedUnit) error {
	return r.reserveAll([]*domain.ProvisionedUnit{u})
}

// reserveAll 原子地登记一批单元：任一冲突则全部不登记，并返回所有冲突。
func (r *nameRegistry) reserveAll(units []*domain.ProvisionedUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs error
	seenUnits := make(map[domain.UnitRef]struct{}, len(units))
	seenNames := make(map[string]domain.UnitRef)

	for _, u := range units {
		if _, ok := r.units[u.Ref]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", domain.ErrDuplicateUnit, u.Ref))
			continue
		}
		if _, ok := seenUnits[u.Ref]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", domain.ErrDuplicateUnit, u.Ref))
			continue
		}
		seenUnits[u.Ref] = struct{}{}

		for _, n := range derivedNames(u) {
			owner, taken := r.names[n.name]
			if !taken {
				owner, taken = seenNames[n.name]
			}
			if taken && owner != u.Ref {
				errs = multierr.Append(errs, fmt.Errorf("%w: %s %q of %s already used by %s",
					domain.ErrNameCollision, n.kind, n.name, u.Ref, owner))
				continue
			}
			seenNames[n.name] = u.Ref
		}
	}
	if errs != nil {
		return errs
	}

	for ref := range seenUnits {
		r.units[ref] = struct{}{}
	}
	for name, ref := range seenNames {
		r.names[name] = ref
	}
	return nil
}
