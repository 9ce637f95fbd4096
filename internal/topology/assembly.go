package topology

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ValidateAssembly 在编译前校验整批声明，返回全部配置错误而不是第一个。
func ValidateAssembly(asm *domain.Assembly) error {
	var errs error
	if err := domain.ValidateStruct(asm); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := validateShared(&asm.Shared); err != nil {
		errs = multierr.Append(errs, err)
	}

	seen := make(map[domain.UnitRef]struct{}, len(asm.Apps))
	for i := range asm.Apps {
		d := asm.Apps[i].WithDefaults(&asm.Shared)
		if err := d.Validate(); err != nil {
			errs = multierr.Append(errs, err)
		}
		ref := d.Ref()
		if _, ok := seen[ref]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", domain.ErrDuplicateUnit, ref))
		}
		seen[ref] = struct{}{}
	}

	for _, g := range asm.DataStore {
		if err := domain.ValidateStruct(g); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, ok := seen[g.Unit]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: data store grant for unknown unit %s", domain.ErrInvalidConfig, g.Unit))
		}
	}
	return errs
}

// CompileAssembly 编译整批单元。任一单元失败则整批失败，不追加任何面板。
// 单元并行编译，面板按声明顺序追加，结果与串行编译一致。
func (c *Compiler) CompileAssembly(ctx context.Context, asm *domain.Assembly) ([]*domain.ProvisionedUnit, error) {
	if err := ValidateAssembly(asm); err != nil {
		return nil, err
	}

	units := make([]*domain.ProvisionedUnit, len(asm.Apps))
	g, gctx := errgroup.WithContext(ctx)
	if c.opts.Parallelism > 0 {
		g.SetLimit(c.opts.Parallelism)
	}
	for i := range asm.Apps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			u, err := c.build(asm.Apps[i], &asm.Shared)
			if err != nil {
				return err
			}
			units[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := c.names.reserveAll(units); err != nil {
		return nil, err
	}

	for _, u := range units {
		asm.Shared.Dashboard.Append(u.Plan.Panels...)
	}

	for _, grant := range asm.DataStore {
		for _, u := range units {
			if u.Ref == grant.Unit {
				u.Identity.Grant(grant.Statement())
			}
		}
	}

	slog.Info("assembly compiled", "assembly", asm.Name, "units", len(units))
	return units, nil
}
