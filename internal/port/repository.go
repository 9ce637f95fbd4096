package port

import (
	"context"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

type RevisionRepository interface {
	Save(ctx context.Context, rev *domain.Revision) error
	FindByID(ctx context.Context, id string) (*domain.Revision, error)
	FindAll(ctx context.Context, assembly string, limit int) ([]*domain.Revision, error)
	Update(ctx context.Context, rev *domain.Revision) error
}

type RedeployRepository interface {
	Save(ctx context.Context, rec *domain.RedeployRecord) error
	FindByUnit(ctx context.Context, unit string, limit int) ([]*domain.RedeployRecord, error)
}

type BuildRepository interface {
	Save(ctx context.Context, build *domain.Build) error
	FindByID(ctx context.Context, id string) (*domain.Build, error)
	FindByUnit(ctx context.Context, unit string, limit int) ([]*domain.Build, error)
	Update(ctx context.Context, build *domain.Build) error
}
