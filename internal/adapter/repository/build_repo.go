package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.BuildRepository = (*BuildRepo)(nil)

type BuildRepo struct {
	db *gorm.DB
}

func NewBuildRepo(db *gorm.DB) *BuildRepo {
	return &BuildRepo{db: db}
}

func (r *BuildRepo) Save(ctx context.Context, build *domain.Build) error {
	return r.db.WithContext(ctx).Create(buildToModel(build)).Error
}

func (r *BuildRepo) FindByID(ctx context.Context, id string) (*domain.Build, error) {
	var m BuildModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBuildNotFound
		}
		return nil, result.Error
	}
	return modelToBuild(&m)
}

func (r *BuildRepo) FindByUnit(ctx context.Context, unit string, limit int) ([]*domain.Build, error) {
	var models []BuildModel
	err := r.db.WithContext(ctx).
		Where("unit = ?", unit).
		Order("created_at desc").
		Limit(clampLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	builds := make([]*domain.Build, 0, len(models))
	for i := range models {
		b, err := modelToBuild(&models[i])
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, nil
}

func (r *BuildRepo) Update(ctx context.Context, build *domain.Build) error {
	return r.db.WithContext(ctx).Save(buildToModel(build)).Error
}

func buildToModel(b *domain.Build) *BuildModel {
	return &BuildModel{
		ID:         b.ID,
		Unit:       b.Unit.String(),
		Container:  b.Container,
		GitRepo:    b.Source.GitRepo,
		GitRef:     b.Source.GitRef,
		ContextDir: b.Source.ContextDir,
		ImageTag:   b.ImageTag,
		Status:     string(b.Status),
		JobName:    b.JobName,
		Log:        b.Log,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

func modelToBuild(m *BuildModel) (*domain.Build, error) {
	ref, err := domain.ParseUnitRef(m.Unit)
	if err != nil {
		return nil, err
	}
	return &domain.Build{
		ID:        m.ID,
		Unit:      ref,
		Container: m.Container,
		Source: domain.ImageBuild{
			GitRepo:    m.GitRepo,
			GitRef:     m.GitRef,
			ContextDir: m.ContextDir,
		},
		ImageTag:  m.ImageTag,
		Status:    domain.BuildStatus(m.Status),
		JobName:   m.JobName,
		Log:       m.Log,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}
