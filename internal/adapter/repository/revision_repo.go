package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.RevisionRepository = (*RevisionRepo)(nil)

type RevisionRepo struct {
	db *gorm.DB
}

func NewRevisionRepo(db *gorm.DB) *RevisionRepo {
	return &RevisionRepo{db: db}
}

func (r *RevisionRepo) Save(ctx context.Context, rev *domain.Revision) error {
	err := r.db.WithContext(ctx).Create(revisionToModel(rev)).Error
	if isUniqueConstraintError(err) {
		return fmt.Errorf("revision %s: %w", rev.ID, domain.ErrAlreadyExists)
	}
	return err
}

func (r *RevisionRepo) FindByID(ctx context.Context, id string) (*domain.Revision, error) {
	var m RevisionModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRevisionNotFound
		}
		return nil, result.Error
	}
	return modelToRevision(&m), nil
}

// FindAll 按创建时间倒序返回修订，assembly 为空时不过滤。
func (r *RevisionRepo) FindAll(ctx context.Context, assembly string, limit int) ([]*domain.Revision, error) {
	q := r.db.WithContext(ctx).Order("created_at desc").Limit(clampLimit(limit))
	if assembly != "" {
		q = q.Where("assembly = ?", assembly)
	}
	var models []RevisionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	revs := make([]*domain.Revision, 0, len(models))
	for i := range models {
		revs = append(revs, modelToRevision(&models[i]))
	}
	return revs, nil
}

func (r *RevisionRepo) Update(ctx context.Context, rev *domain.Revision) error {
	return r.db.WithContext(ctx).Save(revisionToModel(rev)).Error
}

func revisionToModel(rev *domain.Revision) *RevisionModel {
	return &RevisionModel{
		ID:        rev.ID,
		Assembly:  rev.Assembly,
		Units:     marshalJSON(rev.Units),
		Outputs:   marshalJSON(rev.Outputs),
		Status:    string(rev.Status),
		Error:     rev.Error,
		CreatedAt: rev.CreatedAt,
		UpdatedAt: rev.UpdatedAt,
	}
}

func modelToRevision(m *RevisionModel) *domain.Revision {
	return &domain.Revision{
		ID:        m.ID,
		Assembly:  m.Assembly,
		Units:     unmarshalJSON[[]string](m.Units),
		Outputs:   unmarshalJSON[map[string]string](m.Outputs),
		Status:    domain.RevisionStatus(m.Status),
		Error:     m.Error,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
