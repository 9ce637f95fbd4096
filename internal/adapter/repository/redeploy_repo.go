package repository

import (
	"context"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.RedeployRepository = (*RedeployRepo)(nil)

type RedeployRepo struct {
	db *gorm.DB
}

func NewRedeployRepo(db *gorm.DB) *RedeployRepo {
	return &RedeployRepo{db: db}
}

func (r *RedeployRepo) Save(ctx context.Context, rec *domain.RedeployRecord) error {
	return r.db.WithContext(ctx).Create(&RedeployModel{
		ID:        rec.ID,
		Unit:      rec.Unit,
		Key:       rec.Key,
		Operation: string(rec.Operation),
		Outcome:   string(rec.Outcome),
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
	}).Error
}

func (r *RedeployRepo) FindByUnit(ctx context.Context, unit string, limit int) ([]*domain.RedeployRecord, error) {
	var models []RedeployModel
	err := r.db.WithContext(ctx).
		Where("unit = ?", unit).
		Order("created_at desc").
		Limit(clampLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	recs := make([]*domain.RedeployRecord, 0, len(models))
	for _, m := range models {
		recs = append(recs, &domain.RedeployRecord{
			ID:        m.ID,
			Unit:      m.Unit,
			Key:       m.Key,
			Operation: domain.ChangeOperation(m.Operation),
			Outcome:   domain.RedeployOutcome(m.Outcome),
			Error:     m.Error,
			CreatedAt: m.CreatedAt,
		})
	}
	return recs, nil
}
