package recovery

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// Repository stores the recovery audit trail.
type Repository interface {
	Create(ctx context.Context, entry *models.RecoveryLog) error
	// LastDecisive returns the newest non-skipped attempt for an order and
	// action, or nil when there is none.
	LastDecisive(ctx context.Context, orderID uuid.UUID, action enums.RecoveryAction) (*models.RecoveryLog, error)
	ListForOrder(ctx context.Context, orderID uuid.UUID, limit int) ([]models.RecoveryLog, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, entry *models.RecoveryLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) LastDecisive(ctx context.Context, orderID uuid.UUID, action enums.RecoveryAction) (*models.RecoveryLog, error) {
	var entry models.RecoveryLog
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND action = ? AND outcome <> ?", orderID, action, enums.RecoveryOutcomeSkipped).
		Order("created_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListForOrder(ctx context.Context, orderID uuid.UUID, limit int) ([]models.RecoveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.RecoveryLog
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
