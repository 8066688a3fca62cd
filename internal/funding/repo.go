package funding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// Repository persists funding alerts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, alert *models.FundingAlert) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.FundingAlert, error)
	FindOpenSince(ctx context.Context, alertType enums.FundingAlertType, since time.Time) (*models.FundingAlert, error)
	RefreshSnapshot(ctx context.Context, id uuid.UUID, snapshot Snapshot) error
	Resolve(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error)
	ResolveOpen(ctx context.Context, by string, at time.Time, keep ...enums.FundingAlertType) (int64, error)
	ListOpen(ctx context.Context) ([]models.FundingAlert, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, alert *models.FundingAlert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.FundingAlert, error) {
	var alert models.FundingAlert
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// FindOpenSince returns the newest unresolved alert of a type raised at or
// after since.
func (r *repository) FindOpenSince(ctx context.Context, alertType enums.FundingAlertType, since time.Time) (*models.FundingAlert, error) {
	var alert models.FundingAlert
	err := r.db.WithContext(ctx).
		Where("alert_type = ? AND resolved_at IS NULL AND created_at >= ?", alertType, since).
		Order("created_at DESC").
		First(&alert).Error
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *repository) RefreshSnapshot(ctx context.Context, id uuid.UUID, snapshot Snapshot) error {
	return r.db.WithContext(ctx).
		Model(&models.FundingAlert{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"vendor_balance_cents":     snapshot.BalanceCents,
			"pending_value_cents":      snapshot.PendingCents,
			"recommended_top_up_cents": snapshot.RecommendedTopUpCents,
			"orders_waiting":           snapshot.OrdersWaiting,
		}).Error
}

// Resolve stamps an open alert; it reports false when the alert was already
// resolved.
func (r *repository) Resolve(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.FundingAlert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]any{"resolved_at": at, "resolved_by": by})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ResolveOpen stamps every open alert except those of the kept types.
func (r *repository) ResolveOpen(ctx context.Context, by string, at time.Time, keep ...enums.FundingAlertType) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.FundingAlert{}).
		Where("resolved_at IS NULL")
	if len(keep) > 0 {
		query = query.Where("alert_type NOT IN ?", keep)
	}
	res := query.Updates(map[string]any{"resolved_at": at, "resolved_by": by})
	return res.RowsAffected, res.Error
}

func (r *repository) ListOpen(ctx context.Context) ([]models.FundingAlert, error) {
	var alerts []models.FundingAlert
	err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at DESC").
		Find(&alerts).Error
	return alerts, err
}
