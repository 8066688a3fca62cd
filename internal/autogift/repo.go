package autogift

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// Repository reads rules and records their executions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ListActiveRules(ctx context.Context, after uuid.UUID, limit int) ([]models.AutoGiftRule, error)
	FindRule(ctx context.Context, id uuid.UUID) (*models.AutoGiftRule, error)
	DeactivateRule(ctx context.Context, id uuid.UUID) error
	CreateExecution(ctx context.Context, execution *models.AutoGiftExecution) error
	FindExecution(ctx context.Context, id uuid.UUID) (*models.AutoGiftExecution, error)
	FindOccurrence(ctx context.Context, ruleID uuid.UUID, occurrence string) (*models.AutoGiftExecution, error)
	ListExecutionsForRule(ctx context.Context, ruleID uuid.UUID, statuses ...enums.AutoGiftExecutionStatus) ([]models.AutoGiftExecution, error)
	ListExecutionsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.AutoGiftExecution, error)
	UpdateExecution(ctx context.Context, id uuid.UUID, updates map[string]any) error
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

// ListActiveRules pages through active rules by id.
func (r *repository) ListActiveRules(ctx context.Context, after uuid.UUID, limit int) ([]models.AutoGiftRule, error) {
	if limit <= 0 {
		limit = 200
	}
	var rules []models.AutoGiftRule
	query := r.db.WithContext(ctx).Where("active = ?", true)
	if after != uuid.Nil {
		query = query.Where("id > ?", after)
	}
	err := query.Order("id ASC").Limit(limit).Find(&rules).Error
	return rules, err
}

func (r *repository) FindRule(ctx context.Context, id uuid.UUID) (*models.AutoGiftRule, error) {
	var rule models.AutoGiftRule
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *repository) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.AutoGiftRule{}).
		Where("id = ?", id).
		Update("active", false).Error
}

func (r *repository) CreateExecution(ctx context.Context, execution *models.AutoGiftExecution) error {
	return r.db.WithContext(ctx).Create(execution).Error
}

func (r *repository) FindExecution(ctx context.Context, id uuid.UUID) (*models.AutoGiftExecution, error) {
	var execution models.AutoGiftExecution
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&execution).Error; err != nil {
		return nil, err
	}
	return &execution, nil
}

func (r *repository) FindOccurrence(ctx context.Context, ruleID uuid.UUID, occurrence string) (*models.AutoGiftExecution, error) {
	var execution models.AutoGiftExecution
	err := r.db.WithContext(ctx).
		Where("rule_id = ? AND occurrence_date = ?", ruleID, occurrence).
		First(&execution).Error
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (r *repository) ListExecutionsForRule(ctx context.Context, ruleID uuid.UUID, statuses ...enums.AutoGiftExecutionStatus) ([]models.AutoGiftExecution, error) {
	var out []models.AutoGiftExecution
	query := r.db.WithContext(ctx).Where("rule_id = ?", ruleID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	err := query.Order("occurrence_date ASC").Find(&out).Error
	return out, err
}

func (r *repository) ListExecutionsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.AutoGiftExecution, error) {
	var out []models.AutoGiftExecution
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&out).Error
	return out, err
}

func (r *repository) UpdateExecution(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.AutoGiftExecution{}).
		Where("id = ?", id).
		Updates(updates).Error
}
