package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// Repository defines persistence operations for orders and their staged
// payment intent records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error)
	FindByVendorOrder(ctx context.Context, vendorOrderID string) (*models.Order, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error)
	UpdateWithVersion(ctx context.Context, id uuid.UUID, version int, updates map[string]any) (bool, error)
	UpdateFields(ctx context.Context, id uuid.UUID, updates map[string]any) error
	List(ctx context.Context, filter ListFilter) ([]models.Order, error)
	PendingDispatchValue(ctx context.Context) (PendingValue, error)
	CountByStatus(ctx context.Context) (map[enums.OrderStatus]int64, error)

	CreateRecord(ctx context.Context, record *models.PaymentIntentRecord) error
	FindRecord(ctx context.Context, intentID string) (*models.PaymentIntentRecord, error)
	MarkRecordConsumed(ctx context.Context, intentID string, at time.Time) error
	DeleteConsumedRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ListFilter narrows order scans used by recovery, funding and admin views.
type ListFilter struct {
	Statuses        []enums.OrderStatus
	ChangedBefore   *time.Time
	ScheduledBefore *time.Time
	HasIntent       *bool
	HasVendorOrder  *bool
	CaptureMethod   enums.CaptureMethod
	Limit           int
}

// PendingValue is the paid value still waiting on vendor submission.
type PendingValue struct {
	Cents         int64
	Orders        int64
	AwaitingFunds int64
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *repository) FindByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error) {
	return r.findOne(ctx, "payment_intent_id = ?", intentID)
}

func (r *repository) FindByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error) {
	return r.findOne(ctx, "checkout_session_id = ?", sessionID)
}

func (r *repository) FindByVendorOrder(ctx context.Context, vendorOrderID string) (*models.Order, error) {
	return r.findOne(ctx, "vendor_order_id = ?", vendorOrderID)
}

func (r *repository) findOne(ctx context.Context, query string, arg any) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where(query, arg).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CompareAndSetStatus applies updates only while the row is still in from.
// Every write bumps version so concurrent timeline merges notice it.
func (r *repository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error) {
	updates["version"] = gorm.Expr("version + 1")
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateWithVersion(ctx context.Context, id uuid.UUID, version int, updates map[string]any) (bool, error) {
	updates["version"] = version + 1
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateFields(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["version"] = gorm.Expr("version + 1")
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]models.Order, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.ChangedBefore != nil {
		query = query.Where("status_changed_at < ?", *filter.ChangedBefore)
	}
	if filter.ScheduledBefore != nil {
		query = query.Where("scheduled_delivery_date IS NOT NULL AND scheduled_delivery_date <= ?", *filter.ScheduledBefore)
	}
	if filter.HasIntent != nil {
		if *filter.HasIntent {
			query = query.Where("payment_intent_id IS NOT NULL AND payment_intent_id <> ''")
		} else {
			query = query.Where("payment_intent_id IS NULL OR payment_intent_id = ''")
		}
	}
	if filter.HasVendorOrder != nil {
		if *filter.HasVendorOrder {
			query = query.Where("vendor_order_id IS NOT NULL AND vendor_order_id <> ''")
		} else {
			query = query.Where("vendor_order_id IS NULL OR vendor_order_id = ''")
		}
	}
	if filter.CaptureMethod != "" {
		query = query.Where("capture_method = ?", filter.CaptureMethod)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var out []models.Order
	if err := query.Order("status_changed_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) PendingDispatchValue(ctx context.Context) (PendingValue, error) {
	var row struct {
		Cents         int64
		Orders        int64
		AwaitingFunds int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Select(
			"COALESCE(SUM(amount_cents), 0) AS cents, COUNT(*) AS orders, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS awaiting_funds",
			enums.OrderStatusAwaitingFunds,
		).
		Where("status IN ?", []enums.OrderStatus{enums.OrderStatusPaymentConfirmed, enums.OrderStatusAwaitingFunds}).
		Where("vendor_order_id IS NULL OR vendor_order_id = ''").
		Scan(&row).Error
	if err != nil {
		return PendingValue{}, err
	}
	return PendingValue{Cents: row.Cents, Orders: row.Orders, AwaitingFunds: row.AwaitingFunds}, nil
}

func (r *repository) CountByStatus(ctx context.Context) (map[enums.OrderStatus]int64, error) {
	var rows []struct {
		Status enums.OrderStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.OrderStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

func (r *repository) CreateRecord(ctx context.Context, record *models.PaymentIntentRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) FindRecord(ctx context.Context, intentID string) (*models.PaymentIntentRecord, error) {
	var record models.PaymentIntentRecord
	err := r.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) MarkRecordConsumed(ctx context.Context, intentID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentIntentRecord{}).
		Where("payment_intent_id = ? AND consumed_at IS NULL", intentID).
		Update("consumed_at", at).Error
}

func (r *repository) DeleteConsumedRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("consumed_at IS NOT NULL AND consumed_at < ?", cutoff).
		Delete(&models.PaymentIntentRecord{})
	return res.RowsAffected, res.Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
