package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/skillpilot/skillpilot/app/models"
)

// Repository provides DB operations used by the billing event services.
type Repository interface {
	CreateEventIfNotExists(ctx context.Context, event *models.BillingEvent) (bool, *models.BillingEvent, error)
	GetEvent(ctx context.Context, id uint) (*models.BillingEvent, error)
	GetEventByExternalID(ctx context.Context, externalID string) (*models.BillingEvent, error)
	// TransitionEvent applies updates only when the event is currently in one
	// of allowedFrom. Returns false when another writer got there first.
	TransitionEvent(ctx context.Context, id uint, allowedFrom []string, updates map[string]interface{}) (bool, error)
	EventsByStatus(ctx context.Context, status string, limit int) ([]models.BillingEvent, error)
	RetryableEvents(ctx context.Context, limit int) ([]models.BillingEvent, error)
	StuckProcessingEvents(ctx context.Context, maxAge time.Duration, limit int) ([]models.BillingEvent, error)
	CountsByStatus(ctx context.Context) (map[string]int64, error)

	CreateRetryJob(ctx context.Context, job *models.RetryJob) error
	DeleteRetryJobsForEvent(ctx context.Context, eventID uint) error

	CreatePaymentHistory(ctx context.Context, entry *models.PaymentHistory) error
	PaymentHistoryForCheckoutSession(ctx context.Context, sessionID string) (*models.PaymentHistory, error)
	PaymentHistoryForInvoice(ctx context.Context, invoiceID, status string) (*models.PaymentHistory, error)

	UserByID(ctx context.Context, id uint) (*models.User, error)
	UserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error)
	LinkStripeCustomer(ctx context.Context, userID uint, customerID string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateEventIfNotExists(ctx context.Context, event *models.BillingEvent) (bool, *models.BillingEvent, error) {
	// The unique index on external_id makes concurrent duplicate inserts
	// resolve to exactly one winner; losing writers read the stored row.
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingEvent
	if err := r.db.WithContext(ctx).
		Where("external_id = ?", event.ExternalID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetEvent(ctx context.Context, id uint) (*models.BillingEvent, error) {
	var event models.BillingEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) GetEventByExternalID(ctx context.Context, externalID string) (*models.BillingEvent, error) {
	var event models.BillingEvent
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) TransitionEvent(ctx context.Context, id uint, allowedFrom []string, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&models.BillingEvent{}).
		Where("id = ? AND status IN ?", id, allowedFrom).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) EventsByStatus(ctx context.Context, status string, limit int) ([]models.BillingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.BillingEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) RetryableEvents(ctx context.Context, limit int) ([]models.BillingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.BillingEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND attempts < max_attempts", models.BillingEventStatusFailed).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) StuckProcessingEvents(ctx context.Context, maxAge time.Duration, limit int) ([]models.BillingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().Add(-maxAge)
	var events []models.BillingEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.BillingEventStatusProcessing, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.BillingEvent{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *gormRepository) CreateRetryJob(ctx context.Context, job *models.RetryJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gormRepository) DeleteRetryJobsForEvent(ctx context.Context, eventID uint) error {
	return r.db.WithContext(ctx).
		Where("billing_event_id = ?", eventID).
		Delete(&models.RetryJob{}).Error
}

func (r *gormRepository) CreatePaymentHistory(ctx context.Context, entry *models.PaymentHistory) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormRepository) PaymentHistoryForCheckoutSession(ctx context.Context, sessionID string) (*models.PaymentHistory, error) {
	var entry models.PaymentHistory
	err := r.db.WithContext(ctx).
		Where("stripe_checkout_session_id = ?", sessionID).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *gormRepository) PaymentHistoryForInvoice(ctx context.Context, invoiceID, status string) (*models.PaymentHistory, error) {
	var entry models.PaymentHistory
	err := r.db.WithContext(ctx).
		Where("stripe_invoice_id = ? AND status = ?", invoiceID, status).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *gormRepository) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) UserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) LinkStripeCustomer(ctx context.Context, userID uint, customerID string) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND (stripe_customer_id = '' OR stripe_customer_id IS NULL)", userID).
		Update("stripe_customer_id", customerID).Error
}
