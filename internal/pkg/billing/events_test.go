package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/skillpilot/skillpilot/app/models"
)

// memRepo is an in-memory Repository used by the billing service tests. It
// mirrors the row-level semantics the GORM implementation relies on: the
// external_id dedup on insert and the conditional status update.
type memRepo struct {
	events       map[uint]*models.BillingEvent
	byExternalID map[string]uint
	nextID       uint

	retryJobs       []*models.RetryJob
	deletedRetryFor []uint

	payments []*models.PaymentHistory

	users           map[uint]*models.User
	usersByCustomer map[string]*models.User
	linkedCustomers map[uint]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		events:          make(map[uint]*models.BillingEvent),
		byExternalID:    make(map[string]uint),
		nextID:          1,
		users:           make(map[uint]*models.User),
		usersByCustomer: make(map[string]*models.User),
		linkedCustomers: make(map[uint]string),
	}
}

func (r *memRepo) addUser(u *models.User) {
	r.users[u.ID] = u
	if u.StripeCustomerID != "" {
		r.usersByCustomer[u.StripeCustomerID] = u
	}
}

func (r *memRepo) CreateEventIfNotExists(_ context.Context, event *models.BillingEvent) (bool, *models.BillingEvent, error) {
	if id, ok := r.byExternalID[event.ExternalID]; ok {
		stored := *r.events[id]
		return false, &stored, nil
	}
	event.ID = r.nextID
	r.nextID++
	stored := *event
	r.events[event.ID] = &stored
	r.byExternalID[event.ExternalID] = event.ID
	copied := stored
	return true, &copied, nil
}

func (r *memRepo) GetEvent(_ context.Context, id uint) (*models.BillingEvent, error) {
	event, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *memRepo) GetEventByExternalID(_ context.Context, externalID string) (*models.BillingEvent, error) {
	id, ok := r.byExternalID[externalID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *r.events[id]
	return &copied, nil
}

func (r *memRepo) TransitionEvent(_ context.Context, id uint, allowedFrom []string, updates map[string]interface{}) (bool, error) {
	event, ok := r.events[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, status := range allowedFrom {
		if event.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	for key, value := range updates {
		switch key {
		case "status":
			event.Status = value.(string)
		case "error_message":
			event.ErrorMessage = value.(string)
		case "processed_at":
			event.ProcessedAt = value.(*time.Time)
		case "attempts":
			switch v := value.(type) {
			case int:
				event.Attempts = v
			case clause.Expr:
				if v.SQL == "max_attempts" {
					event.Attempts = event.MaxAttempts
				} else {
					event.Attempts++
				}
			}
		case "updated_at":
			event.UpdatedAt = value.(time.Time)
		}
	}
	return true, nil
}

func (r *memRepo) EventsByStatus(_ context.Context, status string, limit int) ([]models.BillingEvent, error) {
	var out []models.BillingEvent
	for id := uint(1); id < r.nextID; id++ {
		if event, ok := r.events[id]; ok && event.Status == status {
			out = append(out, *event)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) RetryableEvents(_ context.Context, limit int) ([]models.BillingEvent, error) {
	var out []models.BillingEvent
	for id := uint(1); id < r.nextID; id++ {
		if event, ok := r.events[id]; ok && event.IsRetryable() {
			out = append(out, *event)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) StuckProcessingEvents(_ context.Context, maxAge time.Duration, limit int) ([]models.BillingEvent, error) {
	cutoff := time.Now().Add(-maxAge)
	var out []models.BillingEvent
	for id := uint(1); id < r.nextID; id++ {
		event, ok := r.events[id]
		if ok && event.Status == models.BillingEventStatusProcessing && event.UpdatedAt.Before(cutoff) {
			out = append(out, *event)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) CountsByStatus(_ context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, event := range r.events {
		counts[event.Status]++
	}
	return counts, nil
}

func (r *memRepo) CreateRetryJob(_ context.Context, job *models.RetryJob) error {
	r.retryJobs = append(r.retryJobs, job)
	return nil
}

func (r *memRepo) DeleteRetryJobsForEvent(_ context.Context, eventID uint) error {
	r.deletedRetryFor = append(r.deletedRetryFor, eventID)
	kept := r.retryJobs[:0]
	for _, job := range r.retryJobs {
		if job.BillingEventID != eventID {
			kept = append(kept, job)
		}
	}
	r.retryJobs = kept
	return nil
}

func (r *memRepo) CreatePaymentHistory(_ context.Context, entry *models.PaymentHistory) error {
	r.payments = append(r.payments, entry)
	return nil
}

func (r *memRepo) PaymentHistoryForCheckoutSession(_ context.Context, sessionID string) (*models.PaymentHistory, error) {
	for _, entry := range r.payments {
		if entry.StripeCheckoutSessionID == sessionID {
			return entry, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) PaymentHistoryForInvoice(_ context.Context, invoiceID, status string) (*models.PaymentHistory, error) {
	for _, entry := range r.payments {
		if entry.StripeInvoiceID == invoiceID && entry.Status == status {
			return entry, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) UserByID(_ context.Context, id uint) (*models.User, error) {
	user, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (r *memRepo) UserByStripeCustomerID(_ context.Context, customerID string) (*models.User, error) {
	user, ok := r.usersByCustomer[customerID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (r *memRepo) LinkStripeCustomer(_ context.Context, userID uint, customerID string) error {
	r.linkedCustomers[userID] = customerID
	if user, ok := r.users[userID]; ok {
		user.StripeCustomerID = customerID
		r.usersByCustomer[customerID] = user
	}
	return nil
}

func TestRecordIfNewDeduplicates(t *testing.T) {
	repo := newMemRepo()
	svc := NewEventService(repo)
	ctx := context.Background()

	isNew, first, err := svc.RecordIfNew(ctx, "evt_1", EventInvoicePaid, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, models.BillingEventStatusPending, first.Status)
	assert.Equal(t, models.DefaultMaxEventAttempts, first.MaxAttempts)

	// Second delivery of the same external id returns the stored row.
	require.NoError(t, svc.MarkProcessing(ctx, first.ID))
	isNew, second, err := svc.RecordIfNew(ctx, "evt_1", EventInvoicePaid, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.BillingEventStatusProcessing, second.Status)
}

func TestEventLifecycleHappyPath(t *testing.T) {
	repo := newMemRepo()
	svc := NewEventService(repo)
	ctx := context.Background()

	_, event, err := svc.RecordIfNew(ctx, "evt_2", EventSubscriptionCreated, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.MarkProcessing(ctx, event.ID))
	require.NoError(t, svc.MarkCompleted(ctx, event.ID))

	stored, err := svc.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingEventStatusCompleted, stored.Status)
	require.NotNil(t, stored.ProcessedAt)
	assert.Contains(t, repo.deletedRetryFor, event.ID)
}

func TestMarkProcessingRace(t *testing.T) {
	repo := newMemRepo()
	svc := NewEventService(repo)
	ctx := context.Background()

	_, event, err := svc.RecordIfNew(ctx, "evt_3", EventInvoicePaid, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.MarkProcessing(ctx, event.ID))
	// The second claim loses the conditional update.
	assert.ErrorIs(t, svc.MarkProcessing(ctx, event.ID), ErrEventConflict)
}

func TestMarkFailedIncrementsAttempts(t *testing.T) {
	repo := newMemRepo()
	svc := NewEventService(repo)
	ctx := context.Background()

	_, event, err := svc.RecordIfNew(ctx, "evt_4", EventInvoicePaid, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, event.ID))
	require.NoError(t, svc.MarkFailed(ctx, event.ID, "provider timeout", true))

	stored, err := svc.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingEventStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "provider timeout", stored.ErrorMessage)
	assert.True(t, stored.IsRetryable())

	// Releasing a stuck event does not consume an attempt.
	require.NoError(t, svc.MarkRetrying(ctx, event.ID))
	require.NoError(t, svc.MarkProcessing(ctx, event.ID))
	require.NoError(t, svc.ReleaseStuck(ctx, event.ID))
	stored, err = svc.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestMarkFailedPermanentDeadLetters(t *testing.T) {
	repo := newMemRepo()
	svc := NewEventService(repo)
	ctx := context.Background()

	_, event, err := svc.RecordIfNew(ctx, "evt_5", EventCheckoutSessionCompleted, []byte(`not json`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, event.ID))
	require.NoError(t, svc.MarkFailedPermanent(ctx, event.ID, "malformed payload"))

	stored, err := svc.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingEventStatusFailed, stored.Status)
	assert.Equal(t, stored.MaxAttempts, stored.Attempts)
	assert.False(t, stored.IsRetryable())
	assert.True(t, stored.IsTerminal())

	retryable, err := svc.RetryableEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestCancelRemovesRetryJobs(t *testing.T) {
	repo := newMemRepo()
	svc := NewEventService(repo)
	ctx := context.Background()

	_, event, err := svc.RecordIfNew(ctx, "evt_6", EventInvoicePaid, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, event.ID))
	require.NoError(t, svc.MarkFailed(ctx, event.ID, "boom", true))
	require.NoError(t, repo.CreateRetryJob(ctx, &models.RetryJob{BillingEventID: event.ID}))

	require.NoError(t, svc.Cancel(ctx, event.ID))

	stored, err := svc.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingEventStatusCancelled, stored.Status)
	assert.True(t, stored.IsTerminal())
	assert.Empty(t, repo.retryJobs)

	// A terminal event cannot be cancelled again.
	assert.ErrorIs(t, svc.Cancel(ctx, event.ID), ErrEventConflict)
}

func TestCountsByStatus(t *testing.T) {
	repo := newMemRepo()
	svc := NewEventService(repo)
	ctx := context.Background()

	_, a, err := svc.RecordIfNew(ctx, "evt_7", EventInvoicePaid, []byte(`{}`))
	require.NoError(t, err)
	_, _, err = svc.RecordIfNew(ctx, "evt_8", EventInvoicePaid, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, a.ID))
	require.NoError(t, svc.MarkCompleted(ctx, a.ID))

	counts, err := svc.CountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.BillingEventStatusCompleted])
	assert.Equal(t, int64(1), counts[models.BillingEventStatusPending])
}
