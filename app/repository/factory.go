package repository

import (
	"sync"

	"gorm.io/gorm"

	"github.com/skillpilot/skillpilot/internal/pkg/billing"
	"github.com/skillpilot/skillpilot/internal/pkg/cache"
	"github.com/skillpilot/skillpilot/internal/pkg/credits"
	"github.com/skillpilot/skillpilot/internal/pkg/retryqueue"
	"github.com/skillpilot/skillpilot/internal/pkg/subscription"
)

// Services bundles the wired domain services. Constructed once per process;
// controllers and the retry queue share the same instances.
type Services struct {
	BillingRepo   billing.Repository
	Events        *billing.EventService
	Dispatcher    *billing.Dispatcher
	Ledger        *credits.Ledger
	Deductions    *credits.DeductionService
	Subscriptions *subscription.Service
	Scheduler     *retryqueue.Scheduler
}

// Factory builds the service graph off one DB handle and ensures it is a
// singleton.
type Factory struct {
	db       *gorm.DB
	services *Services
	once     sync.Once
}

// NewFactory creates a new service factory.
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// GetServices returns the singleton service graph.
func (f *Factory) GetServices() *Services {
	f.once.Do(func() {
		f.services = newServices(f.db)
	})
	return f.services
}

func newServices(db *gorm.DB) *Services {
	invalidator := cache.NewInvalidator()

	billingRepo := billing.NewRepository(db)
	creditsRepo := credits.NewRepository(db)
	subsRepo := subscription.NewRepository(db)

	events := billing.NewEventService(billingRepo)
	ledger := credits.NewLedger(creditsRepo, invalidator)
	subs := subscription.NewService(db, subsRepo, creditsRepo, invalidator)
	scheduler := retryqueue.NewScheduler(billingRepo)

	provider := billing.NewStripeClient()
	resolver := billing.NewUserResolver(billing.DefaultStrategies(provider, billingRepo, subsRepo)...)
	dispatcher := billing.NewDispatcher(events, billingRepo, subs, ledger, provider, resolver, scheduler)

	return &Services{
		BillingRepo:   billingRepo,
		Events:        events,
		Dispatcher:    dispatcher,
		Ledger:        ledger,
		Deductions:    credits.NewDeductionService(ledger),
		Subscriptions: subs,
		Scheduler:     scheduler,
	}
}

// Global factory instance
var (
	globalFactory *Factory
	factoryOnce   sync.Once
)

// InitializeFactory initializes the global service factory.
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory returns the global service factory.
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Service factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

// SetServicesForTest swaps the global factory for one that returns the given
// service graph. Test use only.
func SetServicesForTest(services *Services) {
	f := &Factory{services: services}
	f.once.Do(func() {})
	globalFactory = f
}
