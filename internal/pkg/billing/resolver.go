package billing

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/skillpilot/skillpilot/internal/pkg/subscription"
)

// ResolutionInput carries the identifiers a strategy may use to map an event
// to a local user.
type ResolutionInput struct {
	EventMetadata   map[string]string
	CustomerID      string
	SubscriptionID  string
	LatestInvoiceID string
}

// ResolutionStrategy is one step in the ordered user-resolution fallback
// chain. Returning (0, nil) means "no match, try the next strategy"; an error
// aborts the chain (transient lookups get the whole event retried).
type ResolutionStrategy interface {
	Name() string
	Resolve(ctx context.Context, in ResolutionInput) (uint, error)
}

// UserResolver runs strategies in order and stops at the first success. The
// order is set at construction so deployments can rearrange it.
type UserResolver struct {
	strategies []ResolutionStrategy
}

// NewUserResolver builds a resolver over the given ordered strategies.
func NewUserResolver(strategies ...ResolutionStrategy) *UserResolver {
	return &UserResolver{strategies: strategies}
}

// DefaultStrategies returns the standard fallback order: event metadata,
// customer metadata, existing local records, recent checkout sessions, latest
// invoice metadata.
func DefaultStrategies(provider ProviderClient, repo Repository, subs subscription.Repository) []ResolutionStrategy {
	return []ResolutionStrategy{
		eventMetadataStrategy{},
		customerMetadataStrategy{provider: provider},
		existingRecordStrategy{repo: repo, subs: subs},
		checkoutSessionStrategy{provider: provider},
		invoiceMetadataStrategy{provider: provider},
	}
}

// Resolve returns the user id and the name of the strategy that produced it,
// for auditability. ErrUserNotResolved is permanent: every strategy ran and
// none matched.
func (r *UserResolver) Resolve(ctx context.Context, in ResolutionInput) (uint, string, error) {
	for _, strategy := range r.strategies {
		userID, err := strategy.Resolve(ctx, in)
		if err != nil {
			return 0, strategy.Name(), err
		}
		if userID != 0 {
			log.Infof("[BillingResolver] Resolved user %d via %s strategy", userID, strategy.Name())
			return userID, strategy.Name(), nil
		}
	}
	return 0, "", ErrUserNotResolved
}

func parseUserID(raw string) uint {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}

func userIDFromMetadata(metadata map[string]string) uint {
	if metadata == nil {
		return 0
	}
	if id := parseUserID(metadata["user_id"]); id != 0 {
		return id
	}
	return parseUserID(metadata["client_reference_id"])
}

type eventMetadataStrategy struct{}

func (eventMetadataStrategy) Name() string { return "event_metadata" }

func (eventMetadataStrategy) Resolve(_ context.Context, in ResolutionInput) (uint, error) {
	return userIDFromMetadata(in.EventMetadata), nil
}

type customerMetadataStrategy struct {
	provider ProviderClient
}

func (customerMetadataStrategy) Name() string { return "customer_metadata" }

func (s customerMetadataStrategy) Resolve(ctx context.Context, in ResolutionInput) (uint, error) {
	if in.CustomerID == "" {
		return 0, nil
	}
	cust, err := s.provider.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		if errors.Is(err, ErrTransientProvider) {
			return 0, err
		}
		// Definitive provider answer (deleted customer etc); try the next
		// strategy.
		return 0, nil
	}
	return userIDFromMetadata(cust.Metadata), nil
}

type existingRecordStrategy struct {
	repo Repository
	subs subscription.Repository
}

func (existingRecordStrategy) Name() string { return "existing_record" }

func (s existingRecordStrategy) Resolve(ctx context.Context, in ResolutionInput) (uint, error) {
	if in.CustomerID == "" {
		return 0, nil
	}
	if user, err := s.repo.UserByStripeCustomerID(ctx, in.CustomerID); err == nil {
		return user.ID, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	if sub, err := s.subs.LatestByStripeCustomerID(ctx, in.CustomerID); err == nil {
		return sub.UserID, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	return 0, nil
}

type checkoutSessionStrategy struct {
	provider ProviderClient
}

func (checkoutSessionStrategy) Name() string { return "checkout_sessions" }

func (s checkoutSessionStrategy) Resolve(ctx context.Context, in ResolutionInput) (uint, error) {
	if in.CustomerID == "" {
		return 0, nil
	}
	sessions, err := s.provider.ListCheckoutSessions(ctx, in.CustomerID, 5)
	if err != nil {
		if errors.Is(err, ErrTransientProvider) {
			return 0, err
		}
		return 0, nil
	}
	for _, sess := range sessions {
		if id := parseUserID(sess.ClientReferenceID); id != 0 {
			return id, nil
		}
		if id := userIDFromMetadata(sess.Metadata); id != 0 {
			return id, nil
		}
	}
	return 0, nil
}

type invoiceMetadataStrategy struct {
	provider ProviderClient
}

func (invoiceMetadataStrategy) Name() string { return "invoice_metadata" }

func (s invoiceMetadataStrategy) Resolve(ctx context.Context, in ResolutionInput) (uint, error) {
	if in.LatestInvoiceID == "" {
		return 0, nil
	}
	inv, err := s.provider.GetInvoice(ctx, in.LatestInvoiceID)
	if err != nil {
		if errors.Is(err, ErrTransientProvider) {
			return 0, err
		}
		return 0, nil
	}
	return userIDFromMetadata(inv.Metadata), nil
}
