package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	"github.com/skillpilot/skillpilot/internal/pkg/env"
)

// providerTimeout bounds every lookup against the billing provider. A timeout
// is a recoverable failure, not partial success.
const providerTimeout = 10 * time.Second

// ProviderCustomer is the slice of a provider customer the handlers use.
type ProviderCustomer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// ProviderSubscription is the slice of a provider subscription the handlers
// use for lookups. Period data comes from webhook payloads, not from here.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// ProviderInvoice is the slice of a provider invoice used for user
// resolution fallbacks.
type ProviderInvoice struct {
	ID         string
	CustomerID string
	Metadata   map[string]string
}

// ProviderCheckoutSession is the slice of a provider checkout session used
// for user resolution fallbacks.
type ProviderCheckoutSession struct {
	ID                string
	ClientReferenceID string
	Metadata          map[string]string
}

// ProviderClient is the injected read-only billing provider API. Handlers and
// the user resolver depend on this interface so they are testable without
// network access.
type ProviderClient interface {
	GetCustomer(ctx context.Context, id string) (*ProviderCustomer, error)
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	GetInvoice(ctx context.Context, id string) (*ProviderInvoice, error)
	ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]ProviderCheckoutSession, error)
}

// SetupStripe configures the global Stripe API key from the environment.
func SetupStripe() {
	stripe.Key = env.GetEnv("STRIPE_SECRET_KEY", "")
}

type stripeClient struct{}

// NewStripeClient returns a ProviderClient backed by the Stripe SDK.
func NewStripeClient() ProviderClient {
	return stripeClient{}
}

func (stripeClient) GetCustomer(ctx context.Context, id string) (*ProviderCustomer, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := customer.Get(id, params)
	if err != nil {
		return nil, classifyProviderErr("customer", id, err)
	}
	return &ProviderCustomer{ID: c.ID, Email: c.Email, Metadata: c.Metadata}, nil
}

func (stripeClient) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := stripesub.Get(id, params)
	if err != nil {
		return nil, classifyProviderErr("subscription", id, err)
	}

	out := &ProviderSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		out.PriceID = s.Items.Data[0].Price.ID
	}
	return out, nil
}

func (stripeClient) GetInvoice(ctx context.Context, id string) (*ProviderInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := invoice.Get(id, params)
	if err != nil {
		return nil, classifyProviderErr("invoice", id, err)
	}

	out := &ProviderInvoice{ID: inv.ID, Metadata: inv.Metadata}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out, nil
}

func (stripeClient) ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]ProviderCheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 5
	}
	params := &stripe.CheckoutSessionListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))

	var sessions []ProviderCheckoutSession
	iter := checkoutsession.List(params)
	for iter.Next() {
		s := iter.CheckoutSession()
		sessions = append(sessions, ProviderCheckoutSession{
			ID:                s.ID,
			ClientReferenceID: s.ClientReferenceID,
			Metadata:          s.Metadata,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, classifyProviderErr("checkout sessions", customerID, err)
	}
	return sessions, nil
}

// classifyProviderErr separates definitive provider answers (missing or
// invalid objects) from transport failures that deserve a retry.
func classifyProviderErr(object, id string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.HTTPStatusCode {
		case http.StatusNotFound, http.StatusBadRequest:
			return fmt.Errorf("%s %s: %s", object, id, stripeErr.Code)
		}
	}
	return fmt.Errorf("%w: get %s %s: %v", ErrTransientProvider, object, id, err)
}
