package billing

import (
	"encoding/json"
	"errors"
)

// Handled provider event types. Everything else is acknowledged and ignored.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// Checkout session modes.
const (
	checkoutModeSubscription = "subscription"
	checkoutModePayment      = "payment"
)

// Invoice billing reason that marks a recurring renewal cycle.
const billingReasonSubscriptionCycle = "subscription_cycle"

var (
	// ErrInvalidSignature rejects a webhook delivery whose body/signature
	// pair does not match the signing secret. Never retried.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUserNotResolved means every resolution strategy failed to map the
	// event to a local user. Permanent: retrying cannot fix it.
	ErrUserNotResolved = errors.New("no resolution strategy produced a user")

	// ErrTransientProvider wraps network/timeout failures talking to the
	// billing provider. Retried with backoff.
	ErrTransientProvider = errors.New("transient billing provider error")

	// ErrUnknownPlan means the event references a price id with no plan row.
	// Permanent until an operator adds the mapping.
	ErrUnknownPlan = errors.New("no subscription plan for provider price")

	// ErrMalformedPayload marks an undecodable event body. Permanent.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// EventEnvelope is a verified, decoded webhook delivery.
type EventEnvelope struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// checkoutSessionPayload holds the checkout.session.completed fields the
// handlers rely on. Decoding into a local struct instead of the SDK type
// keeps provider API-version drift away from handler logic.
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionPayload holds the customer.subscription.* fields the handlers
// rely on. Period fields appear top-level on older provider API versions and
// on the first item on newer ones; both are read.
type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	LatestInvoice      string            `json:"latest_invoice"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p *subscriptionPayload) priceID() string {
	if len(p.Items.Data) > 0 {
		return p.Items.Data[0].Price.ID
	}
	return ""
}

func (p *subscriptionPayload) periodStart() int64 {
	if p.CurrentPeriodStart > 0 {
		return p.CurrentPeriodStart
	}
	if len(p.Items.Data) > 0 {
		return p.Items.Data[0].CurrentPeriodStart
	}
	return 0
}

func (p *subscriptionPayload) periodEnd() int64 {
	if p.CurrentPeriodEnd > 0 {
		return p.CurrentPeriodEnd
	}
	if len(p.Items.Data) > 0 {
		return p.Items.Data[0].CurrentPeriodEnd
	}
	return 0
}

// invoicePayload holds the invoice.* fields the handlers rely on. The
// subscription reference appears top-level on older provider API versions and
// under parent.subscription_details on newer ones.
type invoicePayload struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	BillingReason string            `json:"billing_reason"`
	Subscription  string            `json:"subscription"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	return p.Parent.SubscriptionDetails.Subscription
}

func (p *invoicePayload) priceID() string {
	if len(p.Lines.Data) == 0 {
		return ""
	}
	if id := p.Lines.Data[0].Price.ID; id != "" {
		return id
	}
	return p.Lines.Data[0].Pricing.PriceDetails.Price
}

func (p *invoicePayload) period() (int64, int64) {
	if len(p.Lines.Data) == 0 {
		return 0, 0
	}
	return p.Lines.Data[0].Period.Start, p.Lines.Data[0].Period.End
}
