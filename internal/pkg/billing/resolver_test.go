package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillpilot/skillpilot/app/models"
)

func newResolverFixture() (*UserResolver, *memRepo, *fakeSubsRepo, *fakeProvider) {
	repo := newMemRepo()
	subs := newFakeSubsRepo()
	provider := &fakeProvider{
		customers: make(map[string]*ProviderCustomer),
		subs:      make(map[string]*ProviderSubscription),
		invoices:  make(map[string]*ProviderInvoice),
		sessions:  make(map[string][]ProviderCheckoutSession),
	}
	return NewUserResolver(DefaultStrategies(provider, repo, subs)...), repo, subs, provider
}

func TestResolveEventMetadataWinsFirst(t *testing.T) {
	resolver, _, _, provider := newResolverFixture()
	// A broken provider proves no remote call is made when the event itself
	// carries the user id.
	provider.transient = true

	userID, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{
		EventMetadata: map[string]string{"user_id": "42"},
		CustomerID:    "cus_42",
	})
	require.NoError(t, err)
	assert.Equal(t, uint(42), userID)
	assert.Equal(t, "event_metadata", strategy)
}

func TestResolveClientReferenceFallback(t *testing.T) {
	resolver, _, _, _ := newResolverFixture()

	userID, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{
		EventMetadata: map[string]string{"client_reference_id": "17"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(17), userID)
	assert.Equal(t, "event_metadata", strategy)
}

func TestResolveCustomerMetadata(t *testing.T) {
	resolver, _, _, provider := newResolverFixture()
	provider.customers["cus_5"] = &ProviderCustomer{
		ID:       "cus_5",
		Metadata: map[string]string{"user_id": "5"},
	}

	userID, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{CustomerID: "cus_5"})
	require.NoError(t, err)
	assert.Equal(t, uint(5), userID)
	assert.Equal(t, "customer_metadata", strategy)
}

func TestResolveExistingRecordAfterDefinitiveProviderMiss(t *testing.T) {
	resolver, repo, _, _ := newResolverFixture()
	// The provider does not know cus_8 (deleted customer). That answer is
	// definitive, so resolution moves on to local records.
	repo.addUser(&models.User{ID: 8, StripeCustomerID: "cus_8"})

	userID, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{CustomerID: "cus_8"})
	require.NoError(t, err)
	assert.Equal(t, uint(8), userID)
	assert.Equal(t, "existing_record", strategy)
}

func TestResolveViaLocalSubscriptionRecord(t *testing.T) {
	resolver, _, subs, _ := newResolverFixture()
	require.NoError(t, subs.ActivatePeriodTx(nil, &models.UserSubscription{
		UserID: 21, PlanID: 2, StripeCustomerID: "cus_21",
	}))

	userID, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{CustomerID: "cus_21"})
	require.NoError(t, err)
	assert.Equal(t, uint(21), userID)
	assert.Equal(t, "existing_record", strategy)
}

func TestResolveViaCheckoutSessions(t *testing.T) {
	resolver, _, _, provider := newResolverFixture()
	provider.customers["cus_9"] = &ProviderCustomer{ID: "cus_9"} // no metadata
	provider.sessions["cus_9"] = []ProviderCheckoutSession{
		{ID: "cs_a"},
		{ID: "cs_b", ClientReferenceID: "9"},
	}

	userID, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{CustomerID: "cus_9"})
	require.NoError(t, err)
	assert.Equal(t, uint(9), userID)
	assert.Equal(t, "checkout_sessions", strategy)
}

func TestResolveViaInvoiceMetadata(t *testing.T) {
	resolver, _, _, provider := newResolverFixture()
	provider.invoices["in_7"] = &ProviderInvoice{
		ID:       "in_7",
		Metadata: map[string]string{"user_id": "7"},
	}

	userID, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{LatestInvoiceID: "in_7"})
	require.NoError(t, err)
	assert.Equal(t, uint(7), userID)
	assert.Equal(t, "invoice_metadata", strategy)
}

func TestResolveExhaustedIsPermanent(t *testing.T) {
	resolver, _, _, _ := newResolverFixture()

	userID, _, err := resolver.Resolve(context.Background(), ResolutionInput{
		CustomerID:      "cus_unknown",
		LatestInvoiceID: "in_unknown",
	})
	assert.ErrorIs(t, err, ErrUserNotResolved)
	assert.Zero(t, userID)
}

func TestResolveTransientProviderAbortsChain(t *testing.T) {
	resolver, repo, _, provider := newResolverFixture()
	provider.transient = true
	// Even with a matching local record further down the chain, a transient
	// provider failure aborts so the whole event can be retried.
	repo.addUser(&models.User{ID: 3, StripeCustomerID: "cus_3"})

	_, strategy, err := resolver.Resolve(context.Background(), ResolutionInput{CustomerID: "cus_3"})
	assert.ErrorIs(t, err, ErrTransientProvider)
	assert.Equal(t, "customer_metadata", strategy)
}

func TestResolveIgnoresGarbageMetadata(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
	}{
		{"non-numeric", map[string]string{"user_id": "abc"}},
		{"negative", map[string]string{"user_id": "-4"}},
		{"empty", map[string]string{"user_id": ""}},
		{"nil map", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resolver, _, _, _ := newResolverFixture()
			_, _, err := resolver.Resolve(context.Background(), ResolutionInput{EventMetadata: tc.metadata})
			assert.ErrorIs(t, err, ErrUserNotResolved)
		})
	}
}
