package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionPayloadPeriodLocations(t *testing.T) {
	t.Run("top-level periods", func(t *testing.T) {
		var p subscriptionPayload
		require.NoError(t, json.Unmarshal([]byte(`{
			"id":"sub_1","current_period_start":100,"current_period_end":200,
			"items":{"data":[{"price":{"id":"price_a"}}]}}`), &p))
		assert.Equal(t, int64(100), p.periodStart())
		assert.Equal(t, int64(200), p.periodEnd())
		assert.Equal(t, "price_a", p.priceID())
	})

	t.Run("periods on first item", func(t *testing.T) {
		var p subscriptionPayload
		require.NoError(t, json.Unmarshal([]byte(`{
			"id":"sub_1","items":{"data":[{"price":{"id":"price_a"},
			"current_period_start":300,"current_period_end":400}]}}`), &p))
		assert.Equal(t, int64(300), p.periodStart())
		assert.Equal(t, int64(400), p.periodEnd())
	})

	t.Run("top-level wins over item", func(t *testing.T) {
		var p subscriptionPayload
		require.NoError(t, json.Unmarshal([]byte(`{
			"id":"sub_1","current_period_start":100,"current_period_end":200,
			"items":{"data":[{"current_period_start":300,"current_period_end":400}]}}`), &p))
		assert.Equal(t, int64(100), p.periodStart())
		assert.Equal(t, int64(200), p.periodEnd())
	})

	t.Run("no items", func(t *testing.T) {
		var p subscriptionPayload
		require.NoError(t, json.Unmarshal([]byte(`{"id":"sub_1"}`), &p))
		assert.Zero(t, p.periodStart())
		assert.Zero(t, p.periodEnd())
		assert.Empty(t, p.priceID())
	})
}

func TestInvoicePayloadSubscriptionLocations(t *testing.T) {
	t.Run("top-level subscription", func(t *testing.T) {
		var p invoicePayload
		require.NoError(t, json.Unmarshal([]byte(`{"id":"in_1","subscription":"sub_a"}`), &p))
		assert.Equal(t, "sub_a", p.subscriptionID())
	})

	t.Run("subscription under parent details", func(t *testing.T) {
		var p invoicePayload
		require.NoError(t, json.Unmarshal([]byte(`{
			"id":"in_1","parent":{"subscription_details":{"subscription":"sub_b"}}}`), &p))
		assert.Equal(t, "sub_b", p.subscriptionID())
	})

	t.Run("no subscription", func(t *testing.T) {
		var p invoicePayload
		require.NoError(t, json.Unmarshal([]byte(`{"id":"in_1"}`), &p))
		assert.Empty(t, p.subscriptionID())
	})
}

func TestInvoicePayloadLinePriceLocations(t *testing.T) {
	t.Run("direct line price", func(t *testing.T) {
		var p invoicePayload
		require.NoError(t, json.Unmarshal([]byte(`{
			"lines":{"data":[{"price":{"id":"price_a"},
			"period":{"start":10,"end":20}}]}}`), &p))
		assert.Equal(t, "price_a", p.priceID())
		start, end := p.period()
		assert.Equal(t, int64(10), start)
		assert.Equal(t, int64(20), end)
	})

	t.Run("price under pricing details", func(t *testing.T) {
		var p invoicePayload
		require.NoError(t, json.Unmarshal([]byte(`{
			"lines":{"data":[{"pricing":{"price_details":{"price":"price_b"}}}]}}`), &p))
		assert.Equal(t, "price_b", p.priceID())
	})

	t.Run("no lines", func(t *testing.T) {
		var p invoicePayload
		require.NoError(t, json.Unmarshal([]byte(`{"id":"in_1"}`), &p))
		assert.Empty(t, p.priceID())
		start, end := p.period()
		assert.Zero(t, start)
		assert.Zero(t, end)
	})
}
