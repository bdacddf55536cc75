package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningSecret = "whsec_test_secret"

// signPayload builds a Stripe-style signature header for the payload.
func signPayload(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhookEvent(t *testing.T) {
	payload := []byte(`{
		"id": "evt_123",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_123", "billing_reason": "subscription_cycle"}}
	}`)

	t.Run("valid signature yields envelope", func(t *testing.T) {
		header := signPayload(t, payload, testSigningSecret, time.Now())

		envelope, err := VerifyWebhookEvent(payload, header, testSigningSecret)
		require.NoError(t, err)
		assert.Equal(t, "evt_123", envelope.ID)
		assert.Equal(t, "invoice.paid", envelope.Type)
		assert.Contains(t, string(envelope.Payload), "subscription_cycle")
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := signPayload(t, payload, "whsec_other", time.Now())

		_, err := VerifyWebhookEvent(payload, header, testSigningSecret)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		header := signPayload(t, payload, testSigningSecret, time.Now())
		tampered := append([]byte(nil), payload...)
		tampered[len(tampered)-2] = ' '

		_, err := VerifyWebhookEvent(tampered, header, testSigningSecret)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		header := signPayload(t, payload, testSigningSecret, time.Now().Add(-time.Hour))

		_, err := VerifyWebhookEvent(payload, header, testSigningSecret)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := VerifyWebhookEvent(payload, "", testSigningSecret)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("missing secret", func(t *testing.T) {
		header := signPayload(t, payload, testSigningSecret, time.Now())

		_, err := VerifyWebhookEvent(payload, header, "")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("garbage header", func(t *testing.T) {
		_, err := VerifyWebhookEvent(payload, "t=abc,v1=nope", testSigningSecret)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}
