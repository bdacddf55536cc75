package billing

import (
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"
)

// VerifyWebhookEvent checks the delivery's signature against the signing
// secret and, only after that succeeds, decodes it into an envelope. A body
// is never parsed before its signature validates, so a spoofed payload cannot
// reach any handler.
func VerifyWebhookEvent(payload []byte, signatureHeader, signingSecret string) (*EventEnvelope, error) {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(signingSecret)
	if sig == "" || secret == "" {
		return nil, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return &EventEnvelope{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: event.Data.Raw,
	}, nil
}
