package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/skillpilot/skillpilot/app/repository"
	"github.com/skillpilot/skillpilot/internal/pkg/billing"
	"github.com/skillpilot/skillpilot/internal/pkg/env"
)

// HandleBillingWebhook receives provider webhook deliveries. The raw body is
// verified before any parsing; duplicates are acknowledged without dispatch.
// A handler failure returns 500: the event row already carries the error and
// a retry schedule, and a provider redelivery lands on the dedup gate.
func HandleBillingWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	signature := c.Get("Stripe-Signature")
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	envelope, err := billing.VerifyWebhookEvent(payload, signature, secret)
	if err != nil {
		log.Warnf("[Webhook] Rejected delivery: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
	}

	svc := repository.GetGlobalFactory().GetServices()

	created, event, err := svc.Events.RecordIfNew(c.Context(), envelope.ID, envelope.Type, envelope.Payload)
	if err != nil {
		log.Errorf("[Webhook] Recording event %s: %v", envelope.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to record event",
		})
	}
	if !created {
		log.Infof("[Webhook] Duplicate delivery of event %s, acknowledged", envelope.ID)
		return c.JSON(fiber.Map{"received": true, "duplicate": true})
	}

	if err := svc.Dispatcher.Dispatch(c.Context(), event); err != nil {
		log.Warnf("[Webhook] Event %s dispatch failed: %v", envelope.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "processing_failed",
			"message": "Event recorded, processing failed",
		})
	}

	return c.JSON(fiber.Map{"received": true})
}
