package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/skillpilot/skillpilot/app/models"
	"github.com/skillpilot/skillpilot/app/repository"
	"github.com/skillpilot/skillpilot/internal/pkg/billing"
	"github.com/skillpilot/skillpilot/internal/pkg/retryqueue"
)

// AdminBillingController exposes the operator surface over billing events:
// status counts, dead-letter inspection and manual cancel.
type AdminBillingController struct {
	events    *billing.EventService
	scheduler *retryqueue.Scheduler
}

// NewAdminBillingController creates the controller from the global services.
func NewAdminBillingController() *AdminBillingController {
	svc := repository.GetGlobalFactory().GetServices()
	return &AdminBillingController{events: svc.Events, scheduler: svc.Scheduler}
}

// HandleBillingStats returns event counts by status plus the retry schedule
// size.
func (abc *AdminBillingController) HandleBillingStats(c *fiber.Ctx) error {
	counts, err := abc.events.CountsByStatus(c.Context())
	if err != nil {
		log.Errorf("[AdminBilling] Loading status counts: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to load event stats",
		})
	}

	scheduleSize, err := abc.scheduler.ScheduleSize(c.Context())
	if err != nil {
		log.Warnf("[AdminBilling] Loading schedule size: %v", err)
		scheduleSize = -1
	}

	return c.JSON(fiber.Map{
		"events":         counts,
		"retry_schedule": scheduleSize,
	})
}

// HandleListEvents lists events by status (?status=, default failed).
func (abc *AdminBillingController) HandleListEvents(c *fiber.Ctx) error {
	status := c.Query("status", models.BillingEventStatusFailed)
	limit := c.QueryInt("limit", 50)

	events, err := abc.events.EventsByStatus(c.Context(), status, limit)
	if err != nil {
		log.Errorf("[AdminBilling] Listing %s events: %v", status, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to list events",
		})
	}

	return c.JSON(fiber.Map{
		"status": status,
		"events": eventViews(events),
	})
}

// HandleListDeadLetters lists failed events with exhausted attempts, kept for
// manual inspection.
func (abc *AdminBillingController) HandleListDeadLetters(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)

	events, err := abc.events.EventsByStatus(c.Context(), models.BillingEventStatusFailed, limit)
	if err != nil {
		log.Errorf("[AdminBilling] Listing dead letters: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to list dead letters",
		})
	}

	dead := make([]models.BillingEvent, 0, len(events))
	for i := range events {
		if events[i].IsTerminal() {
			dead = append(dead, events[i])
		}
	}

	return c.JSON(fiber.Map{"events": eventViews(dead)})
}

// HandleCancelEvent cancels a non-terminal event and drops its retry
// schedule entry. Cancelled events are never processed again.
func (abc *AdminBillingController) HandleCancelEvent(c *fiber.Ctx) error {
	eventID, ok := parseEventIDParam(c)
	if !ok {
		return nil
	}

	if err := abc.events.Cancel(c.Context(), eventID); err != nil {
		log.Errorf("[AdminBilling] Cancelling event %d: %v", eventID, err)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "conflict",
			"message": "Event is already terminal or does not exist",
		})
	}
	if err := abc.scheduler.Unschedule(c.Context(), eventID); err != nil {
		log.Warnf("[AdminBilling] Unscheduling event %d: %v", eventID, err)
	}

	log.Infof("[AdminBilling] Event %d cancelled by operator", eventID)
	return c.JSON(fiber.Map{"cancelled": true})
}

// eventViews strips raw payloads out of listings; they can be large and are
// not needed for triage.
func eventViews(events []models.BillingEvent) []fiber.Map {
	views := make([]fiber.Map, 0, len(events))
	for i := range events {
		e := &events[i]
		views = append(views, fiber.Map{
			"id":            e.ID,
			"external_id":   e.ExternalID,
			"type":          e.Type,
			"status":        e.Status,
			"attempts":      e.Attempts,
			"max_attempts":  e.MaxAttempts,
			"error_message": e.ErrorMessage,
			"processed_at":  e.ProcessedAt,
			"created_at":    e.CreatedAt,
		})
	}
	return views
}
