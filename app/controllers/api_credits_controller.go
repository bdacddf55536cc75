package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skillpilot/skillpilot/app/repository"
	"github.com/skillpilot/skillpilot/internal/pkg/credits"
)

var validate = validator.New()

// DeductRequest is the consumer API body for spending credits.
type DeductRequest struct {
	UserID   uint   `json:"user_id" validate:"required,gt=0"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Reason   string `json:"reason" validate:"required,max=50"`
	ActionID string `json:"action_id" validate:"max=191"`
}

// HandleDeductCredits spends credits for a feature action. Insufficient
// balance leaves the ledger untouched and returns 402.
func HandleDeductCredits(c *fiber.Ctx) error {
	var req DeductRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid JSON body",
		})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "validation_failed",
			"message": err.Error(),
		})
	}

	// Callers that don't track their own action ids still get a traceable
	// ledger entry.
	if req.ActionID == "" {
		req.ActionID = uuid.NewString()
	}

	svc := repository.GetGlobalFactory().GetServices()
	result, err := svc.Deductions.Spend(c.Context(), req.UserID, req.Amount, req.Reason, req.ActionID)
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrInsufficientCredits):
			balance, balErr := svc.Deductions.Balance(c.Context(), req.UserID)
			if balErr != nil {
				balance = 0
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":   "insufficient_credits",
				"message": "Balance does not cover the requested amount",
				"balance": balance,
			})
		case errors.Is(err, credits.ErrInvalidAmount):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
		case errors.Is(err, credits.ErrPersistenceConflict):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":   "conflict",
				"message": "Concurrent balance change, retry the request",
			})
		default:
			log.Errorf("[CreditsAPI] Deduct for user %d failed: %v", req.UserID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "internal_server_error",
				"message": "Failed to deduct credits",
			})
		}
	}

	return c.JSON(fiber.Map{
		"deducted":      result.Deducted,
		"balance":       result.Remaining,
		"buckets_drawn": result.Buckets,
		"action_id":     req.ActionID,
	})
}

// HandleGetCreditBalance returns the spendable balance and bucket breakdown
// for a user. First contact bootstraps the free tier.
func HandleGetCreditBalance(c *fiber.Ctx) error {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return nil
	}

	svc := repository.GetGlobalFactory().GetServices()

	// The bootstrap below mints subscription and bucket rows, so it must not
	// run for ids that don't belong to anyone.
	if _, err := svc.BillingRepo.UserByID(c.Context(), userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   "not_found",
				"message": "Unknown user",
			})
		}
		log.Errorf("[CreditsAPI] Looking up user %d: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to load balance",
		})
	}

	if err := svc.Subscriptions.EnsureFreeTier(c.Context(), userID); err != nil {
		log.Warnf("[CreditsAPI] Free tier bootstrap for user %d failed: %v", userID, err)
	}

	buckets, err := svc.Ledger.Repo().SpendableBuckets(c.Context(), userID)
	if err != nil {
		log.Errorf("[CreditsAPI] Loading buckets for user %d: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to load balance",
		})
	}

	var balance int64
	bucketViews := make([]fiber.Map, 0, len(buckets))
	for i := range buckets {
		remaining := buckets[i].Remaining()
		balance += remaining
		bucketViews = append(bucketViews, fiber.Map{
			"id":          buckets[i].ID,
			"source_type": buckets[i].SourceType,
			"remaining":   remaining,
			"expires_at":  buckets[i].ExpiresAt,
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
		"buckets": bucketViews,
	})
}

// HandleGetCreditHistory returns the newest ledger entries for a user.
func HandleGetCreditHistory(c *fiber.Ctx) error {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return nil
	}
	limit := c.QueryInt("limit", 50)

	svc := repository.GetGlobalFactory().GetServices()
	entries, err := svc.Deductions.History(c.Context(), userID, limit)
	if err != nil {
		log.Errorf("[CreditsAPI] Loading history for user %d: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to load history",
		})
	}

	return c.JSON(fiber.Map{
		"user_id":      userID,
		"transactions": entries,
	})
}
