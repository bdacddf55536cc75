package cache

import "fmt"

// Cached per-user billing views. Webhook handlers and the deduction service
// invalidate these after any ledger or subscription mutation so feature code
// never serves a stale balance.
const (
	userCreditsKeyFmt      = "credits:user:%d"
	userSubscriptionKeyFmt = "subscription:user:%d"
)

// UserCreditsKey returns the cache key for a user's credit balance view.
func UserCreditsKey(userID uint) string {
	return fmt.Sprintf(userCreditsKeyFmt, userID)
}

// UserSubscriptionKey returns the cache key for a user's subscription view.
func UserSubscriptionKey(userID uint) string {
	return fmt.Sprintf(userSubscriptionKeyFmt, userID)
}

// Invalidator invalidates cached billing views for a user. Services depend on
// this interface so tests can observe invalidations without Redis.
type Invalidator interface {
	InvalidateUserBilling(userID uint)
}

type redisInvalidator struct{}

// NewInvalidator returns an Invalidator backed by the shared Redis client.
func NewInvalidator() Invalidator {
	return redisInvalidator{}
}

func (redisInvalidator) InvalidateUserBilling(userID uint) {
	// Best effort; a missed invalidation only extends staleness until TTL.
	_ = Delete(UserCreditsKey(userID))
	_ = Delete(UserSubscriptionKey(userID))
}

// NoopInvalidator is used where cache wiring is absent (tests, migrations).
type NoopInvalidator struct{}

func (NoopInvalidator) InvalidateUserBilling(userID uint) {}
