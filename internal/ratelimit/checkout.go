package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tallybill/internal/config"
)

const keyCheckoutTenant = "checkout:tenant:%s"

var ErrRateLimited = errors.New("rate_limited")

// CheckoutLimiter throttles checkout session creation per tenant so a single
// tenant cannot exhaust the shared processor API quota.
type CheckoutLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewCheckoutLimiter(cfg config.Config, client *redis.Client) *CheckoutLimiter {
	if client == nil || cfg.Checkout.RatePerMinute <= 0 || cfg.Checkout.Burst <= 0 {
		return nil
	}
	return &CheckoutLimiter{
		bucket: NewTokenBucket(client),
		rate:   float64(cfg.Checkout.RatePerMinute) / 60,
		burst:  cfg.Checkout.Burst,
	}
}

func (l *CheckoutLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowTenant returns ErrRateLimited when the tenant's bucket is empty.
// A nil limiter always allows.
func (l *CheckoutLimiter) AllowTenant(ctx context.Context, tenantID string) error {
	if !l.Enabled() {
		return nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyCheckoutTenant, strings.TrimSpace(tenantID)), l.rate, l.burst)
	if err != nil {
		return fmt.Errorf("checkout rate limit: %w", err)
	}
	if !res.Allowed {
		return ErrRateLimited
	}
	return nil
}
