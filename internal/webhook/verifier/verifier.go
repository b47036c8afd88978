// Package verifier authenticates inbound processor webhooks.
package verifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/webhook/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const DefaultTolerance = 5 * time.Minute

type Verifier struct {
	tolerance time.Duration
	clock     clock.Clock
}

func New(cfg config.Config, clk clock.Clock) *Verifier {
	return NewWithTolerance(cfg.Stripe.WebhookTolerance, clk)
}

func NewWithTolerance(tolerance time.Duration, clk clock.Clock) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Verifier{tolerance: tolerance, clock: clk}
}

// Verify checks the signature over the raw payload, then the signed timestamp
// against the tolerance window in both directions, and only then decodes.
func (v *Verifier) Verify(payload []byte, header, secret string) (domain.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Event{}, domain.ErrSecretNotConfigured
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.Event{}, domain.ErrMissingSignature
	}

	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, secret); err != nil {
		return domain.Event{}, mapStripeError(err)
	}

	signedAt, err := signedTimestamp(header)
	if err != nil {
		return domain.Event{}, err
	}
	skew := v.clock.Now().Sub(signedAt)
	if skew > v.tolerance || skew < -v.tolerance {
		return domain.Event{}, fmt.Errorf("%w: skew %s", domain.ErrStaleTimestamp, skew.Truncate(time.Second))
	}

	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if raw.ID == "" || raw.Type == "" || raw.Data == nil {
		return domain.Event{}, domain.ErrMalformedPayload
	}

	return domain.Event{
		ID:      raw.ID,
		Kind:    domain.Kind(raw.Type),
		Account: raw.Account,
		Created: time.Unix(raw.Created, 0).UTC(),
		Data:    raw.Data.Raw,
	}, nil
}

func mapStripeError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return domain.ErrMissingSignature
	case errors.Is(err, webhook.ErrInvalidHeader):
		return domain.ErrMalformedSignature
	case errors.Is(err, webhook.ErrNoValidSignature):
		return domain.ErrInvalidSignature
	case errors.Is(err, webhook.ErrTooOld):
		return domain.ErrStaleTimestamp
	default:
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
}

func signedTimestamp(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key != "t" {
			continue
		}
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, domain.ErrMalformedSignature
		}
		return time.Unix(ts, 0), nil
	}
	return time.Time{}, domain.ErrMalformedSignature
}
