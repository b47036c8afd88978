package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/gateway"
	profiledomain "github.com/smallbiznis/tallybill/internal/profile/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNotConfigured = errors.New("connect_not_configured")

type Onboarding struct {
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
}

// StartOnboarding creates the merchant's connected account on first use,
// persists it as pending, and returns a hosted onboarding link.
func (r *Reconciler) StartOnboarding(ctx context.Context, tenantID, profileID snowflake.ID) (*Onboarding, error) {
	if r.gateway == nil || !r.gateway.Configured() {
		return nil, ErrNotConfigured
	}

	profile, err := r.repo.FindByID(ctx, r.db, tenantID, profileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, profiledomain.ErrNotFound
	}

	accountID := ""
	if profile.StripeAccountID != nil {
		accountID = *profile.StripeAccountID
	}
	if accountID == "" {
		account, err := r.gateway.CreateAccount(ctx, gateway.CreateAccountInput{
			Email: profile.Email,
			Metadata: map[string]string{
				"tenant_id":  tenantID.String(),
				"profile_id": profileID.String(),
			},
			IdempotencyKey: fmt.Sprintf("connect-account:%s", profileID),
		})
		if err != nil {
			return nil, mapGatewayErr(err)
		}
		accountID = account.ID

		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := r.repo.FindByIDForUpdate(ctx, tx, tenantID, profileID)
			if err != nil {
				return err
			}
			if locked == nil {
				return profiledomain.ErrNotFound
			}
			if locked.StripeAccountID != nil && *locked.StripeAccountID != "" {
				// A concurrent request attached first; the idempotency key
				// makes that the same account.
				accountID = *locked.StripeAccountID
				return nil
			}
			locked.AttachAccount(accountID)
			locked.UpdatedAt = r.clock.Now().UTC()
			return r.repo.UpdateConnect(ctx, tx, locked)
		})
		if err != nil {
			return nil, err
		}
		r.log.Info("connected account created",
			zap.String("tenant_id", tenantID.String()),
			zap.String("profile_id", profileID.String()),
			zap.String("account_id", accountID),
		)
	}

	url, err := r.gateway.CreateAccountLink(ctx, gateway.AccountLinkInput{
		AccountID:  accountID,
		RefreshURL: r.cfg.Checkout.RefreshURL,
		ReturnURL:  r.cfg.Checkout.ReturnURL,
	})
	if err != nil {
		return nil, mapGatewayErr(err)
	}
	return &Onboarding{AccountID: accountID, URL: url}, nil
}

func mapGatewayErr(err error) error {
	if errors.Is(err, gateway.ErrNotConfigured) {
		return ErrNotConfigured
	}
	return err
}
