package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ConnectStatus string

const (
	ConnectStatusNotConnected ConnectStatus = "not_connected"
	ConnectStatusPending      ConnectStatus = "pending"
	ConnectStatusActive       ConnectStatus = "active"
)

// Profile is a merchant user of a tenant and owns the tenant's Connect account reference.
type Profile struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID            snowflake.ID  `gorm:"not null;index" json:"tenant_id"`
	Email               string        `gorm:"not null" json:"email"`
	FullName            string        `json:"full_name"`
	StripeAccountID     *string       `gorm:"column:stripe_account_id;uniqueIndex" json:"stripe_account_id,omitempty"`
	ConnectStatus       ConnectStatus `gorm:"column:connect_status;not null;default:'not_connected'" json:"connect_status"`
	OnboardingCompleted bool          `gorm:"column:onboarding_completed;not null;default:false" json:"onboarding_completed"`
	CreatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Profile) TableName() string { return "profiles" }

// AccountState is the subset of a connected account that decides onboarding completeness.
type AccountState struct {
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
}

func (s AccountState) Complete() bool {
	return s.DetailsSubmitted && s.ChargesEnabled && s.PayoutsEnabled
}

// ApplyAccountState recomputes status from the account booleans. It reports whether anything changed.
func (p *Profile) ApplyAccountState(state AccountState) bool {
	status := ConnectStatusPending
	if state.Complete() {
		status = ConnectStatusActive
	}
	changed := p.ConnectStatus != status || p.OnboardingCompleted != state.Complete()
	p.ConnectStatus = status
	p.OnboardingCompleted = state.Complete()
	return changed
}

// AttachAccount records a freshly created account awaiting onboarding.
func (p *Profile) AttachAccount(accountID string) {
	p.StripeAccountID = &accountID
	p.ConnectStatus = ConnectStatusPending
	p.OnboardingCompleted = false
}

func (p *Profile) Disconnect() {
	p.StripeAccountID = nil
	p.ConnectStatus = ConnectStatusNotConnected
	p.OnboardingCompleted = false
}

// Valid checks onboarding_completed => active => account reference present.
func (p *Profile) Valid() bool {
	if p.OnboardingCompleted && p.ConnectStatus != ConnectStatusActive {
		return false
	}
	if p.ConnectStatus == ConnectStatusActive && (p.StripeAccountID == nil || *p.StripeAccountID == "") {
		return false
	}
	return true
}
