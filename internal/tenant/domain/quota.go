package domain

// Quota is the result of the invoice-creation quota check.
type Quota struct {
	Allowed            bool               `json:"allowed"`
	IsUpgradeRequired  bool               `json:"is_upgrade_required"`
	Remaining          int64              `json:"remaining"`
	InvoiceCount       int64              `json:"invoice_count"`
	InvoiceLimit       int64              `json:"invoice_limit"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
}

// Evaluate is pure and safe for concurrent use.
func Evaluate(count, limit int64, status SubscriptionStatus) Quota {
	allowed := count < limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Quota{
		Allowed:            allowed,
		IsUpgradeRequired:  !allowed && status == StatusFree,
		Remaining:          remaining,
		InvoiceCount:       count,
		InvoiceLimit:       limit,
		SubscriptionStatus: status,
	}
}
