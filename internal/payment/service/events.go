package service

import (
	"strings"

	"github.com/bwmarrin/snowflake"
)

type checkoutSessionObject struct {
	ID                 string            `json:"id"`
	Mode               string            `json:"mode"`
	PaymentIntent      string            `json:"payment_intent"`
	PaymentStatus      string            `json:"payment_status"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
}

type paymentIntentObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
	LastPaymentError   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// correlation holds the local identifiers embedded in processor metadata at checkout.
type correlation struct {
	TenantID  snowflake.ID
	InvoiceID snowflake.ID
	PaymentID snowflake.ID
}

func readCorrelation(metadata map[string]string) correlation {
	return correlation{
		TenantID:  parseID(metadata["tenant_id"]),
		InvoiceID: parseID(metadata["invoice_id"]),
		PaymentID: parseID(metadata["payment_id"]),
	}
}

func parseID(raw string) snowflake.ID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func firstMethod(types []string) string {
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}
