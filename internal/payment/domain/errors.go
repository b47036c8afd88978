package domain

import "errors"

var (
	ErrPaymentNotFound   = errors.New("payment_not_found")
	ErrInvalidTransition = errors.New("invalid_payment_transition")
	ErrDuplicateSettle   = errors.New("duplicate_settlement")
)
