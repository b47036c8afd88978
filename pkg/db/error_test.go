package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsUndefinedFunction(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "pg undefined function", err: &pgconn.PgError{Code: "42883", Message: "function record_pending_payment does not exist"}, want: true},
		{name: "wrapped pg undefined function", err: fmt.Errorf("record pending payment: %w", &pgconn.PgError{Code: "42883"}), want: true},
		{name: "pg unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "pg connection failure", err: &pgconn.PgError{Code: "08006"}, want: false},
		{name: "sqlite missing function", err: errors.New("SQL logic error: no such function: record_pending_payment (1)"), want: true},
		{name: "arbitrary error", err: errors.New("connection reset by peer"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUndefinedFunction(tc.err))
		})
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: payments.payment_intent_id")))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "42883"}))
	assert.False(t, IsDuplicateKeyErr(nil))
}
