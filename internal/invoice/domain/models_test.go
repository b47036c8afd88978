package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecurrenceIsSetAndClearedTogether(t *testing.T) {
	inv := &Invoice{TotalAmount: 1000}
	require.NoError(t, inv.Validate())

	require.NoError(t, inv.SetRecurrence("FREQ=MONTHLY", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, inv.RecurrenceRule)
	require.NotNil(t, inv.NextRunAt)
	require.NoError(t, inv.Validate())

	inv.ClearRecurrence()
	assert.Nil(t, inv.RecurrenceRule)
	assert.Nil(t, inv.NextRunAt)
}

func TestSetRecurrenceRejectsPartialInput(t *testing.T) {
	inv := &Invoice{}
	assert.ErrorIs(t, inv.SetRecurrence("", time.Now()), ErrInvalidRecurrence)
	assert.ErrorIs(t, inv.SetRecurrence("FREQ=WEEKLY", time.Time{}), ErrInvalidRecurrence)
	assert.Nil(t, inv.RecurrenceRule)
}

func TestValidateRejectsDanglingRecurrence(t *testing.T) {
	rule := "FREQ=WEEKLY"
	inv := &Invoice{RecurrenceRule: &rule}
	assert.ErrorIs(t, inv.Validate(), ErrInvalidRecurrence)

	inv = &Invoice{TotalAmount: -1}
	assert.ErrorIs(t, inv.Validate(), ErrInvalidAmount)
}

func TestPayableStatuses(t *testing.T) {
	assert.True(t, InvoiceStatusSent.Payable())
	assert.True(t, InvoiceStatusOverdue.Payable())
	assert.False(t, InvoiceStatusPaid.Payable())
	assert.False(t, InvoiceStatusCancelled.Payable())
}
