package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/notification/domain"
	"github.com/smallbiznis/tallybill/internal/notification/repository"
	"github.com/smallbiznis/tallybill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	published []snowflake.ID
	err       error
}

func (p *recordingPublisher) PublishPending(ctx context.Context, entry *domain.Entry) error {
	p.published = append(p.published, entry.ID)
	return p.err
}

func newTestService(t *testing.T, pub *recordingPublisher) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	conn := dbtest.Open(t, &domain.Entry{})
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC))

	p := Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	}
	if pub != nil {
		p.Publisher = pub
	}
	return NewService(p), conn, clk
}

func TestEnqueueInsertsPendingEntryAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	svc, conn, clk := newTestService(t, pub)

	entry, err := svc.Enqueue(context.Background(), domain.Entry{
		TenantID:  snowflake.ID(10),
		Kind:      domain.KindPaymentReceived,
		Recipient: "  billing@acme.test ",
		Subject:   "Payment received for INV-0001",
		Body:      "Thanks, we received 12.50 USD.",
		Payload:   datatypes.JSONMap{"invoice_id": "77"},
	})
	require.NoError(t, err)
	require.NotZero(t, entry.ID)

	var stored domain.Entry
	require.NoError(t, conn.First(&stored, "id = ?", entry.ID).Error)
	assert.Equal(t, "billing@acme.test", stored.Recipient)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.True(t, clk.Now().Equal(stored.CreatedAt))
	assert.Equal(t, "77", stored.Payload["invoice_id"])

	assert.Equal(t, []snowflake.ID{entry.ID}, pub.published)
}

func TestEnqueueKeepsRowWhenPublishFails(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	svc, conn, _ := newTestService(t, pub)

	entry, err := svc.Enqueue(context.Background(), domain.Entry{
		TenantID:  snowflake.ID(10),
		Kind:      domain.KindPaymentReceived,
		Recipient: "billing@acme.test",
		Subject:   "Payment received",
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, conn.Model(&domain.Entry{}).Where("id = ?", entry.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestEnqueueRejectsIncompleteEntries(t *testing.T) {
	svc, conn, _ := newTestService(t, nil)

	_, err := svc.Enqueue(context.Background(), domain.Entry{TenantID: 10, Subject: "x", Recipient: "   "})
	assert.ErrorIs(t, err, domain.ErrMissingRecipient)

	_, err = svc.Enqueue(context.Background(), domain.Entry{Recipient: "a@b.test", Subject: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidEntry)

	_, err = svc.Enqueue(context.Background(), domain.Entry{TenantID: 10, Recipient: "a@b.test"})
	assert.ErrorIs(t, err, domain.ErrInvalidEntry)

	var count int64
	require.NoError(t, conn.Model(&domain.Entry{}).Count(&count).Error)
	assert.Zero(t, count)
}
