package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/notification/domain"
	"github.com/smallbiznis/tallybill/internal/notification/publisher"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Publisher publisher.Publisher `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	publisher publisher.Publisher
}

func NewService(p Params) *Service {
	pub := p.Publisher
	if pub == nil {
		pub = publisher.NewNop()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("notification.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		publisher: pub,
	}
}

// Enqueue appends a pending entry. The NATS announcement after the insert is
// best-effort; the row is the durable obligation.
func (s *Service) Enqueue(ctx context.Context, entry domain.Entry) (*domain.Entry, error) {
	entry.Recipient = strings.TrimSpace(entry.Recipient)
	if entry.Recipient == "" {
		return nil, domain.ErrMissingRecipient
	}
	if entry.TenantID == 0 || strings.TrimSpace(entry.Subject) == "" {
		return nil, domain.ErrInvalidEntry
	}

	entry.ID = s.genID.Generate()
	entry.Status = domain.StatusPending
	entry.CreatedAt = s.clock.Now().UTC()
	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		return nil, err
	}

	if err := s.publisher.PublishPending(ctx, &entry); err != nil {
		s.log.Warn("notification publish failed",
			zap.String("notification_id", entry.ID.String()),
			zap.String("kind", entry.Kind),
			zap.Error(err),
		)
	}
	return &entry, nil
}
