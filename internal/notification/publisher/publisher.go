package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const SubjectPending = "notifications.pending"

// Publisher announces freshly logged notifications to the delivery consumer.
type Publisher interface {
	PublishPending(ctx context.Context, entry *domain.Entry) error
}

type natsPublisher struct {
	conn *nats.Conn
	log  *zap.Logger
}

type nopPublisher struct{}

type Params struct {
	fx.In

	Lc  fx.Lifecycle
	Cfg config.Config
	Log *zap.Logger
}

// New connects to NATS_URL. With no URL configured the publisher is a no-op and
// consumers poll notification_logs instead.
func New(p Params) (Publisher, error) {
	log := p.Log.Named("notification.publisher")
	if p.Cfg.NATSURL == "" {
		log.Info("nats not configured; notification publish disabled")
		return nopPublisher{}, nil
	}

	conn, err := nats.Connect(p.Cfg.NATSURL,
		nats.Name(p.Cfg.AppName),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return conn.Drain()
		},
	})

	return &natsPublisher{conn: conn, log: log}, nil
}

// NewNATS wraps an existing connection.
func NewNATS(conn *nats.Conn, log *zap.Logger) Publisher {
	return &natsPublisher{conn: conn, log: log}
}

func NewNop() Publisher { return nopPublisher{} }

type pendingMessage struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
}

func (p *natsPublisher) PublishPending(ctx context.Context, entry *domain.Entry) error {
	if !p.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(pendingMessage{
		ID:        entry.ID.String(),
		TenantID:  entry.TenantID.String(),
		Kind:      entry.Kind,
		Recipient: entry.Recipient,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.conn.Publish(SubjectPending, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (nopPublisher) PublishPending(context.Context, *domain.Entry) error { return nil }
