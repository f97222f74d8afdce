package feed

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/store"
)

// Listener forwards PostgreSQL position notifications to a Notifier, so
// every instance sees changes committed by any other.
type Listener struct {
	pool    *pgxpool.Pool
	target  store.Notifier
	log     *zap.Logger
	backoff time.Duration
}

func NewListener(pool *pgxpool.Pool, target store.Notifier, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{pool: pool, target: target, log: log.Named("listener"), backoff: 2 * time.Second}
}

// Run listens until ctx is done, reconnecting after connection errors.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("position listener disconnected", zap.Error(err), zap.Duration("retry_in", l.backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+store.PositionsChannel); err != nil {
		return err
	}
	l.log.Info("listening for position changes", zap.String("channel", store.PositionsChannel))
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Payload != "" {
			l.target.PositionsChanged(n.Payload)
		}
	}
}
