// Package reconcile replays transfer intents left pending by a crash or an
// unconfirmed ledger transfer.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/alerts"
	"github.com/voltx/vault-engine/internal/intent"
	"github.com/voltx/vault-engine/internal/metrics"
	"github.com/voltx/vault-engine/internal/orders"
)

// Options tunes a reconciler.
type Options struct {
	// MaxAttempts is the replay count after which every further failure
	// raises an alert. Zero disables alerts on stuck intents.
	MaxAttempts int

	// Lease is how long an intent is left alone after its last update. It
	// should cover a full transfer: every submission attempt plus the
	// confirmation wait. A younger intent may still be driven by the
	// request that recorded it, possibly in another process.
	Lease time.Duration
}

// Replayer re-runs one pending intent.
type Replayer func(ctx context.Context, in intent.Intent) error

// OrderReplayer is implemented by orders.Service.
type OrderReplayer interface {
	ResumeDeposit(ctx context.Context, in intent.Intent) error
	ResumeRefund(ctx context.Context, in intent.Intent) error
}

// PayoutReplayer is implemented by positions.Manager.
type PayoutReplayer interface {
	ResumePayout(ctx context.Context, in intent.Intent) error
}

// Report summarizes one reconcile pass.
type Report struct {
	Pending  int `json:"pending"`
	Resolved int `json:"resolved"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Reconciler walks the journal and dispatches pending intents by kind.
type Reconciler struct {
	journal     intent.Journal
	replay      map[intent.Kind]Replayer
	alerts      alerts.Notifier
	maxAttempts int
	lease       time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// New creates a reconciler. An intent that has failed opts.MaxAttempts
// replays keeps being replayed, but every further failure raises an alert.
func New(journal intent.Journal, ord OrderReplayer, pay PayoutReplayer, notifier alerts.Notifier, opts Options, log *zap.Logger) *Reconciler {
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		journal: journal,
		replay: map[intent.Kind]Replayer{
			intent.KindDeposit: ord.ResumeDeposit,
			intent.KindRefund:  ord.ResumeRefund,
			intent.KindPayout:  pay.ResumePayout,
		},
		alerts:      notifier,
		maxAttempts: opts.MaxAttempts,
		lease:       opts.Lease,
		now:         time.Now,
		log:         log.Named("reconcile"),
	}
}

// RunOnce replays every pending intent once, oldest first. Intents still
// under lease or held by a live request are skipped.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	pending, err := r.journal.Pending(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load pending intents: %w", err)
	}
	metrics.PendingIntents.Set(float64(len(pending)))

	rep := Report{Pending: len(pending)}
	for _, in := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if r.lease > 0 && r.now().Sub(in.UpdatedAt) < r.lease {
			rep.Skipped++
			continue
		}
		switch outcome := r.replayOne(ctx, in); outcome {
		case "resolved":
			rep.Resolved++
		case "failed":
			rep.Failed++
		case "skipped":
			rep.Skipped++
		default:
			rep.Retried++
		}
	}

	if left, err := r.journal.Pending(ctx); err == nil {
		metrics.PendingIntents.Set(float64(len(left)))
	}
	if rep.Pending > 0 {
		r.log.Info("reconcile pass complete",
			zap.Int("pending", rep.Pending),
			zap.Int("resolved", rep.Resolved),
			zap.Int("retried", rep.Retried),
			zap.Int("failed", rep.Failed),
			zap.Int("skipped", rep.Skipped),
		)
	}
	return rep, nil
}

func (r *Reconciler) replayOne(ctx context.Context, in intent.Intent) string {
	replay, ok := r.replay[in.Kind]
	if !ok {
		r.log.Error("unknown intent kind", zap.String("intent_id", in.ID.String()), zap.String("kind", string(in.Kind)))
		metrics.ReconciledIntents.WithLabelValues(string(in.Kind), "unknown").Inc()
		return "retried"
	}

	err := replay(ctx, in)
	switch {
	case err == nil:
		metrics.ReconciledIntents.WithLabelValues(string(in.Kind), "resolved").Inc()
		r.log.Info("intent resolved", zap.String("intent_id", in.ID.String()), zap.String("kind", string(in.Kind)), zap.Int64("order_id", in.OrderID))
		return "resolved"

	case errors.Is(err, intent.ErrInFlight):
		r.log.Debug("intent in flight", zap.String("intent_id", in.ID.String()), zap.String("kind", string(in.Kind)))
		return "skipped"

	case errors.Is(err, orders.ErrIntentFailed):
		metrics.ReconciledIntents.WithLabelValues(string(in.Kind), "failed").Inc()
		r.log.Warn("intent failed", zap.String("intent_id", in.ID.String()), zap.Error(err))
		r.alert(ctx, fmt.Sprintf("%s intent for order %d failed: %v", in.Kind, in.OrderID, err))
		return "failed"

	default:
		metrics.ReconciledIntents.WithLabelValues(string(in.Kind), "retried").Inc()
		attempts := in.Attempts + 1
		r.log.Warn("intent replay failed",
			zap.String("intent_id", in.ID.String()),
			zap.String("kind", string(in.Kind)),
			zap.Int64("order_id", in.OrderID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if r.maxAttempts > 0 && attempts >= r.maxAttempts {
			r.alert(ctx, fmt.Sprintf("%s of %s to %s for order %d stuck after %d attempts: %v",
				in.Kind, in.Amount, in.Wallet, in.OrderID, attempts, err))
		}
		return "retried"
	}
}

func (r *Reconciler) alert(ctx context.Context, msg string) {
	if err := r.alerts.Send(ctx, msg); err != nil {
		r.log.Warn("alert delivery failed", zap.Error(err))
	}
}

// Run reconciles immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
