package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/alerts"
	"github.com/voltx/vault-engine/internal/config"
	"github.com/voltx/vault-engine/internal/feed"
	"github.com/voltx/vault-engine/internal/intent"
	"github.com/voltx/vault-engine/internal/intent/sqlite"
	"github.com/voltx/vault-engine/internal/ledger"
	"github.com/voltx/vault-engine/internal/limits"
	"github.com/voltx/vault-engine/internal/orders"
	"github.com/voltx/vault-engine/internal/positions"
	"github.com/voltx/vault-engine/internal/reconcile"
	"github.com/voltx/vault-engine/internal/store"
	"github.com/voltx/vault-engine/internal/vault"
)

// app holds the wired services shared by serve and reconcile.
type app struct {
	cfg *config.Config
	log *zap.Logger

	store  store.Store
	pool   *pgxpool.Pool
	broker *feed.Broker
	// changes receives NOTIFY payloads from other instances.
	changes store.Notifier

	journal    intent.Journal
	orders     *orders.Service
	positions  *positions.Manager
	reconciler *reconcile.Reconciler

	cleanup []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Journal.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
	}
	journal, err := sqlite.New(cfg.Journal.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open intent journal: %w", err)
	}
	a.journal = journal
	a.cleanup = append(a.cleanup, func() { journal.Close() })

	programID, err := solana.PublicKeyFromBase58(cfg.Ledger.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("ledger.program_id: %w", err)
	}
	authority, err := loadAuthority(cfg.Ledger.AuthorityKey)
	if err != nil {
		return nil, err
	}
	client, err := ledger.NewSolanaClient(ledger.SolanaOptions{
		RPCURL:         cfg.Ledger.RPCURL,
		ProgramID:      programID,
		Authority:      authority,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
		PollInterval:   cfg.Ledger.PollInterval,
	}, log)
	if err != nil {
		return nil, err
	}
	accounts := ledger.NewAccounts(programID)
	orch := vault.New(client, ledger.NewProgram(accounts, client.Authority()), vault.Options{
		Decimals: cfg.Ledger.Decimals,
		Retry: vault.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     vault.ConstantBackoff(cfg.Retry.Backoff),
		},
		SkipPreflight: cfg.Ledger.SkipPreflight,
	}, log)

	limiter := limits.NewExposureLimiter(
		decimal.NewFromFloat(cfg.Limits.MaxPerBand),
		decimal.NewFromFloat(cfg.Limits.MaxCorrelated),
		decimal.NewFromFloat(cfg.Limits.CorrelationRadius),
		decimal.NewFromFloat(cfg.Limits.MaxTotal),
	)

	a.orders = orders.NewService(a.store, orch, a.journal, limiter, log)
	a.positions = positions.NewManager(a.store, orch, a.journal, accounts, log)
	a.reconciler = reconcile.New(a.journal, a.orders, a.positions,
		alerts.NewTelegram(cfg.Telegram, log), reconcile.Options{
			MaxAttempts: cfg.Reconcile.MaxAttempts,
			Lease:       cfg.Reconcile.Lease,
		}, log)

	log.Info("vault engine wired",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis_cache", cfg.Redis.URL != ""),
		zap.String("program_id", programID.String()),
		zap.String("authority", client.Authority().String()),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Store.Driver == "memory" {
		a.log.Warn("using in-memory store, data will not persist")
		ms := store.NewMemoryStore()
		a.store = ms
		a.broker = feed.NewBroker(ms, a.log)
		ms.SetNotifier(a.broker)
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.pool = pool
	a.cleanup = append(a.cleanup, pool.Close)

	ps := store.NewPostgresStore(pool)
	if err := ps.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.store = ps
	a.log.Info("connected to PostgreSQL")

	if a.cfg.Redis.URL == "" {
		a.broker = feed.NewBroker(ps, a.log)
		a.changes = a.broker
		return nil
	}

	opt, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.cleanup = append(a.cleanup, func() { rdb.Close() })
	cached := store.NewCachedStore(ps, rdb, a.cfg.Redis.TTL)
	a.store = cached
	a.broker = feed.NewBroker(cached, a.log)
	a.changes = store.NotifierFunc(func(owner string) {
		cached.InvalidatePositions(context.Background(), owner)
		a.broker.PositionsChanged(owner)
	})
	a.log.Info("Redis cache enabled", zap.Duration("ttl", a.cfg.Redis.TTL))
	return nil
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// loadAuthority accepts a solana-keygen JSON file path or a base58 secret.
func loadAuthority(value string) (solana.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("ledger.authority_key is required")
	}
	if _, err := os.Stat(value); err == nil {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(value)
		if err != nil {
			return nil, fmt.Errorf("read authority keypair: %w", err)
		}
		return key, nil
	}
	key, err := solana.PrivateKeyFromBase58(value)
	if err != nil {
		return nil, fmt.Errorf("ledger.authority_key: %w", err)
	}
	return key, nil
}
