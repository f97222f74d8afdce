package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
)

// PositionsChannel is the NOTIFY channel carrying the owner of a changed
// position row.
const PositionsChannel = "positions_changed"

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates missing tables. It never alters existing ones.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- Users ---

func (s *PostgresStore) UpsertUser(ctx context.Context, wallet string) (*model.User, error) {
	u := model.User{WalletAddress: wallet}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (wallet_address) VALUES ($1)
		 ON CONFLICT (wallet_address) DO UPDATE SET wallet_address = EXCLUDED.wallet_address
		 RETURNING id`, wallet).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", wallet, err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByWallet(ctx context.Context, wallet string) (*model.User, error) {
	u := model.User{WalletAddress: wallet}
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM users WHERE wallet_address = $1`, wallet).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", wallet, notFound(err))
	}
	return &u, nil
}

// --- Orders ---

const orderColumns = `o.id, o.user_id, u.wallet_address, o.side,
	o.points::TEXT, o.amount::TEXT, o.filled_amount::TEXT,
	o.status, COALESCE(o.txn_hash, ''), o.created_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`WITH ins AS (
		   INSERT INTO orders (user_id, side, points, amount, filled_amount, status, created_at)
		   VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
		   RETURNING id, user_id
		 )
		 SELECT ins.id, u.wallet_address FROM ins JOIN users u ON u.id = ins.user_id`,
		o.UserID, o.Side, o.Points.String(), o.Amount.String(), o.FilledAmount.String(),
		o.Status, o.CreatedAt,
	).Scan(&o.ID, &o.Wallet)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+`
		 FROM orders o JOIN users u ON u.id = o.user_id WHERE o.id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, notFound(err))
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders o JOIN users u ON u.id = o.user_id
		 WHERE o.user_id = $1 ORDER BY o.created_at DESC, o.id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders o JOIN users u ON u.id = o.user_id
		 WHERE o.status IN ('OPEN', 'PARTIALLY_FILLED') ORDER BY o.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) OpenOrder(ctx context.Context, id int64, txHash string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var userID int64
		var amount string
		err := tx.QueryRow(ctx,
			`UPDATE orders SET status = 'OPEN', txn_hash = $2
			 WHERE id = $1 AND status = 'PENDING'
			 RETURNING user_id, amount::TEXT`, id, txHash).Scan(&userID, &amount)
		if err != nil {
			return s.transitionErr(ctx, tx, "open order", id, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO balances (user_id, total_deposited, locked_amount, updated_at)
			 VALUES ($1, $2::NUMERIC, $2::NUMERIC, now())
			 ON CONFLICT (user_id) DO UPDATE
			 SET total_deposited = balances.total_deposited + EXCLUDED.total_deposited,
			     locked_amount   = balances.locked_amount + EXCLUDED.locked_amount,
			     updated_at      = now()`, userID, amount)
		return err
	})
}

func (s *PostgresStore) FailOrder(ctx context.Context, id int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET status = 'CANCELLED' WHERE id = $1 AND status = 'PENDING'`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.transitionErr(ctx, tx, "fail order", id, pgx.ErrNoRows)
		}
		return nil
	})
}

func (s *PostgresStore) CancelOrder(ctx context.Context, id int64) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var userID int64
		var remS string
		err := tx.QueryRow(ctx,
			`UPDATE orders SET status = 'CANCELLED'
			 WHERE id = $1 AND status IN ('OPEN', 'PARTIALLY_FILLED') AND amount > filled_amount
			 RETURNING user_id, (amount - filled_amount)::TEXT`, id).Scan(&userID, &remS)
		if err != nil {
			return s.transitionErr(ctx, tx, "cancel order", id, err)
		}
		remaining, _ = decimal.NewFromString(remS)
		_, err = tx.Exec(ctx,
			`UPDATE balances SET locked_amount = GREATEST(locked_amount - $2::NUMERIC, 0), updated_at = now()
			 WHERE user_id = $1`, userID, remS)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return remaining, nil
}

func (s *PostgresStore) ApplyFill(ctx context.Context, id int64, qty decimal.Decimal) (*model.Order, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("fill %s on order %d: %w", qty, id, ErrConflict)
	}
	var o *model.Order
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE orders
			 SET filled_amount = filled_amount + $2::NUMERIC,
			     status = CASE WHEN filled_amount + $2::NUMERIC = amount THEN 'FILLED' ELSE 'PARTIALLY_FILLED' END
			 WHERE id = $1 AND status IN ('OPEN', 'PARTIALLY_FILLED')
			   AND filled_amount + $2::NUMERIC <= amount`, id, qty.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.transitionErr(ctx, tx, "fill order", id, pgx.ErrNoRows)
		}
		o, err = scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+`
			 FROM orders o JOIN users u ON u.id = o.user_id WHERE o.id = $1`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	b := model.Balance{UserID: userID}
	var dep, locked string
	err := s.pool.QueryRow(ctx,
		`SELECT total_deposited::TEXT, locked_amount::TEXT, updated_at
		 FROM balances WHERE user_id = $1`, userID).Scan(&dep, &locked, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %d: %w", userID, err)
	}
	b.TotalDeposited, _ = decimal.NewFromString(dep)
	b.LockedAmount, _ = decimal.NewFromString(locked)
	return &b, nil
}

// --- Positions ---

const positionColumns = `id, order_id, user_public_key, position_type,
	lower_bound::TEXT, upper_bound::TEXT, amount::TEXT, status, created_at,
	settlement_time, settlement_price::TEXT, payout_percentage::TEXT,
	payout_amount::TEXT, claimed_at,
	COALESCE(on_chain_position_address, ''), COALESCE(tx_signature, '')`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Status = model.PositionActive
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO positions (order_id, user_public_key, position_type,
			                        lower_bound, upper_bound, amount, status, created_at,
			                        on_chain_position_address, tx_signature)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)
			 ON CONFLICT (order_id) DO NOTHING
			 RETURNING id`,
			p.OrderID, p.UserPublicKey, int(p.PositionType),
			p.LowerBound.String(), p.UpperBound.String(), p.Amount.String(),
			p.Status, p.CreatedAt, p.OnChainPositionAddress, p.TxSignature,
		).Scan(&p.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("position for order %d already exists: %w", p.OrderID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("create position: %w", err)
		}
		return notifyTx(ctx, tx, p.UserPublicKey)
	})
}

func (s *PostgresStore) GetPositionByOrder(ctx context.Context, orderID int64, owner string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE order_id = $1 AND user_public_key = $2`, orderID, owner)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position for order %d: %w", orderID, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_public_key = $1 ORDER BY created_at DESC, id DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SettlePosition(ctx context.Context, orderID int64, st model.Settlement) (*model.Position, error) {
	return s.positionTransition(ctx, orderID, model.PositionActive,
		`UPDATE positions
		 SET status = 'SETTLED', settlement_time = $3,
		     settlement_price = $4::NUMERIC, payout_percentage = $5::NUMERIC
		 WHERE order_id = $1 AND status = $2
		 RETURNING `+positionColumns,
		func(ctx context.Context, tx pgx.Tx, p *model.Position) error {
			_, err := tx.Exec(ctx,
				`UPDATE balances b
				 SET locked_amount = GREATEST(b.locked_amount - $2::NUMERIC, 0), updated_at = now()
				 FROM users u
				 WHERE u.id = b.user_id AND u.wallet_address = $1`,
				p.UserPublicKey, p.Amount.String())
			return err
		},
		st.Time, st.Price.String(), st.PayoutPercentage.String())
}

func (s *PostgresStore) MarkClaimed(ctx context.Context, orderID int64, payoutAmount decimal.Decimal, claimedAt time.Time, txSig string) (*model.Position, error) {
	return s.positionTransition(ctx, orderID, model.PositionSettled,
		`UPDATE positions
		 SET status = 'CLAIMED_PENDING_PAYOUT', payout_amount = $3::NUMERIC,
		     claimed_at = $4, tx_signature = $5
		 WHERE order_id = $1 AND status = $2
		 RETURNING `+positionColumns,
		nil, payoutAmount.String(), claimedAt, txSig)
}

func (s *PostgresStore) MarkPaid(ctx context.Context, orderID int64, txSig string) (*model.Position, error) {
	return s.positionTransition(ctx, orderID, model.PositionClaimedPendingPayout,
		`UPDATE positions
		 SET status = 'CLAIMED', tx_signature = COALESCE(NULLIF($3, ''), tx_signature)
		 WHERE order_id = $1 AND status = $2
		 RETURNING `+positionColumns,
		nil, txSig)
}

// positionTransition runs a guarded position UPDATE, an optional follow-up in
// the same transaction, and a change notification.
func (s *PostgresStore) positionTransition(
	ctx context.Context,
	orderID int64,
	from model.PositionStatus,
	query string,
	after func(context.Context, pgx.Tx, *model.Position) error,
	args ...any,
) (*model.Position, error) {
	var p *model.Position
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		p, err = scanPosition(tx.QueryRow(ctx, query, append([]any{orderID, from}, args...)...))
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			lookup := tx.QueryRow(ctx, `SELECT status FROM positions WHERE order_id = $1`, orderID).Scan(&status)
			if errors.Is(lookup, pgx.ErrNoRows) {
				return fmt.Errorf("position for order %d: %w", orderID, ErrNotFound)
			}
			return fmt.Errorf("position for order %d is %s, want %s: %w", orderID, status, from, ErrConflict)
		}
		if err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, tx, p); err != nil {
				return err
			}
		}
		return notifyTx(ctx, tx, p.UserPublicKey)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// transitionErr turns a guarded order UPDATE that matched no row into
// ErrNotFound or ErrConflict.
func (s *PostgresStore) transitionErr(ctx context.Context, tx pgx.Tx, op string, id int64, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	var status string
	if lookup := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status); lookup != nil {
		return fmt.Errorf("%s %d: %w", op, id, ErrNotFound)
	}
	return fmt.Errorf("%s %d in status %s: %w", op, id, status, ErrConflict)
}

func notifyTx(ctx context.Context, tx pgx.Tx, owner string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, PositionsChannel, owner)
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var points, amount, filled string
	if err := row.Scan(&o.ID, &o.UserID, &o.Wallet, &o.Side,
		&points, &amount, &filled,
		&o.Status, &o.TxnHash, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Points, _ = decimal.NewFromString(points)
	o.Amount, _ = decimal.NewFromString(amount)
	o.FilledAmount, _ = decimal.NewFromString(filled)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var ptype int
	var lower, upper, amount string
	var price, pct, paid *string

	if err := row.Scan(&p.ID, &p.OrderID, &p.UserPublicKey, &ptype,
		&lower, &upper, &amount, &p.Status, &p.CreatedAt,
		&p.SettlementTime, &price, &pct,
		&paid, &p.ClaimedAt,
		&p.OnChainPositionAddress, &p.TxSignature); err != nil {
		return nil, err
	}
	p.PositionType = model.PositionType(ptype)
	p.LowerBound, _ = decimal.NewFromString(lower)
	p.UpperBound, _ = decimal.NewFromString(upper)
	p.Amount, _ = decimal.NewFromString(amount)
	p.SettlementPrice = optionalDecimal(price)
	p.PayoutPercentage = optionalDecimal(pct)
	p.PayoutAmount = optionalDecimal(paid)
	return &p, nil
}

func optionalDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
