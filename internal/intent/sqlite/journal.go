// Package sqlite stores transfer intents in a local SQLite file so they
// survive a process restart independently of the backend store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/voltx/vault-engine/internal/intent"
)

// Journal implements intent.Journal on SQLite. Indexed columns are stored
// plainly; the rest of the intent is a msgpack payload.
type Journal struct {
	db *sql.DB
}

type payload struct {
	Wallet    string `msgpack:"w"`
	Amount    string `msgpack:"a"`
	Signature string `msgpack:"s,omitempty"`
	LastError string `msgpack:"e,omitempty"`
	Attempts  int    `msgpack:"n"`
}

// New opens (or creates) the journal at path. Use ":memory:" in tests.
func New(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS transfer_intents (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		order_id   INTEGER NOT NULL,
		status     TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS transfer_intents_status ON transfer_intents (status, created_at)`)
	return err
}

func (j *Journal) Record(ctx context.Context, in *intent.Intent) error {
	blob, err := encode(in)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO transfer_intents (id, kind, order_id, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID.String(), string(in.Kind), in.OrderID, string(in.Status), blob,
		in.CreatedAt.UnixNano(), in.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record intent %s: %w", in.ID, err)
	}
	return nil
}

func (j *Journal) Get(ctx context.Context, id uuid.UUID) (*intent.Intent, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, kind, order_id, status, payload, created_at, updated_at
		 FROM transfer_intents WHERE id = ?`, id.String())
	in, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, intent.ErrNotFound
	}
	return in, err
}

func (j *Journal) Resolve(ctx context.Context, id uuid.UUID, signature string) error {
	return j.update(ctx, id, func(in *intent.Intent) {
		in.Status = intent.StatusDone
		in.Signature = signature
		in.LastError = ""
	})
}

func (j *Journal) Landed(ctx context.Context, id uuid.UUID, signature string) error {
	return j.update(ctx, id, func(in *intent.Intent) {
		in.Signature = signature
	})
}

func (j *Journal) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return j.update(ctx, id, func(in *intent.Intent) {
		in.Status = intent.StatusFailed
		in.LastError = reason
	})
}

func (j *Journal) Retry(ctx context.Context, id uuid.UUID, reason string) error {
	return j.update(ctx, id, func(in *intent.Intent) {
		in.Attempts++
		in.LastError = reason
	})
}

func (j *Journal) Pending(ctx context.Context) ([]intent.Intent, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, order_id, status, payload, created_at, updated_at
		 FROM transfer_intents WHERE status = ? ORDER BY created_at`, string(intent.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []intent.Intent
	for rows.Next() {
		in, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) update(ctx context.Context, id uuid.UUID, fn func(*intent.Intent)) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, kind, order_id, status, payload, created_at, updated_at
		 FROM transfer_intents WHERE id = ?`, id.String())
	in, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return intent.ErrNotFound
	}
	if err != nil {
		return err
	}

	fn(in)
	in.UpdatedAt = time.Now().UTC()
	blob, err := encode(in)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transfer_intents SET status = ?, payload = ?, updated_at = ? WHERE id = ?`,
		string(in.Status), blob, in.UpdatedAt.UnixNano(), id.String(),
	); err != nil {
		return fmt.Errorf("update intent %s: %w", id, err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*intent.Intent, error) {
	var (
		in               intent.Intent
		id, kind, status string
		blob             []byte
		created, updated int64
	)
	if err := s.Scan(&id, &kind, &in.OrderID, &status, &blob, &created, &updated); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("intent id %q: %w", id, err)
	}
	var p payload
	if err := msgpack.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", id, err)
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("intent %s amount: %w", id, err)
	}

	in.ID = parsed
	in.Kind = intent.Kind(kind)
	in.Status = intent.Status(status)
	in.Wallet = p.Wallet
	in.Amount = amount
	in.Signature = p.Signature
	in.LastError = p.LastError
	in.Attempts = p.Attempts
	in.CreatedAt = time.Unix(0, created).UTC()
	in.UpdatedAt = time.Unix(0, updated).UTC()
	return &in, nil
}

func encode(in *intent.Intent) ([]byte, error) {
	blob, err := msgpack.Marshal(payload{
		Wallet:    in.Wallet,
		Amount:    in.Amount.String(),
		Signature: in.Signature,
		LastError: in.LastError,
		Attempts:  in.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode intent %s: %w", in.ID, err)
	}
	return blob, nil
}

var _ intent.Journal = (*Journal)(nil)
