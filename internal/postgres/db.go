package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	external_id TEXT UNIQUE,
	email       TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL DEFAULT 'customer',
	guest       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS addresses (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id),
	address_line1  TEXT NOT NULL,
	country        TEXT NOT NULL DEFAULT '',
	is_default     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS drugs (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	dosage         TEXT NOT NULL DEFAULT '',
	price          NUMERIC(12,2) NOT NULL,
	stock_quantity INT NOT NULL DEFAULT 0,
	total_sold     INT NOT NULL DEFAULT 0,
	revenue        NUMERIC(14,2) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	address_id  TEXT NOT NULL REFERENCES addresses(id),
	status      TEXT NOT NULL,
	total       NUMERIC(12,2) NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS order_items (
	id        TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	drug_id   TEXT NOT NULL REFERENCES drugs(id),
	quantity  INT NOT NULL CHECK (quantity > 0),
	price     NUMERIC(12,2) NOT NULL
);

CREATE TABLE IF NOT EXISTS order_status_logs (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	status      TEXT NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL REFERENCES users(id),
	order_id         TEXT REFERENCES orders(id),
	reference        TEXT NOT NULL UNIQUE,
	amount           NUMERIC(12,2) NOT NULL,
	currency         TEXT NOT NULL,
	status           TEXT NOT NULL,
	payment_method   TEXT NOT NULL DEFAULT '',
	transaction_date TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	user_id     TEXT,
	title       TEXT NOT NULL,
	message     TEXT NOT NULL,
	type        TEXT NOT NULL,
	read        BOOLEAN NOT NULL DEFAULT FALSE,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS analytics (
	date              DATE PRIMARY KEY,
	total_revenue     NUMERIC(14,2) NOT NULL DEFAULT 0,
	total_orders      INT NOT NULL DEFAULT 0,
	total_drugs_sold  INT NOT NULL DEFAULT 0,
	daily_data        JSONB,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS prescriptions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	text        TEXT NOT NULL,
	image_url   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates missing tables. It is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
