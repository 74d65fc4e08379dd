// Package auditdb is an optional durable audit trail recording command
// terminal statuses and campaign lifecycle transitions, for operators who
// want history beyond what the on-disk campaign/payload state carries.
// Disabled when no database URL is configured.
//
// Grounded on the teacher's internal/database package: same pgxpool
// connection/health-check/close lifecycle (database.go) and the same
// check-then-apply schema bootstrap (schema.go), rather than the
// golang-migrate/v4 dependency the teacher's go.mod declares but whose own
// code never actually imports — the teacher's real migration path is its
// hand-rolled Migrate(), which this package follows instead.
package auditdb

import (
	"context"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps a connection pool to the optional audit-trail database.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect dials the audit-trail database. Callers should treat a nil *DB
// (never returned here, but conventionally held behind an AUDITDB_URL
// config check) as "audit trail disabled" rather than calling Connect with
// an empty URL.
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Str("url", maskDSN(databaseURL)).Msg("audit database connected")
	return &DB{Pool: pool, log: log}, nil
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func (db *DB) Close() {
	db.log.Info().Msg("closing audit database pool")
	db.Pool.Close()
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS command_audit (
	id bigserial PRIMARY KEY,
	command_id text NOT NULL,
	status text NOT NULL,
	reason_code text,
	reason_description text,
	recorded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_command_audit_command_id ON command_audit (command_id);

CREATE TABLE IF NOT EXISTS campaign_audit (
	id bigserial PRIMARY KEY,
	campaign_id text NOT NULL,
	event text NOT NULL,
	recorded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_campaign_audit_campaign_id ON campaign_audit (campaign_id);
`

// InitSchema applies the audit-trail schema on a fresh database. Checks
// whether command_audit already exists as a proxy for "already applied",
// mirroring the teacher's InitSchema check-then-apply pattern.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'command_audit')`,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		db.log.Debug().Msg("audit schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh audit database detected — applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("audit schema applied successfully")
	return nil
}

// RecordCommandStatus appends one terminal command status to the audit
// trail.
func (db *DB) RecordCommandStatus(ctx context.Context, commandID, status, reasonCode, reasonDescription string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO command_audit (command_id, status, reason_code, reason_description) VALUES ($1, $2, $3, $4)`,
		commandID, status, reasonCode, reasonDescription,
	)
	return err
}

// RecordCampaignEvent appends one campaign lifecycle transition to the
// audit trail (event is one of "activated", "idle", "expired", "removed").
func (db *DB) RecordCampaignEvent(ctx context.Context, campaignID, event string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO campaign_audit (campaign_id, event) VALUES ($1, $2)`,
		campaignID, event,
	)
	return err
}
