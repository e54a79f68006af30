// Package pgstore persists call detail records and alerts to PostgreSQL for
// deployments that aggregate CDRs from several SBC nodes.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	migrateTimeout = 30 * time.Second
	// Arbitrary key shared by every node migrating the same database.
	migrateLockKey = 0x5bc0
)

// Store implements database.CDRRepository and database.AlertRepository.
type Store struct {
	db *sql.DB
}

// New connects to dsn and applies pending migrations. Several nodes may
// start against the same database; migrations serialize on an advisory lock.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql cdr store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		version := strings.TrimSuffix(path.Base(name), ".sql")
		applied, err := s.applyOnce(ctx, name, version)
		if err != nil {
			return err
		}
		if applied {
			slog.Info("applied migration", "version", version, "store", "postgresql")
		}
	}
	return nil
}

// applyOnce runs one migration under the advisory lock unless another node
// already recorded it.
func (s *Store) applyOnce(ctx context.Context, name, version string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning migration %s: %w", version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrateLockKey); err != nil {
		return false, fmt.Errorf("locking migration %s: %w", version, err)
	}

	var done bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&done); err != nil {
		return false, fmt.Errorf("checking migration %s: %w", version, err)
	}
	if done {
		return false, nil
	}

	script, err := migrationsFS.ReadFile(name)
	if err != nil {
		return false, fmt.Errorf("reading migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return false, fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return false, fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing migration %s: %w", version, err)
	}
	return true, nil
}

// WriteCDR inserts a call detail record. A missing or malformed CallSid is
// replaced with a fresh UUID since the column is typed.
func (s *Store) WriteCDR(ctx context.Context, cdr *models.CDR) error {
	if _, err := uuid.Parse(cdr.CallSid); err != nil {
		cdr.CallSid = uuid.NewString()
	}
	if cdr.Direction == "" {
		cdr.Direction = "outbound"
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cdrs (call_sid, sip_callid, account_sid, service_provider_sid,
		 application_sid, from_user, to_user, direction, host, remote_host, trunk, sip_status,
		 answered, attempted_at, answered_at, terminated_at, duration, termination_reason, target)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		cdr.CallSid, cdr.SipCallID, cdr.AccountSid, cdr.ServiceProviderSid,
		cdr.ApplicationSid, cdr.From, cdr.To, cdr.Direction, cdr.Host, cdr.RemoteHost,
		cdr.Trunk, cdr.SipStatus, cdr.Answered, cdr.AttemptedAt, cdr.AnsweredAt,
		cdr.TerminatedAt, cdr.Duration, cdr.TerminationReason, cdr.Target,
	).Scan(&cdr.ID)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

// ListBySipCallID returns every CDR written for a SIP Call-ID.
func (s *Store) ListBySipCallID(ctx context.Context, callID string) ([]models.CDR, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_sid::text, sip_callid, COALESCE(account_sid, ''), COALESCE(service_provider_sid, ''),
		 COALESCE(application_sid, ''), COALESCE(from_user, ''), COALESCE(to_user, ''), direction,
		 COALESCE(host, ''), COALESCE(remote_host, ''), COALESCE(trunk, ''), sip_status, answered,
		 attempted_at, answered_at, terminated_at, duration, COALESCE(termination_reason, ''),
		 COALESCE(target, '')
		 FROM cdrs WHERE sip_callid = $1 ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := rows.Scan(&c.ID, &c.CallSid, &c.SipCallID, &c.AccountSid, &c.ServiceProviderSid,
			&c.ApplicationSid, &c.From, &c.To, &c.Direction, &c.Host, &c.RemoteHost, &c.Trunk,
			&c.SipStatus, &c.Answered, &c.AttemptedAt, &c.AnsweredAt, &c.TerminatedAt,
			&c.Duration, &c.TerminationReason, &c.Target); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	return cdrs, rows.Err()
}

// WriteAlert inserts an operator alert.
func (s *Store) WriteAlert(ctx context.Context, alert *models.Alert) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO alerts (account_sid, service_provider_sid, type, detail, count)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		alert.AccountSid, alert.ServiceProviderSid, alert.Type, alert.Detail, alert.Count,
	).Scan(&alert.ID, &alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}
