package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

// accountRepo implements AccountRepository.
type accountRepo struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

const accountColumns = `account_sid, name, service_provider_sid, COALESCE(sip_realm, ''),
	COALESCE(voip_carrier_sid, ''), record_all_calls, is_active, created_at`

// LookupAccountBySid returns the account, or nil if it does not exist.
func (r *accountRepo) LookupAccountBySid(ctx context.Context, accountSid string) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_sid = ?`, accountSid))
}

// LookupAccountBySipRealm returns the account owning a SIP realm, or nil.
func (r *accountRepo) LookupAccountBySipRealm(ctx context.Context, realm string) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE sip_realm = ?`, realm))
}

// LookupAccountCapacitiesBySid returns the purchased capacities for an account.
func (r *accountRepo) LookupAccountCapacitiesBySid(ctx context.Context, accountSid string) ([]models.AccountCapacity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_sid, category, quantity FROM account_capacities
		 WHERE account_sid = ? ORDER BY category`, accountSid)
	if err != nil {
		return nil, fmt.Errorf("querying account capacities: %w", err)
	}
	defer rows.Close()

	var caps []models.AccountCapacity
	for rows.Next() {
		var c models.AccountCapacity
		if err := rows.Scan(&c.AccountSid, &c.Category, &c.Quantity); err != nil {
			return nil, fmt.Errorf("scanning account capacity row: %w", err)
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// QueryCallLimits returns the account and service provider call limits.
// Missing rows yield zero, meaning unlimited.
func (r *accountRepo) QueryCallLimits(ctx context.Context, serviceProviderSid, accountSid string) (*models.CallLimits, error) {
	limits := &models.CallLimits{}

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(max_calls), 0) FROM call_limits WHERE account_sid = ?`,
		accountSid).Scan(&limits.AccountLimit)
	if err != nil {
		return nil, fmt.Errorf("querying account call limit: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(max_calls), 0) FROM call_limits
		 WHERE service_provider_sid = ? AND account_sid IS NULL`,
		serviceProviderSid).Scan(&limits.ServiceProviderLimit)
	if err != nil {
		return nil, fmt.Errorf("querying service provider call limit: %w", err)
	}
	return limits, nil
}

func (r *accountRepo) scanOne(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.AccountSid, &a.Name, &a.ServiceProviderSid, &a.SipRealm,
		&a.VoipCarrierSid, &a.RecordAllCalls, &a.IsActive, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}
