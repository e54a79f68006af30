package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

type systemInfoRepo struct {
	db *DB
}

// NewSystemInfoRepository creates a new SystemInfoRepository.
func NewSystemInfoRepository(db *DB) SystemInfoRepository {
	return &systemInfoRepo{db: db}
}

// LookupSystemInformation returns the singleton system information row.
func (r *systemInfoRepo) LookupSystemInformation(ctx context.Context) (*models.SystemInformation, error) {
	var si models.SystemInformation
	err := r.db.QueryRowContext(ctx,
		`SELECT private_network_cidr, log_level FROM system_information WHERE id = 1`,
	).Scan(&si.PrivateNetworkCIDR, &si.LogLevel)
	if err == sql.ErrNoRows {
		return &si, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying system information: %w", err)
	}
	return &si, nil
}

type teamsRepo struct {
	db *DB
}

// NewTeamsRepository creates a new TeamsRepository.
func NewTeamsRepository(db *DB) TeamsRepository {
	return &teamsRepo{db: db}
}

// LookupAllTeamsFQDNs returns every provisioned Teams tenant domain.
func (r *teamsRepo) LookupAllTeamsFQDNs(ctx context.Context) ([]models.TeamsFQDN, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT fqdn, account_sid FROM teams_fqdns ORDER BY fqdn`)
	if err != nil {
		return nil, fmt.Errorf("querying teams fqdns: %w", err)
	}
	defer rows.Close()

	var out []models.TeamsFQDN
	for rows.Next() {
		var t models.TeamsFQDN
		if err := rows.Scan(&t.FQDN, &t.AccountSid); err != nil {
			return nil, fmt.Errorf("scanning teams fqdn row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
