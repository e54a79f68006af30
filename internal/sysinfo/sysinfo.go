// Package sysinfo keeps runtime settings in step with the centrally managed
// system information row.
package sysinfo

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/config"
	"github.com/flowpbx/sbc-outbound/internal/database"
)

// NetworkSetter receives the private network list.
type NetworkSetter interface {
	Networks() []netip.Prefix
	SetNetworks(networks []netip.Prefix)
}

// Refresher reloads system information and pushes it into the classifier and
// the log level. Values left empty in the database fall back to the
// configured defaults.
type Refresher struct {
	repo     database.SystemInfoRepository
	teams    database.TeamsRepository
	networks NetworkSetter
	level    *slog.LevelVar

	defaultNetworks []netip.Prefix
	defaultLevel    slog.Level
	tenants         int

	logger *slog.Logger
}

// NewRefresher creates a Refresher. teams may be nil.
func NewRefresher(repo database.SystemInfoRepository, teams database.TeamsRepository,
	networks NetworkSetter, level *slog.LevelVar, logger *slog.Logger) *Refresher {
	return &Refresher{
		repo:            repo,
		teams:           teams,
		networks:        networks,
		level:           level,
		defaultNetworks: networks.Networks(),
		defaultLevel:    level.Level(),
		tenants:         -1,
		logger:          logger.With("subsystem", "sysinfo"),
	}
}

// Refresh performs one reload.
func (r *Refresher) Refresh(ctx context.Context) error {
	info, err := r.repo.LookupSystemInformation(ctx)
	if err != nil {
		return err
	}

	networks := r.defaultNetworks
	level := r.defaultLevel
	if info != nil {
		if info.PrivateNetworkCIDR != "" {
			parsed, err := config.ParseCIDRs(info.PrivateNetworkCIDR)
			if err != nil {
				r.logger.Warn("ignoring private network cidr", "value", info.PrivateNetworkCIDR, "error", err)
			} else {
				networks = parsed
			}
		}
		if info.LogLevel != "" {
			level = config.ParseLevel(info.LogLevel)
		}
	}

	if !slices.Equal(networks, r.networks.Networks()) {
		r.networks.SetNetworks(networks)
		r.logger.Info("private networks updated", "networks", len(networks))
	}
	if level != r.level.Level() {
		r.level.Set(level)
		r.logger.Info("log level updated", "level", level.String())
	}

	if r.teams != nil {
		fqdns, err := r.teams.LookupAllTeamsFQDNs(ctx)
		if err != nil {
			r.logger.Warn("teams tenant lookup failed", "error", err)
		} else if len(fqdns) != r.tenants {
			r.tenants = len(fqdns)
			r.logger.Debug("teams tenants provisioned", "count", r.tenants)
		}
	}
	return nil
}

// Run refreshes every interval until ctx is done. A non-positive interval
// disables the loop.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("system information refresh failed", "error", err)
			}
		}
	}
}
