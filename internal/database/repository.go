package database

import (
	"context"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

// AccountRepository looks up accounts and their call limits.
type AccountRepository interface {
	LookupAccountBySid(ctx context.Context, accountSid string) (*models.Account, error)
	LookupAccountBySipRealm(ctx context.Context, realm string) (*models.Account, error)
	LookupAccountCapacitiesBySid(ctx context.Context, accountSid string) ([]models.AccountCapacity, error)
	QueryCallLimits(ctx context.Context, serviceProviderSid, accountSid string) (*models.CallLimits, error)
}

// CarrierRepository resolves carriers and their gateways for outbound routing.
type CarrierRepository interface {
	LookupOutboundCarrierForAccount(ctx context.Context, accountSid string) (string, error)
	LookupCarrierByAccountLcr(ctx context.Context, accountSid, number string) (string, error)
	LookupCarrierBySid(ctx context.Context, carrierSid string) (*models.Carrier, error)
	LookupSipGatewaysByCarrier(ctx context.Context, carrierSid string) ([]models.SipGateway, error)
}

// TeamsRepository lists provisioned Microsoft Teams tenant domains.
type TeamsRepository interface {
	LookupAllTeamsFQDNs(ctx context.Context) ([]models.TeamsFQDN, error)
}

// SystemInfoRepository loads the globally managed settings.
type SystemInfoRepository interface {
	LookupSystemInformation(ctx context.Context) (*models.SystemInformation, error)
}

// CDRRepository persists call detail records.
type CDRRepository interface {
	WriteCDR(ctx context.Context, cdr *models.CDR) error
	ListBySipCallID(ctx context.Context, callID string) ([]models.CDR, error)
}

// AlertRepository persists operator alerts.
type AlertRepository interface {
	WriteAlert(ctx context.Context, alert *models.Alert) error
}
