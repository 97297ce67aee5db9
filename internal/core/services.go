package core

import (
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"
)

type Services struct {
	Instance    *InstanceService
	DbServer    *DbServerService
	BillingGate *BillingGateService
	APIKey      *APIKeyService
	Search      *SearchService
}

func NewServices(db DB, tc temporalclient.Client, logger zerolog.Logger) *Services {
	return &Services{
		Instance:    NewInstanceService(db, tc),
		DbServer:    NewDbServerService(db, tc),
		BillingGate: NewBillingGateService(db, tc, logger),
		APIKey:      NewAPIKeyService(db),
		Search:      NewSearchService(db),
	}
}
