package model

import "time"

type Instance struct {
	ID                 string     `json:"id" db:"id"`
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	Name               string     `json:"name" db:"name"`
	Tier               string     `json:"tier" db:"tier"`
	SubscriptionID     string     `json:"subscription_id" db:"subscription_id"`
	BusinessStatus     string     `json:"business_status" db:"business_status"`
	ProvisioningStatus string     `json:"provisioning_status" db:"provisioning_status"`
	BillingStatus      string     `json:"billing_status" db:"billing_status"`
	ErrorMessage       *string    `json:"error_message,omitempty" db:"error_message"`
	AllocationID       *string    `json:"allocation_id,omitempty" db:"allocation_id"`
	InternalEndpoint   *string    `json:"internal_endpoint,omitempty" db:"internal_endpoint"`
	ExternalEndpoint   *string    `json:"external_endpoint,omitempty" db:"external_endpoint"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	TerminatedAt       *time.Time `json:"terminated_at,omitempty" db:"terminated_at"`
}

// Resource tiers. Premium tiers get a dedicated database server instead of a
// slot on a shared pool.
const (
	TierStarter  = "starter"
	TierStandard = "standard"
	TierPremium  = "premium"
)
