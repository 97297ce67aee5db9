package request

// CreateInstance is the payload for registering a new instance. Provisioning
// does not start until the billing gate authorizes it.
type CreateInstance struct {
	TenantID       string `json:"tenant_id" validate:"required"`
	Name           string `json:"name" validate:"required,slug"`
	Tier           string `json:"tier" validate:"required,oneof=starter standard premium"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
	TrialEligible  bool   `json:"trial_eligible"`
}

// MigrateInstance optionally forces the target server role. Empty follows
// the instance's tier.
type MigrateInstance struct {
	TargetRole string `json:"target_role" validate:"omitempty,oneof=shared_pool dedicated"`
}

// RegisterDbServer brings an externally managed database server into the
// allocation pool.
type RegisterDbServer struct {
	Name         string `json:"name" validate:"required,slug"`
	Role         string `json:"role" validate:"required,oneof=shared_pool dedicated"`
	MaxInstances int    `json:"max_instances" validate:"required,min=1"`
	Host         string `json:"host" validate:"required"`
	Port         int    `json:"port" validate:"required,min=1,max=65535"`
	AdminDSN     string `json:"admin_dsn" validate:"required"`
}

// GrowPool requests one additional shared pool server.
type GrowPool struct {
	MaxInstances int `json:"max_instances" validate:"omitempty,min=1"`
}

// CreateAPIKey requests a new admin API key.
type CreateAPIKey struct {
	Description string `json:"description" validate:"required"`
}
