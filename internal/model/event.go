package model

import "time"

// Provisioning pipeline step names, in execution order.
const (
	StepAllocateDatabase  = "allocate_database"
	StepProvisionTenantDB = "provision_tenant_db"
	StepDeployInstance    = "deploy_instance"
	StepAwaitReadiness    = "await_readiness"
	StepFinalize          = "finalize"
)

// Provisioning event outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// ProvisioningEvent is one append-only log entry per pipeline step attempt.
// Rows are never updated; the latest completed row per step drives idempotent
// resume, the rest is audit trail.
type ProvisioningEvent struct {
	ID          int64     `json:"id" db:"id"`
	InstanceID  string    `json:"instance_id" db:"instance_id"`
	Step        string    `json:"step" db:"step"`
	Outcome     string    `json:"outcome" db:"outcome"`
	ErrorDetail *string   `json:"error_detail,omitempty" db:"error_detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Billing webhook event types.
const (
	EventSubscriptionCreated   = "SUBSCRIPTION_CREATED"
	EventPaymentSuccess        = "PAYMENT_SUCCESS"
	EventPaymentFailed         = "PAYMENT_FAILED"
	EventSubscriptionCancelled = "SUBSCRIPTION_CANCELLED"
)

// WebhookEvent is the dedupe record for processed billing webhooks. The
// unique constraint on EventID makes redeliveries no-ops.
type WebhookEvent struct {
	EventID        string    `json:"event_id" db:"event_id"`
	EventType      string    `json:"event_type" db:"event_type"`
	ExternalKey    string    `json:"external_key" db:"external_key"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	ProcessedAt    time.Time `json:"processed_at" db:"processed_at"`
}

// BillingEvent is the parsed payload of an inbound billing webhook.
type BillingEvent struct {
	EventID        string  `json:"event_id"`
	EventType      string  `json:"event_type"`
	ExternalKey    string  `json:"external_key"`
	SubscriptionID string  `json:"subscription_id"`
	Amount         *int64  `json:"amount,omitempty"`
	Currency       *string `json:"currency,omitempty"`
}
