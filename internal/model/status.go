package model

// Business status constants. This axis is what the tenant sees; it is owned
// by the orchestrator, the reconciler, and explicit lifecycle actions.
const (
	BusinessCreating    = "creating"
	BusinessRunning     = "running"
	BusinessStopped     = "stopped"
	BusinessSuspended   = "suspended"
	BusinessMaintenance = "maintenance"
	BusinessUpdating    = "updating"
	BusinessError       = "error"
	BusinessTerminated  = "terminated"
)

// Provisioning status constants. This axis tracks pipeline progress and is
// owned by the orchestrator, plus the billing gate for the authorization edge.
const (
	ProvisioningPending         = "pending"
	ProvisioningAwaitingBilling = "awaiting_billing"
	ProvisioningInProgress      = "provisioning"
	ProvisioningProvisioned     = "provisioned"
	ProvisioningFailed          = "failed"
)

// Billing status constants. Owned exclusively by the billing gate.
const (
	BillingTrial          = "trial"
	BillingPendingPayment = "pending_payment"
	BillingPaid           = "paid"
)

// businessEdges is the allowed business status transition table.
// TERMINATED is absorbing and handled separately in CanTransitionBusiness.
var businessEdges = map[string][]string{
	BusinessCreating:    {BusinessRunning, BusinessError},
	BusinessRunning:     {BusinessStopped, BusinessSuspended, BusinessMaintenance, BusinessUpdating, BusinessError},
	BusinessStopped:     {BusinessRunning, BusinessSuspended, BusinessUpdating, BusinessError},
	BusinessSuspended:   {BusinessRunning, BusinessStopped},
	BusinessMaintenance: {BusinessRunning, BusinessError},
	BusinessUpdating:    {BusinessRunning, BusinessStopped, BusinessError},
	BusinessError:       {BusinessRunning, BusinessSuspended, BusinessUpdating},
}

// CanTransitionBusiness reports whether the business status edge from -> to
// is allowed. Self-transitions are permitted so idempotent re-application of
// the same state is not an error.
func CanTransitionBusiness(from, to string) bool {
	if from == BusinessTerminated {
		return false
	}
	if to == BusinessTerminated {
		return true
	}
	if from == to {
		return true
	}
	for _, allowed := range businessEdges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// provisioningEdges is the allowed provisioning status transition table.
var provisioningEdges = map[string][]string{
	ProvisioningPending:         {ProvisioningAwaitingBilling, ProvisioningInProgress},
	ProvisioningAwaitingBilling: {ProvisioningInProgress},
	ProvisioningInProgress:      {ProvisioningProvisioned, ProvisioningFailed},
	// failed -> provisioning is the explicit manual re-provision path.
	ProvisioningFailed: {ProvisioningInProgress},
}

// CanTransitionProvisioning reports whether the provisioning status edge
// from -> to is allowed.
func CanTransitionProvisioning(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range provisioningEdges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Infra states as observed from the container runtime. These never appear in
// the instances table; they only feed DeriveBusinessStatus.
const (
	InfraRunning    = "running"
	InfraStarting   = "starting"
	InfraRestarting = "restarting"
	InfraPaused     = "paused"
	InfraExited     = "exited"
	InfraDead       = "dead"
	InfraGone       = "gone"
	InfraUnknown    = "unknown"
)

// DeriveBusinessStatus maps an observed infra state onto the stored business
// status. The rules, in priority order:
//
//   - terminated is absorbing and never changes;
//   - suspended, maintenance, and updating dominate any runtime signal;
//   - transient runtime states (starting, restarting, paused, unknown) keep
//     the current status;
//   - a missing or dead workload becomes error;
//   - a healthy workload becomes running only from creating or error. An
//     explicitly stopped instance is not resurrected by a stale container.
func DeriveBusinessStatus(current, infra string) string {
	if current == BusinessTerminated {
		return BusinessTerminated
	}

	switch current {
	case BusinessSuspended, BusinessMaintenance, BusinessUpdating:
		return current
	}

	switch infra {
	case InfraStarting, InfraRestarting, InfraPaused, InfraUnknown:
		return current
	case InfraExited:
		// An explicitly stopped instance is expected to have an exited
		// container.
		if current == BusinessStopped {
			return current
		}
		return BusinessError
	case InfraDead, InfraGone:
		return BusinessError
	case InfraRunning:
		if current == BusinessCreating || current == BusinessError {
			return BusinessRunning
		}
		return current
	}

	return current
}
