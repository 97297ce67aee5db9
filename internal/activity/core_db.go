package activity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/controlplane/internal/metrics"
	"github.com/edvin/controlplane/internal/model"
)

// DB defines the database operations used by activity structs.
// *pgxpool.Pool satisfies this interface.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CoreDB contains activities that read from and update the core database.
type CoreDB struct {
	db DB
}

// NewCoreDB creates a new CoreDB activity struct.
func NewCoreDB(db DB) *CoreDB {
	return &CoreDB{db: db}
}

const instanceColumns = `id, tenant_id, name, tier, subscription_id,
	business_status, provisioning_status, billing_status,
	error_message, allocation_id, internal_endpoint, external_endpoint,
	created_at, updated_at, terminated_at`

func scanInstance(row pgx.Row) (*model.Instance, error) {
	var in model.Instance
	err := row.Scan(&in.ID, &in.TenantID, &in.Name, &in.Tier, &in.SubscriptionID,
		&in.BusinessStatus, &in.ProvisioningStatus, &in.BillingStatus,
		&in.ErrorMessage, &in.AllocationID, &in.InternalEndpoint, &in.ExternalEndpoint,
		&in.CreatedAt, &in.UpdatedAt, &in.TerminatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// GetInstanceByID retrieves an instance by its ID.
func (a *CoreDB) GetInstanceByID(ctx context.Context, id string) (*model.Instance, error) {
	in, err := scanInstance(a.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get instance by id: %w", err)
	}
	return in, nil
}

// TransitionBusinessStatusParams holds the parameters for TransitionBusinessStatus.
type TransitionBusinessStatusParams struct {
	InstanceID string `json:"instance_id"`
	To         string `json:"to"`
}

// TransitionBusinessStatus moves an instance to a new business status after
// validating the edge against the transition table. The UPDATE re-checks the
// current status so a concurrent writer cannot smuggle in an illegal edge.
func (a *CoreDB) TransitionBusinessStatus(ctx context.Context, params TransitionBusinessStatusParams) error {
	in, err := a.GetInstanceByID(ctx, params.InstanceID)
	if err != nil {
		return err
	}
	if !model.CanTransitionBusiness(in.BusinessStatus, params.To) {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("business status %s -> %s", in.BusinessStatus, params.To),
			model.ErrTypeInvalidTransition, model.ErrInvalidTransition)
	}
	tag, err := a.db.Exec(ctx,
		`UPDATE instances SET business_status = $1, updated_at = now()
		 WHERE id = $2 AND business_status = $3`,
		params.To, params.InstanceID, in.BusinessStatus)
	if err != nil {
		return fmt.Errorf("transition business status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transition business status: instance %s changed concurrently", params.InstanceID)
	}
	return nil
}

// TransitionProvisioningStatusParams holds the parameters for TransitionProvisioningStatus.
type TransitionProvisioningStatusParams struct {
	InstanceID string `json:"instance_id"`
	To         string `json:"to"`
}

// TransitionProvisioningStatus moves an instance along the provisioning
// pipeline. Transitioning to an equal status is a no-op so replayed pipeline
// runs stay idempotent.
func (a *CoreDB) TransitionProvisioningStatus(ctx context.Context, params TransitionProvisioningStatusParams) error {
	in, err := a.GetInstanceByID(ctx, params.InstanceID)
	if err != nil {
		return err
	}
	if in.ProvisioningStatus == params.To {
		return nil
	}
	if !model.CanTransitionProvisioning(in.ProvisioningStatus, params.To) {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("provisioning status %s -> %s", in.ProvisioningStatus, params.To),
			model.ErrTypeInvalidTransition, model.ErrInvalidTransition)
	}
	tag, err := a.db.Exec(ctx,
		`UPDATE instances SET provisioning_status = $1, updated_at = now()
		 WHERE id = $2 AND provisioning_status = $3`,
		params.To, params.InstanceID, in.ProvisioningStatus)
	if err != nil {
		return fmt.Errorf("transition provisioning status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transition provisioning status: instance %s changed concurrently", params.InstanceID)
	}
	return nil
}

// SetBillingStatusParams holds the parameters for SetBillingStatus.
type SetBillingStatusParams struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
}

// SetBillingStatus records the billing status reported by the billing
// provider. Billing status follows the provider, so no transition table
// applies here.
func (a *CoreDB) SetBillingStatus(ctx context.Context, params SetBillingStatusParams) error {
	_, err := a.db.Exec(ctx,
		`UPDATE instances SET billing_status = $1, updated_at = now() WHERE id = $2`,
		params.Status, params.InstanceID)
	if err != nil {
		return fmt.Errorf("set billing status: %w", err)
	}
	return nil
}

// SetInstanceErrorParams holds the parameters for SetInstanceError.
type SetInstanceErrorParams struct {
	InstanceID string `json:"instance_id"`
	Message    string `json:"message"`
	Failed     bool   `json:"failed"` // also mark provisioning_status failed
}

// SetInstanceError puts an instance into the error business status with a
// diagnostic message. Terminated instances are left alone.
func (a *CoreDB) SetInstanceError(ctx context.Context, params SetInstanceErrorParams) error {
	query := `UPDATE instances SET business_status = $1, error_message = $2, updated_at = now()
	 WHERE id = $3 AND business_status != $4`
	args := []any{model.BusinessError, params.Message, params.InstanceID, model.BusinessTerminated}
	if params.Failed {
		query = `UPDATE instances SET business_status = $1, error_message = $2, provisioning_status = $5, updated_at = now()
		 WHERE id = $3 AND business_status != $4`
		args = append(args, model.ProvisioningFailed)
	}
	_, err := a.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set instance error: %w", err)
	}
	if params.Failed {
		metrics.ProvisioningRunsTotal.WithLabelValues("failed").Inc()
	}
	return nil
}

// ClearInstanceError wipes the diagnostic message of an instance.
func (a *CoreDB) ClearInstanceError(ctx context.Context, instanceID string) error {
	_, err := a.db.Exec(ctx,
		`UPDATE instances SET error_message = NULL, updated_at = now() WHERE id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("clear instance error: %w", err)
	}
	return nil
}

// SetInstanceEndpointsParams holds the parameters for SetInstanceEndpoints.
type SetInstanceEndpointsParams struct {
	InstanceID string `json:"instance_id"`
	Internal   string `json:"internal"`
	External   string `json:"external"`
}

// SetInstanceEndpoints stores the endpoints returned by the container runtime.
func (a *CoreDB) SetInstanceEndpoints(ctx context.Context, params SetInstanceEndpointsParams) error {
	_, err := a.db.Exec(ctx,
		`UPDATE instances SET internal_endpoint = $1, external_endpoint = $2, updated_at = now()
		 WHERE id = $3`,
		params.Internal, params.External, params.InstanceID)
	if err != nil {
		return fmt.Errorf("set instance endpoints: %w", err)
	}
	return nil
}

// MarkInstanceTerminated stamps the terminal state onto an instance row.
func (a *CoreDB) MarkInstanceTerminated(ctx context.Context, instanceID string) error {
	_, err := a.db.Exec(ctx,
		`UPDATE instances SET business_status = $1, terminated_at = now(), updated_at = now()
		 WHERE id = $2`,
		model.BusinessTerminated, instanceID)
	if err != nil {
		return fmt.Errorf("mark instance terminated: %w", err)
	}
	return nil
}

// RecordProvisioningEventParams holds the parameters for RecordProvisioningEvent.
type RecordProvisioningEventParams struct {
	InstanceID  string  `json:"instance_id"`
	Step        string  `json:"step"`
	Outcome     string  `json:"outcome"`
	ErrorDetail *string `json:"error_detail,omitempty"`
}

// RecordProvisioningEvent appends one step outcome to the provisioning log.
func (a *CoreDB) RecordProvisioningEvent(ctx context.Context, params RecordProvisioningEventParams) error {
	_, err := a.db.Exec(ctx,
		`INSERT INTO provisioning_events (instance_id, step, outcome, error_detail)
		 VALUES ($1, $2, $3, $4)`,
		params.InstanceID, params.Step, params.Outcome, params.ErrorDetail)
	if err != nil {
		return fmt.Errorf("record provisioning event: %w", err)
	}
	if params.Step == model.StepFinalize && params.Outcome == model.OutcomeCompleted {
		metrics.ProvisioningRunsTotal.WithLabelValues("completed").Inc()
	}
	return nil
}

// ListCompletedSteps returns the pipeline steps whose most recent outcome is
// completed. A resumed pipeline run skips these; a step unwound by
// compensation gets a newer failed row and runs again.
func (a *CoreDB) ListCompletedSteps(ctx context.Context, instanceID string) ([]string, error) {
	rows, err := a.db.Query(ctx,
		`SELECT step FROM (
		     SELECT DISTINCT ON (step) step, outcome FROM provisioning_events
		     WHERE instance_id = $1 ORDER BY step, id DESC
		 ) latest WHERE outcome = $2`,
		instanceID, model.OutcomeCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed steps: %w", err)
	}
	defer rows.Close()

	var steps []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan completed step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListProvisioningEvents returns the full provisioning log for an instance,
// oldest first.
func (a *CoreDB) ListProvisioningEvents(ctx context.Context, instanceID string) ([]model.ProvisioningEvent, error) {
	rows, err := a.db.Query(ctx,
		`SELECT id, instance_id, step, outcome, error_detail, created_at
		 FROM provisioning_events WHERE instance_id = $1 ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list provisioning events: %w", err)
	}
	defer rows.Close()

	var events []model.ProvisioningEvent
	for rows.Next() {
		var e model.ProvisioningEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Step, &e.Outcome, &e.ErrorDetail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provisioning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListReconcilableInstances returns instances whose infrastructure state the
// reconciler should inspect: fully provisioned and not yet terminated.
func (a *CoreDB) ListReconcilableInstances(ctx context.Context) ([]model.Instance, error) {
	rows, err := a.db.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE provisioning_status = $1 AND business_status != $2
		 ORDER BY id`,
		model.ProvisioningProvisioned, model.BusinessTerminated)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable instances: %w", err)
	}
	defer rows.Close()

	var instances []model.Instance
	for rows.Next() {
		var in model.Instance
		if err := rows.Scan(&in.ID, &in.TenantID, &in.Name, &in.Tier, &in.SubscriptionID,
			&in.BusinessStatus, &in.ProvisioningStatus, &in.BillingStatus,
			&in.ErrorMessage, &in.AllocationID, &in.InternalEndpoint, &in.ExternalEndpoint,
			&in.CreatedAt, &in.UpdatedAt, &in.TerminatedAt); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}
