package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/controlplane/internal/api/request"
	"github.com/edvin/controlplane/internal/model"
	"github.com/edvin/controlplane/internal/platform"
)

type InstanceService struct {
	db DB
	tc temporalclient.Client
}

func NewInstanceService(db DB, tc temporalclient.Client) *InstanceService {
	return &InstanceService{db: db, tc: tc}
}

const instanceColumns = `id, tenant_id, name, tier, subscription_id,
	business_status, provisioning_status, billing_status, error_message,
	allocation_id, internal_endpoint, external_endpoint,
	created_at, updated_at, terminated_at`

func scanInstance(row pgx.Row) (*model.Instance, error) {
	var in model.Instance
	err := row.Scan(&in.ID, &in.TenantID, &in.Name, &in.Tier, &in.SubscriptionID,
		&in.BusinessStatus, &in.ProvisioningStatus, &in.BillingStatus, &in.ErrorMessage,
		&in.AllocationID, &in.InternalEndpoint, &in.ExternalEndpoint,
		&in.CreatedAt, &in.UpdatedAt, &in.TerminatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// CreateInstanceParams describes a new instance request. TrialEligible is
// supplied by the billing collaborator and decides whether the instance
// waits for a payment before provisioning.
type CreateInstanceParams struct {
	TenantID       string
	Name           string
	Tier           string
	SubscriptionID string
	TrialEligible  bool
}

// Create records a new instance and leaves it to the billing gate. A trial
// instance waits in pending for its SUBSCRIPTION_CREATED event; a paid one
// waits in awaiting_billing for PAYMENT_SUCCESS. No provisioning pipeline
// starts here under any circumstances.
func (s *InstanceService) Create(ctx context.Context, params CreateInstanceParams) (*model.Instance, error) {
	provisioning := model.ProvisioningPending
	billing := model.BillingTrial
	if !params.TrialEligible {
		provisioning = model.ProvisioningAwaitingBilling
		billing = model.BillingPendingPayment
	}

	id := platform.NewID()
	row := s.db.QueryRow(ctx,
		`INSERT INTO instances (id, tenant_id, name, tier, subscription_id,
			business_status, provisioning_status, billing_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 RETURNING `+instanceColumns,
		id, params.TenantID, params.Name, params.Tier, params.SubscriptionID,
		model.BusinessCreating, provisioning, billing,
	)
	in, err := scanInstance(row)
	if err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}
	return in, nil
}

func (s *InstanceService) GetByID(ctx context.Context, id string) (*model.Instance, error) {
	in, err := scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return in, nil
}

func (s *InstanceService) GetBySubscription(ctx context.Context, subscriptionID string) (*model.Instance, error) {
	in, err := scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE subscription_id = $1`, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance for subscription %s: %w", subscriptionID, err)
	}
	return in, nil
}

func (s *InstanceService) List(ctx context.Context, params request.ListParams) ([]model.Instance, bool, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE business_status != 'terminated'`
	args := []any{}
	argIdx := 1

	if params.Search != "" {
		query += fmt.Sprintf(` AND name ILIKE $%d`, argIdx)
		args = append(args, "%"+params.Search+"%")
		argIdx++
	}
	if params.Status != "" {
		query += fmt.Sprintf(` AND business_status = $%d`, argIdx)
		args = append(args, params.Status)
		argIdx++
	}
	if params.Cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, params.Cursor)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, argIdx)
	args = append(args, params.Limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []model.Instance
	for rows.Next() {
		var in model.Instance
		if err := rows.Scan(&in.ID, &in.TenantID, &in.Name, &in.Tier, &in.SubscriptionID,
			&in.BusinessStatus, &in.ProvisioningStatus, &in.BillingStatus, &in.ErrorMessage,
			&in.AllocationID, &in.InternalEndpoint, &in.ExternalEndpoint,
			&in.CreatedAt, &in.UpdatedAt, &in.TerminatedAt); err != nil {
			return nil, false, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, in)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate instances: %w", err)
	}

	hasMore := len(instances) > params.Limit
	if hasMore {
		instances = instances[:params.Limit]
	}
	return instances, hasMore, nil
}

// ListEvents returns the append-only provisioning log for an instance,
// oldest first.
func (s *InstanceService) ListEvents(ctx context.Context, instanceID string) ([]model.ProvisioningEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, instance_id, step, outcome, error_detail, created_at
		 FROM provisioning_events WHERE instance_id = $1 ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list provisioning events for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var events []model.ProvisioningEvent
	for rows.Next() {
		var ev model.ProvisioningEvent
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Step, &ev.Outcome, &ev.ErrorDetail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provisioning event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provisioning events: %w", err)
	}
	return events, nil
}

// Start brings a stopped instance back up.
func (s *InstanceService) Start(ctx context.Context, id string) error {
	in, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !model.CanTransitionBusiness(in.BusinessStatus, model.BusinessRunning) {
		return fmt.Errorf("start instance %s from %s: %w", id, in.BusinessStatus, model.ErrInvalidTransition)
	}

	_, err = s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("start-instance-%s", id),
		TaskQueue: taskQueue,
	}, "StartInstanceWorkflow", id)
	if err != nil {
		return fmt.Errorf("start StartInstanceWorkflow: %w", err)
	}
	return nil
}

// Stop shuts a running instance down without releasing any resources.
func (s *InstanceService) Stop(ctx context.Context, id string) error {
	in, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !model.CanTransitionBusiness(in.BusinessStatus, model.BusinessStopped) {
		return fmt.Errorf("stop instance %s from %s: %w", id, in.BusinessStatus, model.ErrInvalidTransition)
	}

	_, err = s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("stop-instance-%s", id),
		TaskQueue: taskQueue,
	}, "StopInstanceWorkflow", id)
	if err != nil {
		return fmt.Errorf("start StopInstanceWorkflow: %w", err)
	}
	return nil
}

// Terminate tears the instance down for good. Valid from any status except
// terminated itself.
func (s *InstanceService) Terminate(ctx context.Context, id string) error {
	in, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if in.BusinessStatus == model.BusinessTerminated {
		return fmt.Errorf("terminate instance %s: %w", id, model.ErrInvalidTransition)
	}

	_, err = s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("terminate-instance-%s", id),
		TaskQueue: taskQueue,
	}, "TerminateInstanceWorkflow", id)
	if err != nil {
		return fmt.Errorf("start TerminateInstanceWorkflow: %w", err)
	}
	return nil
}

// Migrate moves the instance's tenant database to a different server,
// optionally forcing a role. An empty role follows the tier.
func (s *InstanceService) Migrate(ctx context.Context, id, targetRole string) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}

	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("migrate-instance-%s", id),
		TaskQueue: taskQueue,
	}, "MigrateInstanceWorkflow", id, targetRole)
	if err != nil {
		return fmt.Errorf("start MigrateInstanceWorkflow: %w", err)
	}
	return nil
}

// Reprovision re-enters the provisioning pipeline for a failed instance.
// The event log makes the pipeline resume from its first unfinished step.
// Only instances whose pipeline actually failed qualify; the billing gate
// remains the sole entry point for everything else.
func (s *InstanceService) Reprovision(ctx context.Context, id string) error {
	in, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if in.ProvisioningStatus != model.ProvisioningFailed {
		return fmt.Errorf("reprovision instance %s with provisioning status %s: %w",
			id, in.ProvisioningStatus, model.ErrInvalidTransition)
	}

	_, err = s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("provision-instance-%s", id),
		TaskQueue: taskQueue,
	}, "ProvisionInstanceWorkflow", id)
	if err != nil {
		return fmt.Errorf("start ProvisionInstanceWorkflow: %w", err)
	}
	return nil
}
