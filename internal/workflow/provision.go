package workflow

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
)

const (
	// The readiness activity enforces the configured poll deadline itself;
	// this only bounds how long a single attempt may stay scheduled.
	readinessActivityTimeout = 30 * time.Minute

	// How often and how long to wait for pool auto-scale when every
	// eligible server is full.
	capacityBackoffInitial = 15 * time.Second
	capacityBackoffMax     = 2 * time.Minute
	capacityMaxAttempts    = 8
)

// ProvisionInstanceWorkflowID returns the deterministic workflow ID for an
// instance's provisioning pipeline. Starting the same ID twice while a run
// is open is rejected by Temporal, which is what keeps the pipeline
// exactly-one-per-instance.
func ProvisionInstanceWorkflowID(instanceID string) string {
	return "provision-instance-" + instanceID
}

// ProvisionInstanceWorkflow runs the provisioning pipeline for one instance:
// allocate a database slot, create the tenant database, deploy the
// container, wait for readiness, finalize. Step outcomes are appended to the
// provisioning event log and a resumed run continues from the first
// unfinished step.
func ProvisionInstanceWorkflow(ctx workflow.Context, instanceID string) error {
	dctx := defaultActivityCtx(ctx)

	err := workflow.ExecuteActivity(dctx, "TransitionProvisioningStatus", activity.TransitionProvisioningStatusParams{
		InstanceID: instanceID,
		To:         model.ProvisioningInProgress,
	}).Get(ctx, nil)
	if err != nil {
		return err
	}

	var in model.Instance
	if err := workflow.ExecuteActivity(dctx, "GetInstanceByID", instanceID).Get(ctx, &in); err != nil {
		return err
	}

	var steps []string
	if err := workflow.ExecuteActivity(dctx, "ListCompletedSteps", instanceID).Get(ctx, &steps); err != nil {
		return err
	}
	done := make(map[string]bool, len(steps))
	for _, s := range steps {
		done[s] = true
	}

	// Step 1: allocate a database slot.
	var alloc model.Allocation
	if err := allocateDatabase(ctx, &in, done, &alloc); err != nil {
		return failProvisioning(ctx, &in, model.StepAllocateDatabase, err)
	}

	var server model.DbServer
	if err := workflow.ExecuteActivity(dctx, "GetDbServerByID", alloc.DbServerID).Get(ctx, &server); err != nil {
		return failProvisioning(ctx, &in, model.StepProvisionTenantDB, err)
	}
	dbConn := model.DBConnectionInfo{
		Host:     server.Host,
		Port:     server.Port,
		Name:     alloc.DbName,
		User:     alloc.DbUser,
		Password: alloc.DbPassword,
	}

	// Step 2: create the tenant database and credentials.
	if !done[model.StepProvisionTenantDB] {
		err := workflow.ExecuteActivity(dctx, "CreateTenantDatabase", activity.CreateTenantDatabaseParams{
			AdminDSN:   server.AdminDSN,
			DbName:     alloc.DbName,
			DbUser:     alloc.DbUser,
			DbPassword: alloc.DbPassword,
		}).Get(ctx, nil)
		if err != nil {
			return failProvisioning(ctx, &in, model.StepProvisionTenantDB, err)
		}
		if err := recordStep(ctx, in.ID, model.StepProvisionTenantDB, model.OutcomeCompleted, nil); err != nil {
			return err
		}
	}

	// Step 3: deploy the instance container.
	if !done[model.StepDeployInstance] {
		var deployed activity.DeployInstanceResult
		err := workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeployInstance", activity.DeployInstanceParams{
			InstanceID: in.ID,
			Tier:       in.Tier,
			DBConn:     dbConn,
		}).Get(ctx, &deployed)
		if err != nil {
			return failProvisioning(ctx, &in, model.StepDeployInstance, err)
		}
		err = workflow.ExecuteActivity(dctx, "SetInstanceEndpoints", activity.SetInstanceEndpointsParams{
			InstanceID: in.ID,
			Internal:   deployed.InternalEndpoint,
			External:   deployed.ExternalEndpoint,
		}).Get(ctx, nil)
		if err != nil {
			return failProvisioning(ctx, &in, model.StepDeployInstance, err)
		}
		if err := recordStep(ctx, in.ID, model.StepDeployInstance, model.OutcomeCompleted, nil); err != nil {
			return err
		}
	}

	// Step 4: wait for the workload to report ready, bounded.
	if !done[model.StepAwaitReadiness] {
		rctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: readinessActivityTimeout,
			HeartbeatTimeout:    30 * time.Second,
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts:        2,
				InitialInterval:        5 * time.Second,
				NonRetryableErrorTypes: []string{model.ErrTypeReadinessTimeout},
			},
		})
		err := workflow.ExecuteActivity(rctx, "AwaitInstanceReady", activity.AwaitInstanceReadyParams{
			InstanceID: in.ID,
		}).Get(ctx, nil)
		if err != nil {
			return failProvisioning(ctx, &in, model.StepAwaitReadiness, err)
		}
		if err := recordStep(ctx, in.ID, model.StepAwaitReadiness, model.OutcomeCompleted, nil); err != nil {
			return err
		}
	}

	// Step 5: finalize.
	err = workflow.ExecuteActivity(dctx, "TransitionProvisioningStatus", activity.TransitionProvisioningStatusParams{
		InstanceID: in.ID,
		To:         model.ProvisioningProvisioned,
	}).Get(ctx, nil)
	if err != nil {
		return failProvisioning(ctx, &in, model.StepFinalize, err)
	}
	err = workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: in.ID,
		To:         model.BusinessRunning,
	}).Get(ctx, nil)
	if err != nil {
		return failProvisioning(ctx, &in, model.StepFinalize, err)
	}
	if err := workflow.ExecuteActivity(dctx, "ClearInstanceError", in.ID).Get(ctx, nil); err != nil {
		return err
	}
	if err := recordStep(ctx, in.ID, model.StepFinalize, model.OutcomeCompleted, nil); err != nil {
		return err
	}

	notify(ctx, "instance.provisioned", &in, "")
	return nil
}

// allocateDatabase claims a database slot for the instance, kicking off pool
// auto-scale and backing off whenever capacity is exhausted. The allocation
// activity is idempotent, so a resumed run gets its existing allocation
// back.
func allocateDatabase(ctx workflow.Context, in *model.Instance, done map[string]bool, alloc *model.Allocation) error {
	var role string
	if err := workflow.ExecuteActivity(defaultActivityCtx(ctx), "TierRole", in.Tier).Get(ctx, &role); err != nil {
		return err
	}

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        3,
			InitialInterval:        1 * time.Second,
			NonRetryableErrorTypes: []string{model.ErrTypeCapacityExhausted},
		},
	})

	backoff := capacityBackoffInitial
	for attempt := 1; ; attempt++ {
		err := workflow.ExecuteActivity(actx, "AllocateDbServer", activity.AllocateDbServerParams{
			InstanceID: in.ID,
			Role:       role,
		}).Get(ctx, alloc)
		if err == nil {
			if !done[model.StepAllocateDatabase] {
				return recordStep(ctx, in.ID, model.StepAllocateDatabase, model.OutcomeCompleted, nil)
			}
			return nil
		}
		if !isAppErrorType(err, model.ErrTypeCapacityExhausted) {
			return err
		}
		if attempt >= capacityMaxAttempts {
			return err
		}

		// Grow the pool, then wait and retry.
		scale := scaleWorkflow(ctx, in, role)
		if scaleErr := scale.Get(ctx, nil); scaleErr != nil {
			workflow.GetLogger(ctx).Warn("pool auto-scale failed, backing off",
				"instance_id", in.ID, "error", scaleErr)
		}
		if err := workflow.Sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > capacityBackoffMax {
			backoff = capacityBackoffMax
		}
	}
}

func scaleWorkflow(ctx workflow.Context, in *model.Instance, role string) workflow.ChildWorkflowFuture {
	cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowExecutionTimeout: 15 * time.Minute,
	})
	if role == model.DbServerRoleDedicated {
		return workflow.ExecuteChildWorkflow(cctx, ProvisionDedicatedWorkflow, in.ID)
	}
	return workflow.ExecuteChildWorkflow(cctx, ProvisionPoolWorkflow, 0)
}

// failProvisioning records the failing step, unwinds whatever the pipeline
// already built, and leaves the instance in error with the provisioning
// pipeline marked failed. Always returns the original error.
func failProvisioning(ctx workflow.Context, in *model.Instance, step string, stepErr error) error {
	_ = recordStep(ctx, in.ID, step, model.OutcomeFailed, stepErr)

	dctx := defaultActivityCtx(ctx)

	// Tear down any partial deployment.
	_ = workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeleteInstance", in.ID).Get(ctx, nil)

	// Give back the database slot so failed pipelines never leak capacity.
	var alloc *model.Allocation
	if err := workflow.ExecuteActivity(dctx, "GetActiveAllocation", in.ID).Get(ctx, &alloc); err == nil && alloc != nil {
		var server model.DbServer
		if err := workflow.ExecuteActivity(dctx, "GetDbServerByID", alloc.DbServerID).Get(ctx, &server); err == nil {
			_ = workflow.ExecuteActivity(dctx, "DropTenantDatabase", activity.DropTenantDatabaseParams{
				AdminDSN: server.AdminDSN,
				DbName:   alloc.DbName,
				DbUser:   alloc.DbUser,
			}).Get(ctx, nil)
		}
		_ = workflow.ExecuteActivity(dctx, "ReleaseAllocation", alloc.ID).Get(ctx, nil)
	}

	// The unwound steps get fresh failed rows so a manual re-provision
	// runs them again instead of skipping them.
	rolledBack := errors.New("rolled back after pipeline failure")
	for _, s := range []string{model.StepAllocateDatabase, model.StepProvisionTenantDB, model.StepDeployInstance} {
		if s == step {
			break
		}
		_ = recordStep(ctx, in.ID, s, model.OutcomeFailed, rolledBack)
	}

	_ = setInstanceFailed(ctx, in.ID, stepErr)
	notify(ctx, "instance.provision_failed", in, stepErr.Error())
	return stepErr
}
