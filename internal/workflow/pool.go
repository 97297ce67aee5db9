package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
	"github.com/edvin/controlplane/internal/platform"
)

// defaultPoolMaxInstances is used when a pool workflow is started without an
// explicit capacity.
const defaultPoolMaxInstances = 50

// ProvisionPoolWorkflow deploys a new shared pool database server, waits for
// it to accept connections, and registers it for allocation.
func ProvisionPoolWorkflow(ctx workflow.Context, maxInstances int) error {
	if maxInstances <= 0 {
		maxInstances = defaultPoolMaxInstances
	}

	var name string
	if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
		return platform.NewName("pool-")
	}).Get(&name); err != nil {
		return err
	}

	return provisionDbServer(ctx, name, model.DbServerRoleSharedPool, maxInstances)
}

// ProvisionDedicatedWorkflow deploys a dedicated database server for one
// premium instance: a single-slot server that bypasses pool selection.
func ProvisionDedicatedWorkflow(ctx workflow.Context, instanceID string) error {
	name := "dedicated-" + instanceID
	if len(instanceID) >= 8 {
		name = "dedicated-" + instanceID[:8]
	}
	return provisionDbServer(ctx, name, model.DbServerRoleDedicated, 1)
}

func provisionDbServer(ctx workflow.Context, name, role string, maxInstances int) error {
	var deployed activity.DeployDbServerResult
	err := workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeployDbServer", activity.DeployDbServerParams{
		Name: name,
	}).Get(ctx, &deployed)
	if err != nil {
		return fmt.Errorf("deploy db server %s: %w", name, err)
	}

	adminDSN := fmt.Sprintf("postgres://postgres:%s@%s:%d/postgres",
		deployed.AdminPassword, deployed.Host, deployed.Port)

	// The server is registered only once it answers queries; retries here
	// cover postgres still starting up.
	pingCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    20,
			InitialInterval:    2 * time.Second,
			MaximumInterval:    15 * time.Second,
			BackoffCoefficient: 1.5,
		},
	})
	err = workflow.ExecuteActivity(pingCtx, "PingDbServer", activity.PingDbServerParams{
		AdminDSN: adminDSN,
	}).Get(ctx, nil)
	if err != nil {
		// Never register a server that never became healthy.
		_ = workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeleteDbServer", name).Get(ctx, nil)
		return fmt.Errorf("db server %s never became healthy: %w", name, err)
	}

	var id string
	if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
		return platform.NewID()
	}).Get(&id); err != nil {
		return err
	}

	server := model.DbServer{
		ID:           id,
		Name:         name,
		Role:         role,
		MaxInstances: maxInstances,
		Host:         deployed.Host,
		Port:         deployed.Port,
		AdminDSN:     adminDSN,
	}
	dctx := defaultActivityCtx(ctx)
	if err := workflow.ExecuteActivity(dctx, "RegisterDbServer", server).Get(ctx, nil); err != nil {
		return fmt.Errorf("register db server %s: %w", name, err)
	}

	// Refresh the spare capacity gauge now that the pool grew.
	return workflow.ExecuteActivity(dctx, "PoolSpareCapacity").Get(ctx, nil)
}

// CapacityWatchdogWorkflow runs on a cron schedule and grows the shared pool
// before it runs dry: whenever aggregate spare capacity across healthy pools
// drops below the threshold, a new pool server with maxInstances slots is
// provisioned.
func CapacityWatchdogWorkflow(ctx workflow.Context, spareThreshold, maxInstances int) error {
	var spare int
	err := workflow.ExecuteActivity(defaultActivityCtx(ctx), "PoolSpareCapacity").Get(ctx, &spare)
	if err != nil {
		return fmt.Errorf("pool spare capacity: %w", err)
	}
	if spare >= spareThreshold {
		return nil
	}

	workflow.GetLogger(ctx).Info("pool spare capacity below threshold, growing pool",
		"spare", spare, "threshold", spareThreshold)

	cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowExecutionTimeout: 15 * time.Minute,
	})
	return workflow.ExecuteChildWorkflow(cctx, ProvisionPoolWorkflow, maxInstances).Get(ctx, nil)
}
