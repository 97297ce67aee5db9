package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
)

// ReconcileInstancesWorkflow runs on a cron schedule and aligns each
// provisioned instance's business status with what the container runtime
// actually reports. Instances with an in-flight provisioning pipeline are
// not listed, so the sweep never races the orchestrator. Each instance is
// evaluated in isolation: one failure is logged and the sweep moves on.
func ReconcileInstancesWorkflow(ctx workflow.Context) error {
	dctx := defaultActivityCtx(ctx)

	var instances []model.Instance
	if err := workflow.ExecuteActivity(dctx, "ListReconcilableInstances").Get(ctx, &instances); err != nil {
		return fmt.Errorf("list reconcilable instances: %w", err)
	}

	statusCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})

	for _, in := range instances {
		if err := reconcileInstance(ctx, statusCtx, dctx, in); err != nil {
			workflow.GetLogger(ctx).Error("instance reconciliation failed",
				"instance_id", in.ID, "error", err)
		}
	}
	return nil
}

func reconcileInstance(ctx, statusCtx, dctx workflow.Context, in model.Instance) error {
	var infra string
	if err := workflow.ExecuteActivity(statusCtx, "GetInstanceStatus", in.ID).Get(ctx, &infra); err != nil {
		return fmt.Errorf("get instance status: %w", err)
	}

	derived := model.DeriveBusinessStatus(in.BusinessStatus, infra)
	if derived == in.BusinessStatus {
		return nil
	}

	workflow.GetLogger(ctx).Info("reconciling instance business status",
		"instance_id", in.ID, "from", in.BusinessStatus, "to", derived, "infra", infra)

	if derived == model.BusinessError {
		return workflow.ExecuteActivity(dctx, "SetInstanceError", activity.SetInstanceErrorParams{
			InstanceID: in.ID,
			Message:    fmt.Sprintf("workload reported %s by container runtime", infra),
		}).Get(ctx, nil)
	}

	err := workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: in.ID,
		To:         derived,
	}).Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("transition business status: %w", err)
	}
	if derived == model.BusinessRunning && in.ErrorMessage != nil {
		return workflow.ExecuteActivity(dctx, "ClearInstanceError", in.ID).Get(ctx, nil)
	}
	return nil
}
