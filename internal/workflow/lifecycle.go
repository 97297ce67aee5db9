package workflow

import (
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
)

// StartInstanceWorkflow starts a stopped instance's container and moves it
// back to running.
func StartInstanceWorkflow(ctx workflow.Context, instanceID string) error {
	dctx := defaultActivityCtx(ctx)

	var in model.Instance
	if err := workflow.ExecuteActivity(dctx, "GetInstanceByID", instanceID).Get(ctx, &in); err != nil {
		return err
	}

	if err := workflow.ExecuteActivity(runtimeActivityCtx(ctx), "StartInstance", instanceID).Get(ctx, nil); err != nil {
		_ = workflow.ExecuteActivity(dctx, "SetInstanceError", activity.SetInstanceErrorParams{
			InstanceID: instanceID,
			Message:    err.Error(),
		}).Get(ctx, nil)
		return err
	}

	err := workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: instanceID,
		To:         model.BusinessRunning,
	}).Get(ctx, nil)
	if err != nil {
		return err
	}

	notify(ctx, "instance.started", &in, "")
	return nil
}

// StopInstanceWorkflow stops a running instance's container and records the
// explicit stop.
func StopInstanceWorkflow(ctx workflow.Context, instanceID string) error {
	dctx := defaultActivityCtx(ctx)

	var in model.Instance
	if err := workflow.ExecuteActivity(dctx, "GetInstanceByID", instanceID).Get(ctx, &in); err != nil {
		return err
	}

	if err := workflow.ExecuteActivity(runtimeActivityCtx(ctx), "StopInstance", instanceID).Get(ctx, nil); err != nil {
		return err
	}

	err := workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: instanceID,
		To:         model.BusinessStopped,
	}).Get(ctx, nil)
	if err != nil {
		return err
	}

	notify(ctx, "instance.stopped", &in, "")
	return nil
}

// SuspendInstanceWorkflow suspends an instance after a failed payment: the
// workload is stopped and the suspended status dominates reconciliation
// until billing reinstates it.
func SuspendInstanceWorkflow(ctx workflow.Context, instanceID string) error {
	dctx := defaultActivityCtx(ctx)

	var in model.Instance
	if err := workflow.ExecuteActivity(dctx, "GetInstanceByID", instanceID).Get(ctx, &in); err != nil {
		return err
	}

	err := workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: instanceID,
		To:         model.BusinessSuspended,
	}).Get(ctx, nil)
	if err != nil {
		return err
	}

	if err := workflow.ExecuteActivity(runtimeActivityCtx(ctx), "StopInstance", instanceID).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("failed to stop suspended instance workload",
			"instance_id", instanceID, "error", err)
	}

	notify(ctx, "instance.suspended", &in, "")
	return nil
}

// ResumeInstanceWorkflow reinstates a suspended instance to the given target
// status (running or stopped).
func ResumeInstanceWorkflow(ctx workflow.Context, instanceID, target string) error {
	dctx := defaultActivityCtx(ctx)

	var in model.Instance
	if err := workflow.ExecuteActivity(dctx, "GetInstanceByID", instanceID).Get(ctx, &in); err != nil {
		return err
	}

	if target == model.BusinessRunning {
		if err := workflow.ExecuteActivity(runtimeActivityCtx(ctx), "StartInstance", instanceID).Get(ctx, nil); err != nil {
			return err
		}
	}

	err := workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: instanceID,
		To:         target,
	}).Get(ctx, nil)
	if err != nil {
		return err
	}

	notify(ctx, "instance.resumed", &in, "")
	return nil
}

// TerminateInstanceWorkflow tears an instance down for good: the container
// is removed, the tenant database dropped, the allocation released, and the
// instance left in the absorbing terminated status. A dedicated database
// server emptied by the termination is removed with it.
func TerminateInstanceWorkflow(ctx workflow.Context, instanceID string) error {
	dctx := defaultActivityCtx(ctx)

	var in model.Instance
	if err := workflow.ExecuteActivity(dctx, "GetInstanceByID", instanceID).Get(ctx, &in); err != nil {
		return err
	}
	if in.BusinessStatus == model.BusinessTerminated {
		return nil
	}

	if err := workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeleteInstance", instanceID).Get(ctx, nil); err != nil {
		return err
	}

	var alloc *model.Allocation
	if err := workflow.ExecuteActivity(dctx, "GetActiveAllocation", instanceID).Get(ctx, &alloc); err != nil {
		return err
	}
	if alloc != nil {
		var server model.DbServer
		if err := workflow.ExecuteActivity(dctx, "GetDbServerByID", alloc.DbServerID).Get(ctx, &server); err != nil {
			return err
		}
		err := workflow.ExecuteActivity(dctx, "DropTenantDatabase", activity.DropTenantDatabaseParams{
			AdminDSN: server.AdminDSN,
			DbName:   alloc.DbName,
			DbUser:   alloc.DbUser,
		}).Get(ctx, nil)
		if err != nil {
			workflow.GetLogger(ctx).Warn("failed to drop tenant database on terminate",
				"instance_id", instanceID, "error", err)
		}
		if err := workflow.ExecuteActivity(dctx, "ReleaseAllocation", alloc.ID).Get(ctx, nil); err != nil {
			return err
		}

		if server.Role == model.DbServerRoleDedicated {
			_ = workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeleteDbServer", server.Name).Get(ctx, nil)
			_ = workflow.ExecuteActivity(dctx, "DeleteDbServerRecord", server.ID).Get(ctx, nil)
		}
	}

	if err := workflow.ExecuteActivity(dctx, "MarkInstanceTerminated", instanceID).Get(ctx, nil); err != nil {
		return err
	}

	notify(ctx, "instance.terminated", &in, "")
	return nil
}
