package workflow

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
)

// TaskQueue is the Temporal task queue all control plane workers listen on.
const TaskQueue = "controlplane"

// defaultActivityCtx returns a workflow context with the options used by
// quick database activities.
func defaultActivityCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    1 * time.Second,
			MaximumInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
}

// runtimeActivityCtx returns a workflow context with options sized for
// container runtime calls, which can take a while (image pulls).
func runtimeActivityCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    5,
			InitialInterval:    5 * time.Second,
			MaximumInterval:    1 * time.Minute,
			BackoffCoefficient: 2.0,
		},
	})
}

// setInstanceFailed marks an instance as failed with the given error as its
// diagnostic message. Callers typically ignore the returned error since the
// primary error is more important.
func setInstanceFailed(ctx workflow.Context, instanceID string, err error) error {
	return workflow.ExecuteActivity(defaultActivityCtx(ctx), "SetInstanceError", activity.SetInstanceErrorParams{
		InstanceID: instanceID,
		Message:    err.Error(),
		Failed:     true,
	}).Get(ctx, nil)
}

// recordStep appends one provisioning event for a pipeline step.
func recordStep(ctx workflow.Context, instanceID, step, outcome string, stepErr error) error {
	params := activity.RecordProvisioningEventParams{
		InstanceID: instanceID,
		Step:       step,
		Outcome:    outcome,
	}
	if stepErr != nil {
		detail := stepErr.Error()
		params.ErrorDetail = &detail
	}
	return workflow.ExecuteActivity(defaultActivityCtx(ctx), "RecordProvisioningEvent", params).Get(ctx, nil)
}

// notify sends a lifecycle notification, fire-and-forget. Failures are
// logged here and nowhere else.
func notify(ctx workflow.Context, event string, in *model.Instance, detail string) {
	err := workflow.ExecuteActivity(defaultActivityCtx(ctx), "SendNotification", activity.NotifyPayload{
		Event:      event,
		InstanceID: in.ID,
		TenantID:   in.TenantID,
		Detail:     detail,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("lifecycle notification failed", "event", event, "instance_id", in.ID, "error", err)
	}
}

// isAppErrorType reports whether err is a Temporal application error with
// the given type, unwrapping activity and workflow error envelopes.
func isAppErrorType(err error, errType string) bool {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type() == errType
	}
	return false
}
