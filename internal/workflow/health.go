package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
)

// DbServerHealthWorkflow runs on a cron schedule and probes every registered
// database server. One failed probe degrades a server; failureThreshold
// consecutive failures mark it unreachable. Unhealthy servers are excluded
// from allocation but their existing allocations are left alone.
func DbServerHealthWorkflow(ctx workflow.Context, failureThreshold int) error {
	dctx := defaultActivityCtx(ctx)

	var servers []model.DbServer
	if err := workflow.ExecuteActivity(dctx, "ListDbServers").Get(ctx, &servers); err != nil {
		return fmt.Errorf("list db servers: %w", err)
	}

	// A probe is a single attempt. Degradation tracking belongs to the
	// consecutive failure count, not the retry policy.
	pingCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	for _, server := range servers {
		pingErr := workflow.ExecuteActivity(pingCtx, "PingDbServer", activity.PingDbServerParams{
			AdminDSN: server.AdminDSN,
		}).Get(ctx, nil)
		if pingErr != nil {
			workflow.GetLogger(ctx).Warn("db server health probe failed",
				"db_server_id", server.ID, "name", server.Name, "error", pingErr)
		}

		err := workflow.ExecuteActivity(dctx, "ReportDbServerHealth", activity.ReportDbServerHealthParams{
			DbServerID:       server.ID,
			Healthy:          pingErr == nil,
			FailureThreshold: failureThreshold,
		}).Get(ctx, nil)
		if err != nil {
			// One server's bookkeeping failure must not stop the sweep.
			workflow.GetLogger(ctx).Error("failed to record db server health",
				"db_server_id", server.ID, "error", err)
		}
	}

	return workflow.ExecuteActivity(dctx, "PoolSpareCapacity").Get(ctx, nil)
}
