package workflow

import (
	"fmt"

	"go.temporal.io/sdk/workflow"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
)

// MigrateInstanceWorkflow moves an instance's tenant database to a
// different database server, typically on a plan tier change. The instance
// is forced into updating for the duration, which the reconciler never
// overrides. Order: dump from source, allocate on target, restore, switch
// the binding, release the source. On any failure the target allocation is
// rolled back and the instance returns to its prior status.
func MigrateInstanceWorkflow(ctx workflow.Context, instanceID, targetRole string) error {
	dctx := defaultActivityCtx(ctx)

	var in model.Instance
	if err := workflow.ExecuteActivity(dctx, "GetInstanceByID", instanceID).Get(ctx, &in); err != nil {
		return err
	}
	switch in.BusinessStatus {
	case model.BusinessRunning, model.BusinessStopped:
	default:
		return fmt.Errorf("instance %s is %s, migration requires running or stopped", instanceID, in.BusinessStatus)
	}
	prior := in.BusinessStatus

	var source *model.Allocation
	if err := workflow.ExecuteActivity(dctx, "GetActiveAllocation", instanceID).Get(ctx, &source); err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("instance %s has no active allocation to migrate", instanceID)
	}
	var sourceServer model.DbServer
	if err := workflow.ExecuteActivity(dctx, "GetDbServerByID", source.DbServerID).Get(ctx, &sourceServer); err != nil {
		return err
	}

	err := workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: instanceID,
		To:         model.BusinessUpdating,
	}).Get(ctx, nil)
	if err != nil {
		return err
	}

	sourceConn := model.DBConnectionInfo{
		Host:     sourceServer.Host,
		Port:     sourceServer.Port,
		Name:     source.DbName,
		User:     source.DbUser,
		Password: source.DbPassword,
	}

	var dumpKey string
	err = workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DumpTenantDatabase", activity.DumpTenantDatabaseParams{
		InstanceID: instanceID,
		Source:     sourceConn,
	}).Get(ctx, &dumpKey)
	if err != nil {
		return rollbackMigration(ctx, &in, prior, nil, "", err)
	}

	if targetRole == "" {
		if err := workflow.ExecuteActivity(dctx, "TierRole", in.Tier).Get(ctx, &targetRole); err != nil {
			return rollbackMigration(ctx, &in, prior, nil, dumpKey, err)
		}
	}
	var target model.Allocation
	err = workflow.ExecuteActivity(dctx, "AllocateDbServer", activity.AllocateDbServerParams{
		InstanceID:   instanceID,
		Role:         targetRole,
		ForMigration: true,
	}).Get(ctx, &target)
	if err != nil {
		return rollbackMigration(ctx, &in, prior, nil, dumpKey, err)
	}
	var targetServer model.DbServer
	if err := workflow.ExecuteActivity(dctx, "GetDbServerByID", target.DbServerID).Get(ctx, &targetServer); err != nil {
		return rollbackMigration(ctx, &in, prior, &target, dumpKey, err)
	}
	targetConn := model.DBConnectionInfo{
		Host:     targetServer.Host,
		Port:     targetServer.Port,
		Name:     target.DbName,
		User:     target.DbUser,
		Password: target.DbPassword,
	}

	err = workflow.ExecuteActivity(dctx, "CreateTenantDatabase", activity.CreateTenantDatabaseParams{
		AdminDSN:   targetServer.AdminDSN,
		DbName:     target.DbName,
		DbUser:     target.DbUser,
		DbPassword: target.DbPassword,
	}).Get(ctx, nil)
	if err != nil {
		return rollbackMigration(ctx, &in, prior, &target, dumpKey, err)
	}

	err = workflow.ExecuteActivity(runtimeActivityCtx(ctx), "RestoreTenantDatabase", activity.RestoreTenantDatabaseParams{
		Target:  targetConn,
		DumpKey: dumpKey,
	}).Get(ctx, nil)
	if err != nil {
		return rollbackMigration(ctx, &in, prior, &target, dumpKey, err)
	}

	// Redeploy the container against the target database.
	var deployed activity.DeployInstanceResult
	err = workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeployInstance", activity.DeployInstanceParams{
		InstanceID: instanceID,
		Tier:       in.Tier,
		DBConn:     targetConn,
	}).Get(ctx, &deployed)
	if err != nil {
		return rollbackMigration(ctx, &in, prior, &target, dumpKey, err)
	}
	err = workflow.ExecuteActivity(dctx, "SetInstanceEndpoints", activity.SetInstanceEndpointsParams{
		InstanceID: instanceID,
		Internal:   deployed.InternalEndpoint,
		External:   deployed.ExternalEndpoint,
	}).Get(ctx, nil)
	if err != nil {
		return rollbackMigration(ctx, &in, prior, &target, dumpKey, err)
	}

	err = workflow.ExecuteActivity(dctx, "SwitchAllocation", activity.SwitchAllocationParams{
		InstanceID:   instanceID,
		AllocationID: target.ID,
	}).Get(ctx, nil)
	if err != nil {
		return rollbackMigration(ctx, &in, prior, &target, dumpKey, err)
	}

	// Point of no return: the instance now runs off the target. Source
	// cleanup failures are logged, not rolled back.
	err = workflow.ExecuteActivity(dctx, "DropTenantDatabase", activity.DropTenantDatabaseParams{
		AdminDSN: sourceServer.AdminDSN,
		DbName:   source.DbName,
		DbUser:   source.DbUser,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("failed to drop source tenant database",
			"instance_id", instanceID, "db_server_id", sourceServer.ID, "error", err)
	}
	if err := workflow.ExecuteActivity(dctx, "ReleaseAllocation", source.ID).Get(ctx, nil); err != nil {
		return err
	}
	_ = workflow.ExecuteActivity(dctx, "DeleteDump", dumpKey).Get(ctx, nil)

	err = workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: instanceID,
		To:         prior,
	}).Get(ctx, nil)
	if err != nil {
		return err
	}

	notify(ctx, "instance.migrated", &in, "database moved to "+targetServer.Name)
	return nil
}

// rollbackMigration unwinds a half-done migration: the target allocation and
// its database are discarded, the container is redeployed against the source
// if it was already repointed, and the instance returns to its prior
// business status. Always returns the original error.
func rollbackMigration(ctx workflow.Context, in *model.Instance, prior string, target *model.Allocation, dumpKey string, cause error) error {
	dctx := defaultActivityCtx(ctx)

	workflow.GetLogger(ctx).Error("instance migration failed, rolling back",
		"instance_id", in.ID, "error", cause)

	if target != nil {
		var targetServer model.DbServer
		if err := workflow.ExecuteActivity(dctx, "GetDbServerByID", target.DbServerID).Get(ctx, &targetServer); err == nil {
			_ = workflow.ExecuteActivity(dctx, "DropTenantDatabase", activity.DropTenantDatabaseParams{
				AdminDSN: targetServer.AdminDSN,
				DbName:   target.DbName,
				DbUser:   target.DbUser,
			}).Get(ctx, nil)
		}
		_ = workflow.ExecuteActivity(dctx, "ReleaseAllocation", target.ID).Get(ctx, nil)

		// The container may already point at the target; put it back.
		var source *model.Allocation
		if err := workflow.ExecuteActivity(dctx, "GetActiveAllocation", in.ID).Get(ctx, &source); err == nil && source != nil {
			var sourceServer model.DbServer
			if err := workflow.ExecuteActivity(dctx, "GetDbServerByID", source.DbServerID).Get(ctx, &sourceServer); err == nil {
				_ = workflow.ExecuteActivity(runtimeActivityCtx(ctx), "DeployInstance", activity.DeployInstanceParams{
					InstanceID: in.ID,
					Tier:       in.Tier,
					DBConn: model.DBConnectionInfo{
						Host:     sourceServer.Host,
						Port:     sourceServer.Port,
						Name:     source.DbName,
						User:     source.DbUser,
						Password: source.DbPassword,
					},
				}).Get(ctx, nil)
			}
		}
	}

	if dumpKey != "" {
		_ = workflow.ExecuteActivity(dctx, "DeleteDump", dumpKey).Get(ctx, nil)
	}

	err := workflow.ExecuteActivity(dctx, "TransitionBusinessStatus", activity.TransitionBusinessStatusParams{
		InstanceID: in.ID,
		To:         prior,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Error("failed to restore business status after migration rollback",
			"instance_id", in.ID, "error", err)
	}

	notify(ctx, "instance.migration_failed", in, cause.Error())
	return cause
}
