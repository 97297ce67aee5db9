package activity

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/controlplane/internal/config"
	"github.com/edvin/controlplane/internal/model"
	"github.com/edvin/controlplane/internal/platform"
	"github.com/edvin/controlplane/internal/runtime"
)

const readinessPollEvery = 5 * time.Second

// Runtime contains activities that talk to the container runtime.
type Runtime struct {
	rt               runtime.Runtime
	tiers            map[string]config.TierSpec
	image            string
	dbImage          string
	readinessTimeout time.Duration
}

// NewRuntime creates a new Runtime activity struct. readinessTimeout bounds
// how long AwaitInstanceReady polls before giving up.
func NewRuntime(rt runtime.Runtime, tiers map[string]config.TierSpec, image, dbImage string, readinessTimeout time.Duration) *Runtime {
	if readinessTimeout <= 0 {
		readinessTimeout = 5 * time.Minute
	}
	return &Runtime{rt: rt, tiers: tiers, image: image, dbImage: dbImage, readinessTimeout: readinessTimeout}
}

// TierRole returns the database server role serving the tier: dedicated
// when the catalog marks the tier dedicated, otherwise the shared pool.
func (a *Runtime) TierRole(ctx context.Context, tier string) (string, error) {
	t, ok := a.tiers[tier]
	if !ok {
		return "", temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("unknown tier %s", tier), model.ErrTypeInfraDeploy, nil)
	}
	if t.Dedicated {
		return model.DbServerRoleDedicated, nil
	}
	return model.DbServerRoleSharedPool, nil
}

// DeployInstanceParams holds parameters for DeployInstance.
type DeployInstanceParams struct {
	InstanceID string                 `json:"instance_id"`
	Tier       string                 `json:"tier"`
	DBConn     model.DBConnectionInfo `json:"db_conn"`
}

// DeployInstanceResult holds the result of DeployInstance.
type DeployInstanceResult struct {
	InternalEndpoint string `json:"internal_endpoint"`
	ExternalEndpoint string `json:"external_endpoint"`
}

// DeployInstance deploys the container for an instance with resources from
// its tier. Replaces any container from an earlier attempt, so retries
// converge on one running container.
func (a *Runtime) DeployInstance(ctx context.Context, params DeployInstanceParams) (*DeployInstanceResult, error) {
	tier, ok := a.tiers[params.Tier]
	if !ok {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("unknown tier %s", params.Tier), model.ErrTypeInfraDeploy, nil)
	}

	endpoints, err := a.rt.Deploy(ctx, runtime.DeployParams{
		InstanceID: params.InstanceID,
		Image:      a.image,
		DBConn:     params.DBConn,
		Resources: runtime.Resources{
			MemoryMB:  tier.MemoryMB,
			CPUShares: tier.CPUShares,
		},
	})
	if err != nil {
		return nil, temporal.NewApplicationError(
			fmt.Sprintf("deploy instance %s", params.InstanceID), model.ErrTypeInfraDeploy, err)
	}
	return &DeployInstanceResult{
		InternalEndpoint: endpoints.Internal,
		ExternalEndpoint: endpoints.External,
	}, nil
}

// StartInstance starts the container of a stopped instance.
func (a *Runtime) StartInstance(ctx context.Context, instanceID string) error {
	if err := a.rt.Start(ctx, instanceID); err != nil {
		return fmt.Errorf("start instance %s: %w", instanceID, err)
	}
	return nil
}

// StopInstance stops the container of a running instance.
func (a *Runtime) StopInstance(ctx context.Context, instanceID string) error {
	if err := a.rt.Stop(ctx, instanceID); err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	return nil
}

// DeleteInstance removes the container of an instance. Missing containers
// are not an error.
func (a *Runtime) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := a.rt.Delete(ctx, instanceID); err != nil {
		return fmt.Errorf("delete instance %s: %w", instanceID, err)
	}
	return nil
}

// GetInstanceStatus returns the observed infrastructure state of an
// instance container.
func (a *Runtime) GetInstanceStatus(ctx context.Context, instanceID string) (string, error) {
	status, err := a.rt.Status(ctx, instanceID)
	if err != nil {
		return model.InfraUnknown, fmt.Errorf("get instance status %s: %w", instanceID, err)
	}
	return status, nil
}

// AwaitInstanceReadyParams holds parameters for AwaitInstanceReady.
type AwaitInstanceReadyParams struct {
	InstanceID string `json:"instance_id"`
}

// AwaitInstanceReady polls the runtime until the instance container reports
// running. Heartbeats on every poll so a stuck probe gets rescheduled.
// Fails with a readiness timeout once the configured deadline passes.
func (a *Runtime) AwaitInstanceReady(ctx context.Context, params AwaitInstanceReadyParams) error {
	deadline := time.Now().Add(a.readinessTimeout)
	ticker := time.NewTicker(readinessPollEvery)
	defer ticker.Stop()

	for {
		status, err := a.rt.Status(ctx, params.InstanceID)
		if err == nil && status == model.InfraRunning {
			return nil
		}
		if err == nil && (status == model.InfraExited || status == model.InfraDead) {
			return temporal.NewApplicationError(
				fmt.Sprintf("instance %s container %s while awaiting readiness", params.InstanceID, status),
				model.ErrTypeInfraDeploy, nil)
		}
		if time.Now().After(deadline) {
			return temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("instance %s not ready after %s", params.InstanceID, a.readinessTimeout),
				model.ErrTypeReadinessTimeout, nil)
		}
		activity.RecordHeartbeat(ctx, status)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeployDbServerParams holds parameters for DeployDbServer.
type DeployDbServerParams struct {
	Name string `json:"name"`
}

// DeployDbServerResult holds the result of DeployDbServer.
type DeployDbServerResult struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	AdminPassword string `json:"admin_password"`
}

// DeployDbServer launches a new database server container for the pool with
// a generated admin password.
func (a *Runtime) DeployDbServer(ctx context.Context, params DeployDbServerParams) (*DeployDbServerResult, error) {
	password := platform.NewSecret()
	endpoint, err := a.rt.DeployDbServer(ctx, runtime.DbServerParams{
		Name:          params.Name,
		Image:         a.dbImage,
		AdminPassword: password,
	})
	if err != nil {
		return nil, temporal.NewApplicationError(
			fmt.Sprintf("deploy db server %s", params.Name), model.ErrTypeInfraDeploy, err)
	}
	return &DeployDbServerResult{
		Host:          endpoint.Host,
		Port:          endpoint.Port,
		AdminPassword: password,
	}, nil
}

// DeleteDbServer removes a database server container.
func (a *Runtime) DeleteDbServer(ctx context.Context, name string) error {
	if err := a.rt.DeleteDbServer(ctx, name); err != nil {
		return fmt.Errorf("delete db server %s: %w", name, err)
	}
	return nil
}
