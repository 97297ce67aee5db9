package runtime

import (
	"context"

	"github.com/edvin/controlplane/internal/model"
)

// Resources holds resource constraints for an instance workload.
type Resources struct {
	MemoryMB  int64 `json:"memory_mb"`
	CPUShares int64 `json:"cpu_shares"`
}

// DeployParams holds everything the runtime needs to deploy an instance.
type DeployParams struct {
	InstanceID string                 `json:"instance_id"`
	Image      string                 `json:"image"`
	DBConn     model.DBConnectionInfo `json:"db_conn"`
	Resources  Resources              `json:"resources"`
}

// Endpoints is returned from a successful deploy.
type Endpoints struct {
	Internal string `json:"internal"`
	External string `json:"external"`
}

// DbServerParams holds what the runtime needs to deploy a new database
// server for the shared pool (or a dedicated carve-out).
type DbServerParams struct {
	Name          string `json:"name"`
	Image         string `json:"image"`
	AdminPassword string `json:"admin_password"`
}

// DbServerEndpoint describes where a freshly deployed database server
// listens.
type DbServerEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Runtime is the container runtime capability the control plane depends on.
// The control plane is deliberately indifferent to which backend implements
// it.
type Runtime interface {
	Deploy(ctx context.Context, params DeployParams) (*Endpoints, error)
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Delete(ctx context.Context, instanceID string) error
	// Status returns one of the model.Infra* states.
	Status(ctx context.Context, instanceID string) (string, error)
	DeployDbServer(ctx context.Context, params DbServerParams) (*DbServerEndpoint, error)
	DeleteDbServer(ctx context.Context, name string) error
}
