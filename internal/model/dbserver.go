package model

import "time"

type DbServer struct {
	ID                  string    `json:"id" db:"id"`
	Name                string    `json:"name" db:"name"`
	Role                string    `json:"role" db:"role"`
	MaxInstances        int       `json:"max_instances" db:"max_instances"`
	CurrentCount        int       `json:"current_count" db:"current_count"`
	Health              string    `json:"health" db:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures" db:"consecutive_failures"`
	Host                string    `json:"host" db:"host"`
	Port                int       `json:"port" db:"port"`
	AdminDSN            string    `json:"-" db:"admin_dsn"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

const (
	DbServerRoleSharedPool = "shared_pool"
	DbServerRoleDedicated  = "dedicated"
)

const (
	DbServerHealthy     = "healthy"
	DbServerDegraded    = "degraded"
	DbServerUnreachable = "unreachable"
)

// SpareCapacity returns the number of unclaimed slots on the server.
func (s *DbServer) SpareCapacity() int {
	return s.MaxInstances - s.CurrentCount
}
