package activity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/controlplane/internal/metrics"
	"github.com/edvin/controlplane/internal/model"
	"github.com/edvin/controlplane/internal/platform"
)

const dbServerColumns = `id, name, role, max_instances, current_count, health,
	consecutive_failures, host, port, admin_dsn, created_at, updated_at`

func scanDbServer(row pgx.Row) (*model.DbServer, error) {
	var s model.DbServer
	err := row.Scan(&s.ID, &s.Name, &s.Role, &s.MaxInstances, &s.CurrentCount, &s.Health,
		&s.ConsecutiveFailures, &s.Host, &s.Port, &s.AdminDSN, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetDbServerByID retrieves a database server by its ID.
func (a *CoreDB) GetDbServerByID(ctx context.Context, id string) (*model.DbServer, error) {
	s, err := scanDbServer(a.db.QueryRow(ctx,
		`SELECT `+dbServerColumns+` FROM db_servers WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get db server by id: %w", err)
	}
	return s, nil
}

// ListDbServers retrieves every registered database server.
func (a *CoreDB) ListDbServers(ctx context.Context) ([]model.DbServer, error) {
	rows, err := a.db.Query(ctx,
		`SELECT `+dbServerColumns+` FROM db_servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list db servers: %w", err)
	}
	defer rows.Close()

	var servers []model.DbServer
	for rows.Next() {
		var s model.DbServer
		if err := rows.Scan(&s.ID, &s.Name, &s.Role, &s.MaxInstances, &s.CurrentCount, &s.Health,
			&s.ConsecutiveFailures, &s.Host, &s.Port, &s.AdminDSN, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan db server row: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// ListDbServersByRole retrieves all database servers with the given role.
func (a *CoreDB) ListDbServersByRole(ctx context.Context, role string) ([]model.DbServer, error) {
	rows, err := a.db.Query(ctx,
		`SELECT `+dbServerColumns+` FROM db_servers WHERE role = $1 ORDER BY name`, role)
	if err != nil {
		return nil, fmt.Errorf("list db servers by role: %w", err)
	}
	defer rows.Close()

	var servers []model.DbServer
	for rows.Next() {
		var s model.DbServer
		if err := rows.Scan(&s.ID, &s.Name, &s.Role, &s.MaxInstances, &s.CurrentCount, &s.Health,
			&s.ConsecutiveFailures, &s.Host, &s.Port, &s.AdminDSN, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan db server row: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// RegisterDbServer inserts a new database server record.
func (a *CoreDB) RegisterDbServer(ctx context.Context, s *model.DbServer) error {
	_, err := a.db.Exec(ctx,
		`INSERT INTO db_servers (id, name, role, max_instances, current_count, health, consecutive_failures, host, port, admin_dsn)
		 VALUES ($1, $2, $3, $4, 0, $5, 0, $6, $7, $8)`,
		s.ID, s.Name, s.Role, s.MaxInstances, model.DbServerHealthy, s.Host, s.Port, s.AdminDSN)
	if err != nil {
		return fmt.Errorf("register db server: %w", err)
	}
	return nil
}

// DeleteDbServerRecord removes a database server row. Only used for
// dedicated servers whose single instance was terminated; shared pools are
// retired by an operator.
func (a *CoreDB) DeleteDbServerRecord(ctx context.Context, id string) error {
	_, err := a.db.Exec(ctx, `DELETE FROM db_servers WHERE id = $1 AND current_count = 0`, id)
	if err != nil {
		return fmt.Errorf("delete db server record: %w", err)
	}
	return nil
}

// AllocateDbServerParams holds the parameters for AllocateDbServer.
type AllocateDbServerParams struct {
	InstanceID string `json:"instance_id"`
	Role       string `json:"role"`
	// ForMigration claims a slot without rebinding the instance. The
	// migration workflow switches the binding itself once the target is
	// ready.
	ForMigration bool `json:"for_migration,omitempty"`
}

// AllocateDbServer claims one slot on an eligible database server and
// records the allocation with freshly minted tenant database credentials.
//
// Slots are claimed with a compare-and-increment UPDATE that re-checks
// health and spare capacity, so current_count can never exceed
// max_instances even under concurrent pipelines. Candidates are tried
// least-loaded first to spread instances across the pool. Returns an
// existing unreleased allocation as-is, which makes retried and resumed
// runs idempotent: the pipeline path hands back the instance's bound
// allocation, the migration path hands back an unreleased allocation the
// instance has not switched to yet.
func (a *CoreDB) AllocateDbServer(ctx context.Context, params AllocateDbServerParams) (*model.Allocation, error) {
	if params.ForMigration {
		if existing, err := a.getPendingMigrationAllocation(ctx, params.InstanceID); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	} else {
		if existing, err := a.GetActiveAllocation(ctx, params.InstanceID); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	rows, err := a.db.Query(ctx,
		`SELECT id, host, port FROM db_servers
		 WHERE role = $1 AND health = $2 AND current_count < max_instances
		 ORDER BY current_count, created_at`,
		params.Role, model.DbServerHealthy)
	if err != nil {
		return nil, fmt.Errorf("list allocation candidates: %w", err)
	}
	type candidate struct {
		id   string
		host string
		port int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.host, &c.port); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan allocation candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list allocation candidates: %w", err)
	}

	for _, c := range candidates {
		tag, err := a.db.Exec(ctx,
			`UPDATE db_servers SET current_count = current_count + 1, updated_at = now()
			 WHERE id = $1 AND health = $2 AND current_count < max_instances`,
			c.id, model.DbServerHealthy)
		if err != nil {
			return nil, fmt.Errorf("claim db server slot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Lost the race on this server, try the next one.
			continue
		}

		alloc := &model.Allocation{
			ID:         platform.NewID(),
			InstanceID: params.InstanceID,
			DbServerID: c.id,
			DbName:     platform.NewName("db_"),
			DbUser:     platform.NewName("u_"),
			DbPassword: platform.NewSecret(),
		}
		err = a.db.QueryRow(ctx,
			`INSERT INTO allocations (id, instance_id, db_server_id, db_name, db_user, db_password)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING created_at`,
			alloc.ID, alloc.InstanceID, alloc.DbServerID, alloc.DbName, alloc.DbUser, alloc.DbPassword,
		).Scan(&alloc.CreatedAt)
		if err != nil {
			// Give the slot back before surfacing the error.
			_, _ = a.db.Exec(ctx,
				`UPDATE db_servers SET current_count = current_count - 1, updated_at = now() WHERE id = $1`, c.id)
			metrics.AllocationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("insert allocation: %w", err)
		}

		if !params.ForMigration {
			_, err = a.db.Exec(ctx,
				`UPDATE instances SET allocation_id = $1, updated_at = now() WHERE id = $2`,
				alloc.ID, params.InstanceID)
			if err != nil {
				return nil, fmt.Errorf("link allocation to instance: %w", err)
			}
		}
		metrics.AllocationsTotal.WithLabelValues("allocated").Inc()
		return alloc, nil
	}

	metrics.AllocationsTotal.WithLabelValues("exhausted").Inc()
	return nil, temporal.NewApplicationError(
		fmt.Sprintf("no %s server with spare capacity", params.Role),
		model.ErrTypeCapacityExhausted, model.ErrCapacityExhausted)
}

// GetActiveAllocation returns the allocation the instance is currently
// bound to, or nil when there is none.
func (a *CoreDB) GetActiveAllocation(ctx context.Context, instanceID string) (*model.Allocation, error) {
	var alloc model.Allocation
	err := a.db.QueryRow(ctx,
		`SELECT a.id, a.instance_id, a.db_server_id, a.db_name, a.db_user, a.db_password, a.created_at, a.released_at
		 FROM allocations a JOIN instances i ON i.allocation_id = a.id
		 WHERE i.id = $1 AND a.released_at IS NULL`, instanceID,
	).Scan(&alloc.ID, &alloc.InstanceID, &alloc.DbServerID, &alloc.DbName, &alloc.DbUser,
		&alloc.DbPassword, &alloc.CreatedAt, &alloc.ReleasedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active allocation: %w", err)
	}
	return &alloc, nil
}

// getPendingMigrationAllocation returns an unreleased allocation claimed
// for the instance that the instance is not bound to, i.e. a migration
// target whose switch has not happened yet. A retried migration claim
// finds its predecessor's slot here instead of claiming a second one.
func (a *CoreDB) getPendingMigrationAllocation(ctx context.Context, instanceID string) (*model.Allocation, error) {
	var alloc model.Allocation
	err := a.db.QueryRow(ctx,
		`SELECT a.id, a.instance_id, a.db_server_id, a.db_name, a.db_user, a.db_password, a.created_at, a.released_at
		 FROM allocations a JOIN instances i ON i.id = a.instance_id
		 WHERE a.instance_id = $1 AND a.released_at IS NULL
		   AND a.id IS DISTINCT FROM i.allocation_id`, instanceID,
	).Scan(&alloc.ID, &alloc.InstanceID, &alloc.DbServerID, &alloc.DbName, &alloc.DbUser,
		&alloc.DbPassword, &alloc.CreatedAt, &alloc.ReleasedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending migration allocation: %w", err)
	}
	return &alloc, nil
}

// ReleaseAllocation releases one allocation and gives the slot back to its
// server in a single statement. Releasing an already-released allocation is
// a no-op, so termination and compensation can retry freely.
func (a *CoreDB) ReleaseAllocation(ctx context.Context, allocationID string) error {
	_, err := a.db.Exec(ctx,
		`WITH released AS (
		     UPDATE allocations SET released_at = now()
		     WHERE id = $1 AND released_at IS NULL
		     RETURNING db_server_id
		 )
		 UPDATE db_servers s
		 SET current_count = current_count - 1, updated_at = now()
		 FROM released r WHERE s.id = r.db_server_id`, allocationID)
	if err != nil {
		return fmt.Errorf("release allocation: %w", err)
	}
	_, err = a.db.Exec(ctx,
		`UPDATE instances SET allocation_id = NULL, updated_at = now() WHERE allocation_id = $1`, allocationID)
	if err != nil {
		return fmt.Errorf("unlink allocation from instance: %w", err)
	}
	metrics.AllocationsTotal.WithLabelValues("released").Inc()
	return nil
}

// SwitchAllocationParams holds the parameters for SwitchAllocation.
type SwitchAllocationParams struct {
	InstanceID   string `json:"instance_id"`
	AllocationID string `json:"allocation_id"`
}

// SwitchAllocation rebinds an instance to a different allocation. Used by
// the migration workflow once the target database is restored.
func (a *CoreDB) SwitchAllocation(ctx context.Context, params SwitchAllocationParams) error {
	_, err := a.db.Exec(ctx,
		`UPDATE instances SET allocation_id = $1, updated_at = now() WHERE id = $2`,
		params.AllocationID, params.InstanceID)
	if err != nil {
		return fmt.Errorf("switch allocation: %w", err)
	}
	return nil
}

// ReportDbServerHealthParams holds the parameters for ReportDbServerHealth.
type ReportDbServerHealthParams struct {
	DbServerID       string `json:"db_server_id"`
	Healthy          bool   `json:"healthy"`
	FailureThreshold int    `json:"failure_threshold"`
}

// ReportDbServerHealth records the outcome of one health probe. A healthy
// probe resets the failure streak; a failed probe degrades the server and
// marks it unreachable once the streak reaches the threshold. Unhealthy
// servers stop receiving allocations but keep their existing ones.
func (a *CoreDB) ReportDbServerHealth(ctx context.Context, params ReportDbServerHealthParams) error {
	if params.Healthy {
		_, err := a.db.Exec(ctx,
			`UPDATE db_servers SET health = $1, consecutive_failures = 0, updated_at = now()
			 WHERE id = $2`,
			model.DbServerHealthy, params.DbServerID)
		if err != nil {
			return fmt.Errorf("report db server healthy: %w", err)
		}
		return nil
	}
	_, err := a.db.Exec(ctx,
		`UPDATE db_servers
		 SET consecutive_failures = consecutive_failures + 1,
		     health = CASE WHEN consecutive_failures + 1 >= $1 THEN $2 ELSE $3 END,
		     updated_at = now()
		 WHERE id = $4`,
		params.FailureThreshold, model.DbServerUnreachable, model.DbServerDegraded, params.DbServerID)
	if err != nil {
		return fmt.Errorf("report db server unhealthy: %w", err)
	}
	return nil
}

// PoolSpareCapacity returns the number of unclaimed slots across healthy
// shared pool servers and exports it as a gauge.
func (a *CoreDB) PoolSpareCapacity(ctx context.Context) (int, error) {
	var spare int
	err := a.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(max_instances - current_count), 0) FROM db_servers
		 WHERE role = $1 AND health = $2`,
		model.DbServerRoleSharedPool, model.DbServerHealthy,
	).Scan(&spare)
	if err != nil {
		return 0, fmt.Errorf("pool spare capacity: %w", err)
	}
	metrics.PoolSpareCapacity.Set(float64(spare))
	return spare, nil
}
