package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/controlplane/internal/model"
	"github.com/edvin/controlplane/internal/platform"
)

type DbServerService struct {
	db DB
	tc temporalclient.Client
}

func NewDbServerService(db DB, tc temporalclient.Client) *DbServerService {
	return &DbServerService{db: db, tc: tc}
}

const dbServerColumns = `id, name, role, max_instances, current_count,
	health, consecutive_failures, host, port, admin_dsn, created_at, updated_at`

func (s *DbServerService) GetByID(ctx context.Context, id string) (*model.DbServer, error) {
	var srv model.DbServer
	err := s.db.QueryRow(ctx,
		`SELECT `+dbServerColumns+` FROM db_servers WHERE id = $1`, id,
	).Scan(&srv.ID, &srv.Name, &srv.Role, &srv.MaxInstances, &srv.CurrentCount,
		&srv.Health, &srv.ConsecutiveFailures, &srv.Host, &srv.Port, &srv.AdminDSN,
		&srv.CreatedAt, &srv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get db server %s: %w", id, err)
	}
	return &srv, nil
}

// List returns every registered database server with its utilization,
// fullest first so operators see pressure at the top.
func (s *DbServerService) List(ctx context.Context) ([]model.DbServer, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+dbServerColumns+` FROM db_servers
		 ORDER BY (max_instances - current_count), created_at`)
	if err != nil {
		return nil, fmt.Errorf("list db servers: %w", err)
	}
	defer rows.Close()

	var servers []model.DbServer
	for rows.Next() {
		var srv model.DbServer
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.Role, &srv.MaxInstances, &srv.CurrentCount,
			&srv.Health, &srv.ConsecutiveFailures, &srv.Host, &srv.Port, &srv.AdminDSN,
			&srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan db server: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate db servers: %w", err)
	}
	return servers, nil
}

// RegisterParams describes an externally managed database server being
// brought into the pool.
type RegisterParams struct {
	Name         string
	Role         string
	MaxInstances int
	Host         string
	Port         int
	AdminDSN     string
}

// Register adds a pre-existing database server to the allocation pool. Auto
// scaled servers register themselves through the pool workflow instead.
func (s *DbServerService) Register(ctx context.Context, params RegisterParams) (*model.DbServer, error) {
	srv := model.DbServer{
		ID:           platform.NewID(),
		Name:         params.Name,
		Role:         params.Role,
		MaxInstances: params.MaxInstances,
		Health:       model.DbServerHealthy,
		Host:         params.Host,
		Port:         params.Port,
		AdminDSN:     params.AdminDSN,
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO db_servers (id, name, role, max_instances, current_count,
			health, consecutive_failures, host, port, admin_dsn, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, 0, $6, $7, $8, now(), now())
		 RETURNING created_at, updated_at`,
		srv.ID, srv.Name, srv.Role, srv.MaxInstances, srv.Health,
		srv.Host, srv.Port, srv.AdminDSN,
	).Scan(&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert db server: %w", err)
	}
	return &srv, nil
}

// GrowPool provisions one more shared pool server immediately instead of
// waiting for the capacity watchdog.
func (s *DbServerService) GrowPool(ctx context.Context, maxInstances int) error {
	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("provision-pool-%s", platform.NewID()),
		TaskQueue: taskQueue,
	}, "ProvisionPoolWorkflow", maxInstances)
	if err != nil {
		return fmt.Errorf("start ProvisionPoolWorkflow: %w", err)
	}
	return nil
}

// TriggerHealthCheck runs the health sweep outside its cron schedule.
func (s *DbServerService) TriggerHealthCheck(ctx context.Context, failureThreshold int) error {
	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("db-server-health-manual-%s", platform.NewID()),
		TaskQueue: taskQueue,
	}, "DbServerHealthWorkflow", failureThreshold)
	if err != nil {
		return fmt.Errorf("start DbServerHealthWorkflow: %w", err)
	}
	return nil
}
