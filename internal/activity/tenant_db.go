package activity

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"

	"github.com/edvin/controlplane/internal/model"
)

// TenantDB contains activities that manage tenant databases on the
// provisioned database servers. Dumps taken during instance migration are
// staged in an S3 bucket.
type TenantDB struct {
	dumpBucket string
	s3Endpoint string
	s3Key      string
	s3Secret   string
}

// NewTenantDB creates a new TenantDB activity struct.
func NewTenantDB(dumpBucket, s3Endpoint, s3Key, s3Secret string) *TenantDB {
	return &TenantDB{
		dumpBucket: dumpBucket,
		s3Endpoint: s3Endpoint,
		s3Key:      s3Key,
		s3Secret:   s3Secret,
	}
}

func (a *TenantDB) s3Client() *s3.Client {
	return s3.New(s3.Options{
		BaseEndpoint: aws.String(a.s3Endpoint),
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider(a.s3Key, a.s3Secret, ""),
		UsePathStyle: true,
	})
}

// PingDbServerParams holds the parameters for PingDbServer.
type PingDbServerParams struct {
	AdminDSN string `json:"admin_dsn"`
}

// PingDbServer opens a connection to a database server and runs a trivial
// query. Used by the health probe.
func (a *TenantDB) PingDbServer(ctx context.Context, params PingDbServerParams) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, params.AdminDSN)
	if err != nil {
		return fmt.Errorf("connect to db server: %w", err)
	}
	defer conn.Close(ctx)

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping db server: %w", err)
	}
	return nil
}

// CreateTenantDatabaseParams holds the parameters for CreateTenantDatabase.
type CreateTenantDatabaseParams struct {
	AdminDSN   string `json:"admin_dsn"`
	DbName     string `json:"db_name"`
	DbUser     string `json:"db_user"`
	DbPassword string `json:"db_password"`
}

// CreateTenantDatabase creates the role and database for one tenant
// instance on the allocated server. Safe to retry: an existing role gets its
// password rotated to the requested one and an existing database is left in
// place.
func (a *TenantDB) CreateTenantDatabase(ctx context.Context, params CreateTenantDatabaseParams) error {
	conn, err := pgx.Connect(ctx, params.AdminDSN)
	if err != nil {
		return fmt.Errorf("connect to db server: %w", err)
	}
	defer conn.Close(ctx)

	user := pgx.Identifier{params.DbUser}.Sanitize()
	dbname := pgx.Identifier{params.DbName}.Sanitize()

	var roleExists bool
	err = conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, params.DbUser,
	).Scan(&roleExists)
	if err != nil {
		return fmt.Errorf("check role %s: %w", params.DbUser, err)
	}
	if roleExists {
		_, err = conn.Exec(ctx, fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD '%s'", user, params.DbPassword))
	} else {
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD '%s'", user, params.DbPassword))
	}
	if err != nil {
		return fmt.Errorf("ensure role %s: %w", params.DbUser, err)
	}

	var dbExists bool
	err = conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, params.DbName,
	).Scan(&dbExists)
	if err != nil {
		return fmt.Errorf("check database %s: %w", params.DbName, err)
	}
	if !dbExists {
		// CREATE DATABASE cannot run inside a transaction and does not
		// support IF NOT EXISTS, hence the existence check above.
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s", dbname, user))
		if err != nil {
			return fmt.Errorf("create database %s: %w", params.DbName, err)
		}
	}

	_, err = conn.Exec(ctx, fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s", dbname, user))
	if err != nil {
		return fmt.Errorf("grant privileges on %s: %w", params.DbName, err)
	}
	return nil
}

// DropTenantDatabaseParams holds the parameters for DropTenantDatabase.
type DropTenantDatabaseParams struct {
	AdminDSN string `json:"admin_dsn"`
	DbName   string `json:"db_name"`
	DbUser   string `json:"db_user"`
}

// DropTenantDatabase removes the database and role for a terminated
// instance. Missing objects are ignored so the activity can be retried.
func (a *TenantDB) DropTenantDatabase(ctx context.Context, params DropTenantDatabaseParams) error {
	conn, err := pgx.Connect(ctx, params.AdminDSN)
	if err != nil {
		return fmt.Errorf("connect to db server: %w", err)
	}
	defer conn.Close(ctx)

	dbname := pgx.Identifier{params.DbName}.Sanitize()
	user := pgx.Identifier{params.DbUser}.Sanitize()

	// Kick out lingering sessions first, DROP DATABASE refuses otherwise.
	_, _ = conn.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid != pg_backend_pid()`,
		params.DbName)

	if _, err := conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbname)); err != nil {
		return fmt.Errorf("drop database %s: %w", params.DbName, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("DROP ROLE IF EXISTS %s", user)); err != nil {
		return fmt.Errorf("drop role %s: %w", params.DbUser, err)
	}
	return nil
}

// DumpTenantDatabaseParams holds the parameters for DumpTenantDatabase.
type DumpTenantDatabaseParams struct {
	InstanceID string                 `json:"instance_id"`
	Source     model.DBConnectionInfo `json:"source"`
}

// DumpTenantDatabase takes a pg_dump of the tenant database and stages it in
// the dump bucket. Returns the object key.
func (a *TenantDB) DumpTenantDatabase(ctx context.Context, params DumpTenantDatabaseParams) (string, error) {
	tmp, err := os.CreateTemp("", "dump-*.pgdump")
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	dsn := connDSN(params.Source)
	cmd := exec.CommandContext(ctx, "pg_dump", "--format=custom", "--no-owner", "--file", tmp.Name(), dsn)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("pg_dump: %w: %s", err, string(output))
	}

	f, err := os.Open(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("open dump file: %w", err)
	}
	defer f.Close()

	key := fmt.Sprintf("dumps/%s/%d.pgdump", params.InstanceID, time.Now().Unix())
	_, err = a.s3Client().PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.dumpBucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("upload dump %s: %w", key, err)
	}
	return key, nil
}

// RestoreTenantDatabaseParams holds the parameters for RestoreTenantDatabase.
type RestoreTenantDatabaseParams struct {
	Target  model.DBConnectionInfo `json:"target"`
	DumpKey string                 `json:"dump_key"`
}

// RestoreTenantDatabase downloads a staged dump and restores it into the
// target tenant database.
func (a *TenantDB) RestoreTenantDatabase(ctx context.Context, params RestoreTenantDatabaseParams) error {
	obj, err := a.s3Client().GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.dumpBucket),
		Key:    aws.String(params.DumpKey),
	})
	if err != nil {
		return fmt.Errorf("download dump %s: %w", params.DumpKey, err)
	}
	defer obj.Body.Close()

	tmp, err := os.CreateTemp("", "restore-*.pgdump")
	if err != nil {
		return fmt.Errorf("create restore file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.ReadFrom(obj.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write restore file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close restore file: %w", err)
	}

	dsn := connDSN(params.Target)
	cmd := exec.CommandContext(ctx, "pg_restore", "--no-owner", "--clean", "--if-exists", "--dbname", dsn, tmp.Name())
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pg_restore: %w: %s", err, string(output))
	}
	return nil
}

// DeleteDump removes a staged dump after a finished migration.
func (a *TenantDB) DeleteDump(ctx context.Context, key string) error {
	_, err := a.s3Client().DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.dumpBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete dump %s: %w", key, err)
	}
	return nil
}

func connDSN(c model.DBConnectionInfo) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Name)
}
