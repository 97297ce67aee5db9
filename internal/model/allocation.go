package model

import "time"

// Allocation binds one instance to one database server. Immutable once
// created except for release. The tenant database credentials live here so a
// resumed pipeline run can recover them without re-creating the database.
type Allocation struct {
	ID         string     `json:"id" db:"id"`
	InstanceID string     `json:"instance_id" db:"instance_id"`
	DbServerID string     `json:"db_server_id" db:"db_server_id"`
	DbName     string     `json:"db_name" db:"db_name"`
	DbUser     string     `json:"db_user" db:"db_user"`
	DbPassword string     `json:"-" db:"db_password"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty" db:"released_at"`
}

// DBConnectionInfo is the connection descriptor handed to the container
// runtime when deploying an instance.
type DBConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
}
