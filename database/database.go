package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gocql/gocql"

	"proximeet/config"
)

// InitCassandra connects to the cluster, creates the keyspace and tables
// when missing, and returns a session bound to the keyspace.
func InitCassandra(cfg config.CassandraConfig) (*gocql.Session, error) {
	log.Printf("🔌 Connecting to Cassandra at %s:%d...", cfg.Host, cfg.Port)

	bootstrap, err := newCluster(cfg, "").CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	err = bootstrap.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		cfg.Keyspace,
	)).Exec()
	bootstrap.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create keyspace %s: %w", cfg.Keyspace, err)
	}

	session, err := newCluster(cfg, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to keyspace %s: %w", cfg.Keyspace, err)
	}
	if err := HealthCheck(context.Background(), session); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to test Cassandra connection: %w", err)
	}
	if err := EnsureSchema(context.Background(), session); err != nil {
		session.Close()
		return nil, err
	}

	log.Printf("✅ Cassandra session initialized successfully")
	log.Printf("📊 Connected to keyspace: %s", cfg.Keyspace)
	return session, nil
}

func newCluster(cfg config.CassandraConfig, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Host)
	cluster.Port = cfg.Port
	cluster.Keyspace = keyspace
	cluster.Authenticator = gocql.PasswordAuthenticator{
		Username: cfg.Username,
		Password: cfg.Password,
	}

	// Lightweight transactions need serial consistency on top of quorum.
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.Serial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	cluster.NumConns = 10
	cluster.MaxWaitSchemaAgreement = 2 * time.Minute
	return cluster
}

// schema lists the tables the Cassandra store needs. Lookup tables stand
// in for secondary indexes; pending_requests and match_by_request carry the
// uniqueness rules through IF NOT EXISTS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS connect_requests (
		id text PRIMARY KEY,
		from_user text,
		to_user text,
		status text,
		created_at timestamp,
		responded_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS pending_requests (
		from_user text,
		to_user text,
		request_id text,
		PRIMARY KEY ((from_user, to_user))
	)`,
	`CREATE TABLE IF NOT EXISTS pending_by_user (
		user_id text,
		request_id text,
		PRIMARY KEY (user_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS matches (
		id text PRIMARY KEY,
		user_low text,
		user_high text,
		request_id text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS match_by_request (
		request_id text PRIMARY KEY,
		match_id text
	)`,
	`CREATE TABLE IF NOT EXISTS matches_by_user (
		user_id text,
		match_id text,
		PRIMARY KEY (user_id, match_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		match_id text,
		id bigint,
		sender_user text,
		body text,
		created_at timestamp,
		PRIMARY KEY (match_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
}

// EnsureSchema creates the store tables when they do not exist.
func EnsureSchema(ctx context.Context, session *gocql.Session) error {
	for _, stmt := range schema {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// HealthCheck performs a health check on the database
func HealthCheck(ctx context.Context, session *gocql.Session) error {
	if session == nil {
		return fmt.Errorf("Cassandra session is not initialized")
	}
	return session.Query("SELECT release_version FROM system.local").WithContext(ctx).Exec()
}
