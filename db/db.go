package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/tern/config"
	"github.com/migadu/tern/consts"
	"github.com/migadu/tern/pkg/metrics"
)

//go:embed schema.sql
var schema string

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

// NewDatabaseFromConfig creates a new database connection with read/write split configuration
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %v", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %v", err)
		}
	} else {
		log.Printf("[DB] No read configuration specified, using write pool for read operations")
		readPool = writePool
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// createPoolFromEndpoint creates a connection pool from an endpoint configuration
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	// For now, randomly select one host. In the future, this could implement load balancing
	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// Handle host:port combination
	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		var portStr string
		if endpoint.Port != nil {
			switch v := endpoint.Port.(type) {
			case string:
				portStr = v
			case int:
				portStr = strconv.Itoa(v)
			case int64: // TOML parsers often use int64 for numbers
				portStr = strconv.FormatInt(v, 10)
			default:
				return nil, fmt.Errorf("invalid type for port: %T", v)
			}
		}
		if portStr == "" {
			portStr = "5432" // Default PostgreSQL port
		}

		if port, err := strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("invalid port value '%s': %v", portStr, err)
		} else {
			selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
		}
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)

	log.Printf("[DB] connecting to %s database: postgres://%s@%s/%s?sslmode=%s (hosts: %v)",
		poolType, endpoint.User, selectedHost, endpoint.Name, sslMode, endpoint.Hosts)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %v", err)
	}

	if logQueries {
		config.ConnConfig.Tracer = &CustomTracer{}
	}

	if endpoint.MaxConns > 0 {
		config.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		config.MinConns = int32(endpoint.MinConns)
	}

	if endpoint.MaxConnLifetime != "" {
		lifetime, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_lifetime: %v", err)
		}
		config.MaxConnLifetime = lifetime
	}

	if endpoint.MaxConnIdleTime != "" {
		idleTime, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_idle_time: %v", err)
		}
		config.MaxConnIdleTime = idleTime
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %v", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %v", err)
	}

	log.Printf("[DB] %s pool created successfully - max_conns: %d, min_conns: %d, max_lifetime: %s, max_idle: %s",
		poolType, dbPool.Config().MaxConns, dbPool.Config().MinConns,
		dbPool.Config().MaxConnLifetime, dbPool.Config().MaxConnIdleTime)

	return dbPool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

// collectPoolStats gathers stats from both read and write pools and updates metrics.
func (d *Database) collectPoolStats() {
	if d.WritePool != nil {
		stats := d.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if d.ReadPool != nil {
		stats := d.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

// GetWritePool returns the connection pool for write operations
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// GetReadPoolWithContext returns the appropriate pool for read operations, considering session pinning
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	// Check if the context signals to use the master DB (session pinning)
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool // Use write pool for read-after-write consistency
	}
	return db.ReadPool
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.WritePool.Exec(ctx, schema)
	return err
}

// BeginTx starts a new transaction on the write pool.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.GetWritePool().Begin(ctx)
}

// CustomTracer logs every statement when [database] log_queries is enabled.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	log.Printf("[DB] query: %s args: %v", data.SQL, data.Args)
	return ctx
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil && data.Err != pgx.ErrNoRows {
		log.Printf("[DB] query failed: %v", data.Err)
	}
}
