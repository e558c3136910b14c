package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const createMetricsTable = `
CREATE TABLE IF NOT EXISTS device_metrics (
	id BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL,
	name TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	cpu DOUBLE PRECISION,
	ram DOUBLE PRECISION,
	temp DOUBLE PRECISION,
	latency DOUBLE PRECISION,
	online BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_metrics_device_ts ON device_metrics (device_id, timestamp DESC);
`

// PostgresRecorder stores history rows in one Postgres table.
// Params: shared sql.DB handle.
// Returns: durable recorder implementation.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder opens the database and ensures the metrics table.
// Params: postgres DSN.
// Returns: initialized recorder or connection/migration error.
func NewPostgresRecorder(dsn string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createMetricsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure metrics table: %w", err)
	}
	return &PostgresRecorder{db: db}, nil
}

// RecordDevice inserts one backbone metric row.
// Params: context and metric row.
// Returns: insert error.
func (r *PostgresRecorder) RecordDevice(ctx context.Context, row Row) error {
	const query = `
		INSERT INTO device_metrics (device_id, name, timestamp, cpu, ram, temp, latency, online)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := r.db.ExecContext(ctx, query,
		row.DeviceID, row.Name, row.Timestamp, row.CPU, row.RAM, row.Temp, row.LatencyMS, row.Online,
	); err != nil {
		return fmt.Errorf("insert metric row: %w", err)
	}
	return nil
}

// RecordProbe inserts one probe latency row.
// Params: context, device identity, nullable latency, and probe time.
// Returns: insert error.
func (r *PostgresRecorder) RecordProbe(ctx context.Context, deviceID, name string, latencyMS *float64, at time.Time) error {
	const query = `
		INSERT INTO device_metrics (device_id, name, timestamp, latency, online)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query, deviceID, name, at, latencyMS, latencyMS != nil); err != nil {
		return fmt.Errorf("insert probe row: %w", err)
	}
	return nil
}

// Prune deletes rows older than the retention cutoff.
// Params: context and cutoff timestamp.
// Returns: delete error.
func (r *PostgresRecorder) Prune(ctx context.Context, olderThan time.Time) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM device_metrics WHERE timestamp < $1`, olderThan); err != nil {
		return fmt.Errorf("prune metric rows: %w", err)
	}
	return nil
}

// History returns most recent rows for one device in ascending time order.
// Params: context, device id, and row limit.
// Returns: matching rows or query error.
func (r *PostgresRecorder) History(ctx context.Context, deviceID string, limit int) ([]Row, error) {
	const query = `
		SELECT device_id, name, timestamp, cpu, ram, temp, latency, online
		FROM device_metrics
		WHERE device_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	result, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query metric rows: %w", err)
	}
	defer result.Close()

	rows := make([]Row, 0, limit)
	for result.Next() {
		var row Row
		if err := result.Scan(&row.DeviceID, &row.Name, &row.Timestamp, &row.CPU, &row.RAM, &row.Temp, &row.LatencyMS, &row.Online); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric rows: %w", err)
	}

	// Reverse into ascending order for chart consumers.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Close closes the database handle.
// Params: none.
// Returns: close error.
func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}
