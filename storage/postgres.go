package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/scusemua/gpu-dispatch/common/monitoring"
)

const (
	createMetricsTable = `
		CREATE TABLE IF NOT EXISTS gpu_metrics (
			id            BIGSERIAL PRIMARY KEY,
			device_id     TEXT NOT NULL,
			metric_type   TEXT NOT NULL,
			value         DOUBLE PRECISION NOT NULL,
			unit          TEXT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL,
			metadata_json TEXT
		)`

	createAlertsTable = `
		CREATE TABLE IF NOT EXISTS gpu_alerts (
			id            BIGSERIAL PRIMARY KEY,
			alert_id      TEXT UNIQUE NOT NULL,
			rule_name     TEXT NOT NULL,
			metric_type   TEXT NOT NULL,
			current_value DOUBLE PRECISION NOT NULL,
			threshold     DOUBLE PRECISION NOT NULL,
			alert_level   TEXT NOT NULL,
			message       TEXT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL,
			acknowledged  BOOLEAN NOT NULL DEFAULT FALSE,
			resolved      BOOLEAN NOT NULL DEFAULT FALSE
		)`

	insertMetricQuery = `
		INSERT INTO gpu_metrics (device_id, metric_type, value, unit, timestamp, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6)`

	selectMetricsQuery = `
		SELECT device_id, metric_type, value, unit, timestamp, metadata_json
		FROM gpu_metrics
		WHERE device_id = $1 AND metric_type = $2 AND timestamp >= $3
		ORDER BY timestamp ASC`

	pruneMetricsQuery = `DELETE FROM gpu_metrics WHERE timestamp < $1`

	insertAlertQuery = `
		INSERT INTO gpu_alerts (alert_id, rule_name, metric_type, current_value, threshold,
		                        alert_level, message, timestamp, acknowledged, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	updateAlertFlagsQuery = `
		UPDATE gpu_alerts SET acknowledged = $2, resolved = $3 WHERE alert_id = $1`

	queryTimeout = 5 * time.Second
)

// PostgresProvider implements monitoring.Provider against a PostgreSQL
// database through database/sql and the pgx stdlib driver.
type PostgresProvider struct {
	*baseProvider

	dsn string
	db  *sql.DB
}

// NewPostgresProvider creates a provider for the given DSN.
// The caller must invoke Connect before use.
func NewPostgresProvider(dsn string) *PostgresProvider {
	return &PostgresProvider{
		baseProvider: newBaseProvider(),
		dsn:          dsn,
	}
}

// Connect opens the database, verifies connectivity, and creates the
// gpu_metrics and gpu_alerts tables if they do not exist.
func (p *PostgresProvider) Connect() error {
	p.status = Connecting

	db, err := sql.Open("pgx", p.dsn)
	if err != nil {
		p.status = Disconnected
		p.logger.Error("Failed to open PostgreSQL database.", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		p.status = Disconnected
		p.logger.Error("Failed to ping PostgreSQL database.", zap.Error(err))
		_ = db.Close()
		return err
	}

	for _, ddl := range []string{createMetricsTable, createAlertsTable} {
		if _, err = db.ExecContext(ctx, ddl); err != nil {
			p.status = Disconnected
			p.logger.Error("Failed to create table.", zap.Error(err))
			_ = db.Close()
			return err
		}
	}

	p.db = db
	p.status = Connected

	p.logger.Info("Connected to PostgreSQL.")

	return nil
}

func (p *PostgresProvider) InsertMetric(metric monitoring.Metric) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var metadataJson sql.NullString
	if len(metric.Metadata) > 0 {
		encoded, err := json.Marshal(metric.Metadata)
		if err != nil {
			return err
		}
		metadataJson = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, insertMetricQuery,
		metric.DeviceId, metric.Type.String(), metric.Value, metric.Unit, metric.Timestamp, metadataJson)
	if err != nil {
		p.logger.Error("Failed to insert metric.",
			zap.String("device_id", metric.DeviceId),
			zap.String("metric_type", metric.Type.String()),
			zap.Error(err))
	}

	return err
}

func (p *PostgresProvider) Metrics(deviceId string, metricType monitoring.MetricType, since time.Time) ([]monitoring.Metric, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, selectMetricsQuery, deviceId, metricType.String(), since)
	if err != nil {
		p.logger.Error("Failed to query metrics.",
			zap.String("device_id", deviceId),
			zap.String("metric_type", metricType.String()),
			zap.Error(err))
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var metrics []monitoring.Metric
	for rows.Next() {
		var (
			metric       monitoring.Metric
			rawType      string
			metadataJson sql.NullString
		)

		if err = rows.Scan(&metric.DeviceId, &rawType, &metric.Value, &metric.Unit,
			&metric.Timestamp, &metadataJson); err != nil {
			return nil, err
		}

		metric.Type = monitoring.MetricType(rawType)
		if metadataJson.Valid {
			if err = json.Unmarshal([]byte(metadataJson.String), &metric.Metadata); err != nil {
				return nil, err
			}
		}

		metrics = append(metrics, metric)
	}

	return metrics, rows.Err()
}

func (p *PostgresProvider) PruneMetrics(olderThan time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	result, err := p.db.ExecContext(ctx, pruneMetricsQuery, olderThan)
	if err != nil {
		p.logger.Error("Failed to prune metrics.", zap.Time("older_than", olderThan), zap.Error(err))
		return err
	}

	if deleted, rowsErr := result.RowsAffected(); rowsErr == nil && deleted > 0 {
		p.logger.Debug("Pruned old metrics.", zap.Int64("num_deleted", deleted))
	}

	return nil
}

func (p *PostgresProvider) InsertAlert(alert *monitoring.Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, insertAlertQuery,
		alert.Id, alert.RuleName, alert.MetricType.String(), alert.CurrentValue, alert.Threshold,
		alert.Severity.String(), alert.Message, alert.CreatedAt, alert.Acknowledged, alert.Resolved)
	if err != nil {
		p.logger.Error("Failed to insert alert.",
			zap.String("alert_id", alert.Id),
			zap.String("rule_name", alert.RuleName),
			zap.Error(err))
	}

	return err
}

func (p *PostgresProvider) UpdateAlertFlags(alertId string, acknowledged bool, resolved bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, updateAlertFlagsQuery, alertId, acknowledged, resolved)
	if err != nil {
		p.logger.Error("Failed to update alert flags.", zap.String("alert_id", alertId), zap.Error(err))
	}

	return err
}

func (p *PostgresProvider) Close() error {
	p.status = Disconnected

	if p.db == nil {
		return nil
	}

	return p.db.Close()
}
