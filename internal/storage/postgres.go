package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"minefleet/internal/data"
)

//go:embed schema.sql
var schemaSQL string

type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore is the production Store.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{Pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *PostgresStore) SaveReading(ctx context.Context, r data.Reading) error {
	payload, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO readings (site_id, device_id, ts, data) VALUES ($1,$2,$3,$4)`,
		r.SiteID, r.DeviceID, r.Timestamp, payload)
	return err
}

func (s *PostgresStore) Readings(ctx context.Context, siteID string, deviceID int, from, to time.Time) ([]data.Reading, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT site_id, device_id, ts, data FROM readings
		WHERE site_id=$1 AND device_id=$2 AND ts BETWEEN $3 AND $4
		ORDER BY ts`, siteID, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

func (s *PostgresStore) SiteReadings(ctx context.Context, siteID string, from, to time.Time) ([]data.Reading, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT site_id, device_id, ts, data FROM readings
		WHERE site_id=$1 AND ts BETWEEN $2 AND $3
		ORDER BY ts`, siteID, from, to)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

func collectReadings(rows pgx.Rows) ([]data.Reading, error) {
	defer rows.Close()
	results := []data.Reading{}
	for rows.Next() {
		rec, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func scanReading(row scanner) (data.Reading, error) {
	var rec data.Reading
	var payload []byte
	if err := row.Scan(&rec.SiteID, &rec.DeviceID, &rec.Timestamp, &payload); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(payload, &rec.Data); err != nil {
		return rec, fmt.Errorf("decode reading data: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) SaveDeviceError(ctx context.Context, e data.DeviceError) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO device_errors (site_id, device_id, error_type, message, ts)
		VALUES ($1,$2,$3,$4,$5)`, e.SiteID, e.DeviceID, e.ErrorType, e.Message, e.Timestamp)
	return err
}

func (s *PostgresStore) SaveAlert(ctx context.Context, a data.Alert) error {
	var deviceID *int
	if a.DeviceID != 0 {
		deviceID = &a.DeviceID
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO alerts (id, site_id, device_id, type, severity, value, message, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.SiteID, deviceID, a.Type, string(a.Severity), a.Value, a.Message, a.Timestamp)
	return err
}

func (s *PostgresStore) Alerts(ctx context.Context, siteID string, limit int) ([]data.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, site_id, device_id, type, severity, value, message, ts
		FROM alerts WHERE site_id=$1 ORDER BY ts DESC LIMIT $2`, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []data.Alert{}
	for rows.Next() {
		var a data.Alert
		var deviceID *int
		var severity string
		if err := rows.Scan(&a.ID, &a.SiteID, &deviceID, &a.Type, &severity, &a.Value, &a.Message, &a.Timestamp); err != nil {
			return nil, err
		}
		if deviceID != nil {
			a.DeviceID = *deviceID
		}
		a.Severity = data.Severity(severity)
		results = append(results, a)
	}
	return results, rows.Err()
}

func (s *PostgresStore) SaveCommandLog(ctx context.Context, l data.CommandLog) error {
	var params []byte
	if l.Parameters != nil {
		var err error
		if params, err = json.Marshal(l.Parameters); err != nil {
			return err
		}
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO command_logs (id, site_id, device_id, type, parameters, status, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.SiteID, l.DeviceID, string(l.Type), params, string(l.Status), l.Error, l.CreatedAt, l.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateCommandStatus(ctx context.Context, siteID, id string, status data.CommandStatus, errMsg string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE command_logs SET status=$1, error=$2, updated_at=$3 WHERE id=$4 AND site_id=$5`,
		string(status), errMsg, at, id, siteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CommandLogs(ctx context.Context, siteID string) ([]data.CommandLog, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, site_id, device_id, type, parameters, status, error, created_at, updated_at
		FROM command_logs WHERE site_id=$1 ORDER BY created_at DESC`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []data.CommandLog{}
	for rows.Next() {
		var l data.CommandLog
		var typ, status string
		var params []byte
		if err := rows.Scan(&l.ID, &l.SiteID, &l.DeviceID, &typ, &params, &status, &l.Error, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Type = data.CommandType(typ)
		l.Status = data.CommandStatus(status)
		if len(params) > 0 {
			l.Parameters = &data.CommandParameters{}
			if err := json.Unmarshal(params, l.Parameters); err != nil {
				return nil, fmt.Errorf("decode command parameters: %w", err)
			}
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

func (s *PostgresStore) SaveBilling(ctx context.Context, b data.BillingRecord) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO billing_records (site_id, period_from, period_to, energy_kwh, rate, amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.SiteID, b.From, b.To, b.EnergyKWh, b.Rate, b.Amount, b.CreatedAt)
	return err
}

func (s *PostgresStore) SaveSiteStatus(ctx context.Context, siteID string, status data.Status, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO site_status (site_id, status, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (site_id) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		siteID, string(status), at)
	return err
}

func (s *PostgresStore) SiteStatus(ctx context.Context, siteID string) (data.Status, time.Time, error) {
	var status string
	var at time.Time
	err := s.Pool.QueryRow(ctx, `SELECT status, updated_at FROM site_status WHERE site_id=$1`, siteID).Scan(&status, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, fmt.Errorf("site %s: %w", siteID, ErrNotFound)
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return data.Status(status), at, nil
}

func (s *PostgresStore) DeviceThresholds(ctx context.Context, siteID string, deviceID int) (data.Thresholds, error) {
	var t data.Thresholds
	err := s.Pool.QueryRow(ctx, `
		SELECT max_temperature, min_hash_rate, max_power FROM device_configurations
		WHERE site_id=$1 AND device_id=$2`, siteID, deviceID).Scan(&t.MaxTemperature, &t.MinHashRate, &t.MaxPower)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("thresholds %s/%d: %w", siteID, deviceID, ErrNotFound)
	}
	return t, err
}

func (s *PostgresStore) SaveDeviceThresholds(ctx context.Context, siteID string, deviceID int, t data.Thresholds) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO device_configurations (site_id, device_id, max_temperature, min_hash_rate, max_power)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (site_id, device_id) DO UPDATE
		SET max_temperature=EXCLUDED.max_temperature, min_hash_rate=EXCLUDED.min_hash_rate, max_power=EXCLUDED.max_power`,
		siteID, deviceID, t.MaxTemperature, t.MinHashRate, t.MaxPower)
	return err
}
