package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/triggers"
)

// Postgres wraps a postgres DB connection holding the campaign catalog.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    start_date TIMESTAMPTZ NULL,
    end_date TIMESTAMPTZ NULL,
    trigger_config JSONB,
    max_per_session INT NOT NULL DEFAULT 0,
    max_per_day INT NOT NULL DEFAULT 0,
    cooldown_seconds INT NOT NULL DEFAULT 0,
    respect_global_cap BOOLEAN NOT NULL DEFAULT TRUE,
    experiment_id TEXT,
    variant TEXT,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS store_settings (
    id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    global_cap_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    global_max_per_session INT NOT NULL DEFAULT 0,
    global_max_per_day INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_campaigns_active_dates ON campaigns (active, start_date, end_date) WHERE active = true;
`

// pqUndefinedTable is the SQLSTATE for a missing relation.
const pqUndefinedTable = "42P01"

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadCampaigns retrieves every campaign. Schedule filtering happens at
// decision time so that a campaign leaving its window needs no reload.
// A campaign whose trigger config cannot be parsed is returned with
// ConfigErr set rather than failing the whole load.
func (p *Postgres) LoadCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, name, active, start_date, end_date, trigger_config, max_per_session, max_per_day, cooldown_seconds, respect_global_cap, experiment_id, variant FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var cs []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var start, end sql.NullTime
		var cfg []byte
		var cooldown int
		var experiment, variant sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &start, &end, &cfg,
			&c.FrequencyCap.MaxPerSession, &c.FrequencyCap.MaxPerDay, &cooldown,
			&c.RespectGlobalCap, &experiment, &variant); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if start.Valid {
			c.StartDate = start.Time
		}
		if end.Valid {
			c.EndDate = end.Time
		}
		c.FrequencyCap.Cooldown = time.Duration(cooldown) * time.Second
		if experiment.Valid {
			c.ExperimentID = experiment.String
		}
		if variant.Valid {
			c.Variant = variant.String
		}
		c.Triggers, c.ConfigErr = triggers.ParseConfig(cfg)
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return cs, nil
}

// LoadGlobalCapSettings returns the store-wide cap settings. A missing row
// means the global cap is disabled.
func (p *Postgres) LoadGlobalCapSettings(ctx context.Context) (models.GlobalCapSettings, error) {
	var s models.GlobalCapSettings
	err := p.DB.QueryRowContext(ctx, `SELECT global_cap_enabled, global_max_per_session, global_max_per_day FROM store_settings WHERE id = 1`).
		Scan(&s.Enabled, &s.MaxPerSession, &s.MaxPerDay)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GlobalCapSettings{}, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable {
		return models.GlobalCapSettings{}, nil
	}
	if err != nil {
		return models.GlobalCapSettings{}, fmt.Errorf("query store settings: %w", err)
	}
	return s, nil
}

// SaveGlobalCapSettings stores the store-wide cap settings.
func (p *Postgres) SaveGlobalCapSettings(ctx context.Context, s models.GlobalCapSettings) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO store_settings (id, global_cap_enabled, global_max_per_session, global_max_per_day)
        VALUES (1, $1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET global_cap_enabled = EXCLUDED.global_cap_enabled,
            global_max_per_session = EXCLUDED.global_max_per_session,
            global_max_per_day = EXCLUDED.global_max_per_day`,
		s.Enabled, s.MaxPerSession, s.MaxPerDay)
	if err != nil {
		return fmt.Errorf("save store settings: %w", err)
	}
	return nil
}

// UpsertCampaign inserts or replaces a campaign. triggerConfig is the raw
// storefront trigger JSON and is stored as is.
func (p *Postgres) UpsertCampaign(ctx context.Context, c models.Campaign, triggerConfig []byte) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO campaigns (id, name, active, start_date, end_date, trigger_config, max_per_session, max_per_day, cooldown_seconds, respect_global_cap, experiment_id, variant)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active,
            start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
            trigger_config = EXCLUDED.trigger_config, max_per_session = EXCLUDED.max_per_session,
            max_per_day = EXCLUDED.max_per_day, cooldown_seconds = EXCLUDED.cooldown_seconds,
            respect_global_cap = EXCLUDED.respect_global_cap, experiment_id = EXCLUDED.experiment_id,
            variant = EXCLUDED.variant, updated_at = NOW()`,
		c.ID, c.Name, c.Active, nullTime(c.StartDate), nullTime(c.EndDate), nullJSON(triggerConfig),
		c.FrequencyCap.MaxPerSession, c.FrequencyCap.MaxPerDay, int(c.FrequencyCap.Cooldown/time.Second),
		c.RespectGlobalCap, nullString(c.ExperimentID), nullString(c.Variant))
	if err != nil {
		return fmt.Errorf("upsert campaign %s: %w", c.ID, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
