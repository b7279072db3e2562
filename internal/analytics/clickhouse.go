// Package analytics writes display records to ClickHouse and reads them back
// for the reporting tools.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// DisplayRecorder persists display records. Implementations return
// ErrUnavailable when their storage is not configured.
type DisplayRecorder interface {
	RecordDisplay(ctx context.Context, rec models.DisplayRecord) error
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

const createDisplaysTable = `CREATE TABLE IF NOT EXISTS displays (
       timestamp    DateTime64(3),
       decision_id  String,
       campaign_id  String,
       visitor_id   String,
       session_id   String,
       variant      Nullable(String),
       trigger      Nullable(String),
       device_type  Nullable(String),
       country      LowCardinality(Nullable(String)),
       source       LowCardinality(String)
   ) ENGINE=MergeTree() ORDER BY (campaign_id, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the displays table
// exists.
func InitClickHouse(dsn string, metrics observability.MetricsRegistry, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), createDisplaysTable); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}
	if metrics == nil {
		metrics = observability.NoopRegistry{}
	}

	zap.L().Info("Connected to ClickHouse",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns))
	return &Analytics{DB: db, Metrics: metrics}, nil
}

// RecordDisplay inserts one row into the displays table.
func (a *Analytics) RecordDisplay(ctx context.Context, rec models.DisplayRecord) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stmt := `INSERT INTO displays (timestamp, decision_id, campaign_id, visitor_id, session_id, variant, trigger, device_type, country, source) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, ts.UTC(), rec.DecisionID, rec.CampaignID, rec.VisitorID, rec.SessionID,
		nullable(rec.Variant), nullable(rec.Trigger), nullable(rec.DeviceType), nullable(rec.Country), rec.Source); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("campaign_id", rec.CampaignID))
		return fmt.Errorf("insert display: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// GetDisplaysByDecisionID returns the display records written for one
// decision ordered by timestamp.
func (a *Analytics) GetDisplaysByDecisionID(ctx context.Context, id string) ([]models.DisplayRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, decision_id, campaign_id, visitor_id, session_id, variant, trigger, device_type, country, source FROM displays WHERE decision_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query displays: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var out []models.DisplayRecord
	for rows.Next() {
		var rec models.DisplayRecord
		var variant, trigger, device, country sql.NullString
		if err := rows.Scan(&rec.Timestamp, &rec.DecisionID, &rec.CampaignID, &rec.VisitorID, &rec.SessionID, &variant, &trigger, &device, &country, &rec.Source); err != nil {
			return nil, fmt.Errorf("scan display: %w", err)
		}
		rec.Variant, rec.Trigger, rec.DeviceType, rec.Country = variant.String, trigger.String, device.String, country.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// CampaignSummary aggregates displays for one campaign.
type CampaignSummary struct {
	CampaignID string `json:"campaign_id"`
	// Displays excludes render beacons, which are reported in Rendered so
	// a confirmed display is not counted twice.
	Displays       int64            `json:"displays"`
	Rendered       int64            `json:"rendered"`
	UniqueVisitors int64            `json:"unique_visitors"`
	BySource       map[string]int64 `json:"by_source,omitempty"`
	ByVariant      map[string]int64 `json:"by_variant,omitempty"`
	ByTrigger      map[string]int64 `json:"by_trigger,omitempty"`
	ByCountry      map[string]int64 `json:"by_country,omitempty"`
}

// SummarizeCampaign reports displays for campaignID between from and to.
func (a *Analytics) SummarizeCampaign(ctx context.Context, campaignID string, from, to time.Time) (CampaignSummary, error) {
	if a == nil || a.DB == nil {
		return CampaignSummary{}, ErrUnavailable
	}
	sum := CampaignSummary{
		CampaignID: campaignID,
		BySource:   map[string]int64{},
		ByVariant:  map[string]int64{},
		ByTrigger:  map[string]int64{},
		ByCountry:  map[string]int64{},
	}
	err := a.DB.QueryRowContext(ctx,
		`SELECT countIf(source != 'token'), countIf(source = 'token'), uniqExact(visitor_id) FROM displays WHERE campaign_id=? AND timestamp >= ? AND timestamp < ?`,
		campaignID, from.UTC(), to.UTC()).Scan(&sum.Displays, &sum.Rendered, &sum.UniqueVisitors)
	if err != nil {
		return CampaignSummary{}, fmt.Errorf("summarize campaign: %w", err)
	}
	if err := a.groupCount(ctx, "source", campaignID, from, to, false, sum.BySource); err != nil {
		return CampaignSummary{}, err
	}
	if err := a.groupCount(ctx, "variant", campaignID, from, to, true, sum.ByVariant); err != nil {
		return CampaignSummary{}, err
	}
	if err := a.groupCount(ctx, "trigger", campaignID, from, to, true, sum.ByTrigger); err != nil {
		return CampaignSummary{}, err
	}
	if err := a.groupCount(ctx, "country", campaignID, from, to, true, sum.ByCountry); err != nil {
		return CampaignSummary{}, err
	}
	return sum, nil
}

// groupCount fills into with display counts grouped by column, which must be
// one of the fixed column names used above. countedOnly skips render beacons.
func (a *Analytics) groupCount(ctx context.Context, column, campaignID string, from, to time.Time, countedOnly bool, into map[string]int64) error {
	filter := ""
	if countedOnly {
		filter = " AND source != 'token'"
	}
	query := fmt.Sprintf(`SELECT ifNull(%s, ''), count() FROM displays WHERE campaign_id=? AND timestamp >= ? AND timestamp < ?%s GROUP BY 1`, column, filter)
	rows, err := a.DB.QueryContext(ctx, query, campaignID, from.UTC(), to.UTC())
	if err != nil {
		return fmt.Errorf("group displays by %s: %w", column, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s group: %w", column, err)
		}
		if key == "" {
			key = "none"
		}
		into[key] = n
	}
	return rows.Err()
}
