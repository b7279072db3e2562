package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/config"
	"github.com/patrickwarner/popgate/internal/geoip"
	"github.com/patrickwarner/popgate/internal/logic"
	"github.com/patrickwarner/popgate/internal/logic/ratelimit"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"
)

var tracer = otel.Tracer("popgate/api")

// CatalogSource loads the campaign catalog, normally from Postgres.
type CatalogSource interface {
	LoadCampaigns(ctx context.Context) ([]models.Campaign, error)
	LoadGlobalCapSettings(ctx context.Context) (models.GlobalCapSettings, error)
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger      *zap.Logger
	Decider     *logic.Decider
	Catalog     models.CampaignCatalog
	Source      CatalogSource
	Limiter     *ratelimit.VisitorLimiter
	GeoIP       *geoip.Locator
	Redis       *redis.Client
	Sampler     *observability.Sampler
	TokenSecret []byte
	TokenTTL    time.Duration
	Metrics     observability.MetricsRegistry
	Config      config.Config

	instanceID string
	reloadMu   sync.Mutex
	// reported holds the config error last logged per campaign so an
	// invalid campaign is reported once, not on every reload.
	reported map[string]string
}

// NewServer constructs a Server. source, limiter and rdb may be nil.
// GeoIP is left unset; country lookup is skipped until a Locator is assigned.
func NewServer(logger *zap.Logger, decider *logic.Decider, catalog models.CampaignCatalog, source CatalogSource, limiter *ratelimit.VisitorLimiter, rdb *redis.Client, secret []byte, ttl time.Duration, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if metrics == nil {
		metrics = observability.NoopRegistry{}
	}
	return &Server{
		Logger:      logger,
		Decider:     decider,
		Catalog:     catalog,
		Source:      source,
		Limiter:     limiter,
		Redis:       rdb,
		Sampler:     observability.NewSampler(observability.SamplingRateFor(cfg.Env)),
		TokenSecret: secret,
		TokenTTL:    ttl,
		Metrics:     metrics,
		Config:      cfg,
		instanceID:  uuid.NewString(),
		reported:    make(map[string]string),
	}
}

// CatalogUpdateChannel is the Redis channel used to tell other instances
// that the catalog changed.
const CatalogUpdateChannel = "popgate:catalog-updates"

// UpdateMessage is published on CatalogUpdateChannel after a reload.
type UpdateMessage struct {
	Instance  string    `json:"instance"`
	Campaigns int       `json:"campaigns"`
	At        time.Time `json:"at"`
}

func (s *Server) notifyUpdate(ctx context.Context, campaigns int) {
	if s.Redis == nil {
		s.Logger.Debug("redis not available, skipping update notification")
		return
	}
	msg := UpdateMessage{Instance: s.instanceID, Campaigns: campaigns, At: time.Now().UTC()}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.Logger.Error("failed to marshal update message", zap.Error(err))
		return
	}
	if err := s.Redis.Publish(ctx, CatalogUpdateChannel, payload).Err(); err != nil {
		s.Logger.Error("failed to publish update message", zap.Error(err))
	}
}

// ListenForUpdates reloads the catalog whenever another instance announces
// a change. It blocks until ctx is done.
func (s *Server) ListenForUpdates(ctx context.Context) {
	if s.Redis == nil {
		return
	}
	sub := s.Redis.Subscribe(ctx, CatalogUpdateChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg UpdateMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.Logger.Warn("ignoring malformed update message", zap.Error(err))
				continue
			}
			if msg.Instance == s.instanceID {
				continue
			}
			if _, err := s.Reload(ctx); err != nil {
				s.Logger.Error("reload after update message failed", zap.Error(err))
			}
		}
	}
}

// Reload refreshes campaigns and global cap settings from the catalog
// source and swaps them in atomically. It returns the number of campaigns
// loaded.
func (s *Server) Reload(ctx context.Context) (int, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	n, err := s.reload(ctx)
	if err != nil {
		s.Metrics.IncrementReloads("error")
		return 0, err
	}
	s.Metrics.IncrementReloads("ok")
	return n, nil
}

func (s *Server) reload(ctx context.Context) (int, error) {
	if s.Source == nil {
		return 0, errors.New("catalog source unavailable")
	}
	if s.Catalog == nil {
		return 0, errors.New("catalog unavailable")
	}

	campaigns, err := s.Source.LoadCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("load campaigns: %w", err)
	}
	settings, err := s.Source.LoadGlobalCapSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load global cap settings: %w", err)
	}
	if err := s.Catalog.ReloadAll(campaigns, settings); err != nil {
		return 0, fmt.Errorf("reload catalog: %w", err)
	}

	s.reportConfigErrors(campaigns)
	s.Logger.Info("catalog reloaded",
		zap.Int("campaigns", len(campaigns)),
		zap.Bool("global_cap_enabled", settings.Enabled))
	return len(campaigns), nil
}

func (s *Server) reportConfigErrors(campaigns []models.Campaign) {
	seen := make(map[string]struct{}, len(campaigns))
	for _, c := range campaigns {
		if c.ConfigErr == nil {
			continue
		}
		seen[c.ID] = struct{}{}
		msg := c.ConfigErr.Error()
		if s.reported[c.ID] == msg {
			continue
		}
		s.reported[c.ID] = msg
		s.Logger.Error("campaign has invalid trigger config and will not be shown",
			zap.String("campaign_id", c.ID),
			zap.Error(c.ConfigErr))
	}
	for id := range s.reported {
		if _, ok := seen[id]; !ok {
			delete(s.reported, id)
		}
	}
}
