package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/config"
	"github.com/patrickwarner/popgate/internal/db"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"
	"github.com/patrickwarner/popgate/internal/triggers"
)

var (
	campaignCount = flag.Int("campaigns", 10, "number of random campaigns")
	globalSession = flag.Int("global-session", 3, "store-wide displays per session (0 disables)")
	globalDay     = flag.Int("global-day", 6, "store-wide displays per day (0 disables)")
	seed          = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload    = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

type seedCampaign struct {
	campaign models.Campaign
	config   map[string]any
}

func main() {
	flag.Parse()

	cfg := config.Load()
	logger, err := observability.InitLogger("fake-data", cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx := context.Background()
	r := rand.New(rand.NewSource(*seed))

	all := demoCampaigns()
	for i := 0; i < *campaignCount; i++ {
		all = append(all, randomCampaign(r, i+1))
	}

	for _, sc := range all {
		raw, err := json.Marshal(sc.config)
		if err != nil {
			logger.Fatal("marshal trigger config", zap.Error(err))
		}
		// Same validation the server applies on load.
		if _, err := triggers.ParseConfig(raw); err != nil {
			logger.Fatal("generated invalid trigger config", zap.String("campaign_id", sc.campaign.ID), zap.Error(err))
		}
		if err := pg.UpsertCampaign(ctx, sc.campaign, raw); err != nil {
			logger.Fatal("upsert campaign", zap.Error(err))
		}
	}

	settings := models.GlobalCapSettings{
		Enabled:       *globalSession > 0 || *globalDay > 0,
		MaxPerSession: *globalSession,
		MaxPerDay:     *globalDay,
	}
	if err := pg.SaveGlobalCapSettings(ctx, settings); err != nil {
		logger.Fatal("save global cap settings", zap.Error(err))
	}

	fmt.Printf("seeded %d campaigns\n", len(all))

	if !*skipReload {
		if err := callReloadEndpoint(&cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

func enabled(extra map[string]any) map[string]any {
	m := map[string]any{"enabled": true}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// demoCampaigns are fixed campaigns used by the walkthrough in the README.
func demoCampaigns() []seedCampaign {
	return []seedCampaign{
		{
			campaign: models.Campaign{
				ID: "cap-demo", Name: "Frequency cap demo", Active: true,
				FrequencyCap: models.FrequencyCap{MaxPerSession: 2},
			},
			config: map[string]any{"page_load": enabled(map[string]any{"delay": 0})},
		},
		{
			campaign: models.Campaign{
				ID: "welcome-scroll", Name: "Welcome offer", Active: true, RespectGlobalCap: true,
				FrequencyCap: models.FrequencyCap{MaxPerSession: 1, MaxPerDay: 2, Cooldown: 10 * time.Minute},
			},
			config: map[string]any{
				"page_load":           enabled(map[string]any{"delay": 0}),
				"scroll_depth":        enabled(map[string]any{"depth": 50}),
				"combinationOperator": "OR",
			},
		},
		{
			campaign: models.Campaign{
				ID: "cart-rescue", Name: "Cart rescue", Active: true, RespectGlobalCap: true,
				FrequencyCap: models.FrequencyCap{MaxPerSession: 1, MaxPerDay: 1},
			},
			config: map[string]any{
				"exit_intent":         enabled(nil),
				"cart_value":          enabled(map[string]any{"min": 50}),
				"combinationOperator": "AND",
			},
		},
		{
			campaign: models.Campaign{
				ID: "reviews-nudge", Name: "Reviews nudge", Active: true, RespectGlobalCap: true,
				FrequencyCap: models.FrequencyCap{MaxPerDay: 3},
				ExperimentID: "reviews-copy", Variant: "A",
			},
			config: map[string]any{
				"element_visible": enabled(map[string]any{"selector": "#product-reviews"}),
				"time_on_page":    enabled(map[string]any{"seconds": 20}),
			},
		},
	}
}

var campaignNames = []string{"Spring Sale", "Free Shipping", "Newsletter", "Loyalty Points", "Flash Deal", "Bundle Offer", "VIP Early Access"}

func randomCampaign(r *rand.Rand, n int) seedCampaign {
	c := models.Campaign{
		ID:               fmt.Sprintf("camp-%03d", n),
		Name:             fmt.Sprintf("%s %d", campaignNames[r.Intn(len(campaignNames))], n),
		Active:           r.Intn(10) > 0,
		RespectGlobalCap: r.Intn(4) > 0,
		FrequencyCap: models.FrequencyCap{
			MaxPerSession: r.Intn(4),
			MaxPerDay:     r.Intn(6),
			Cooldown:      time.Duration(r.Intn(4)) * 5 * time.Minute,
		},
	}
	if r.Intn(3) == 0 {
		c.EndDate = time.Now().AddDate(0, 0, r.Intn(30)+1).UTC()
	}

	cfg := map[string]any{}
	if r.Intn(2) == 0 {
		cfg["page_load"] = enabled(map[string]any{"delay": r.Intn(10)})
	}
	if r.Intn(2) == 0 {
		cfg["scroll_depth"] = enabled(map[string]any{"depth": 10 * (r.Intn(9) + 1)})
	}
	if r.Intn(3) == 0 {
		cfg["exit_intent"] = enabled(nil)
	}
	if r.Intn(3) == 0 {
		cfg["time_on_page"] = enabled(map[string]any{"seconds": 5 * (r.Intn(12) + 1)})
	}
	if r.Intn(4) == 0 {
		cfg["cart_value"] = enabled(map[string]any{"min": float64(25 * (r.Intn(8) + 1))})
	}
	if r.Intn(2) == 0 {
		cfg["combinationOperator"] = "AND"
	}
	return seedCampaign{campaign: c, config: cfg}
}

func callReloadEndpoint(cfg *config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest("POST", reloadURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
