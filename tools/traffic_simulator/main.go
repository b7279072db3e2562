package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickwarner/popgate/internal/api"
	"github.com/patrickwarner/popgate/internal/config"
	"github.com/patrickwarner/popgate/internal/db"
	"github.com/patrickwarner/popgate/internal/observability"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server        string
	visitors      int
	sessionsPer   int
	campaignCSV   string
	totalReq      int
	conc          int
	duration      time.Duration
	rate          float64
	renderRate    float64
	exitRate      float64
	stats         bool
	flush         bool
	redisAddr     string
	debug         bool
	label         string
	surgeInterval time.Duration
	surgeDuration time.Duration
	surgeMult     float64
	jitter        float64
)

var logger *zap.Logger

var httpClient *http.Client

var userAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
}

var visibleSelectors = []string{"#newsletter-footer", "#product-reviews", ".checkout-button"}

const statsInterval = 5 * time.Second

var (
	countSent     uint64
	countShown    uint64
	countDenied   uint64
	countLimited  uint64
	countErrors   uint64
	countRendered uint64
	denyReasons   sync.Map // reason -> *uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "decision server base URL")
	flag.IntVar(&visitors, "visitors", 100, "number of unique visitors")
	flag.IntVar(&sessionsPer, "sessions", 3, "sessions per visitor")
	flag.StringVar(&campaignCSV, "campaigns", "", "comma-separated campaign IDs (empty for all)")
	flag.IntVar(&totalReq, "requests", 1000, "total decision requests to send")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&renderRate, "render-rate", 0.9, "probability a shown popup fires its display beacon")
	flag.Float64Var(&exitRate, "exit-rate", 0.1, "probability a page view reports exit intent")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "delete frequency cap counters before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.DurationVar(&surgeInterval, "surge-interval", 0, "interval between traffic surges (0 to disable)")
	flag.DurationVar(&surgeDuration, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMult, "surge-multiplier", 2.0, "requests multiplier during surge period")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushCounters()
	}

	var campaignIDs []string
	for _, id := range strings.Split(campaignCSV, ",") {
		if id = strings.TrimSpace(id); id != "" {
			campaignIDs = append(campaignIDs, id)
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if surgeInterval > 0 && surgeDuration > 0 && surgeMult > 0 {
				if time.Since(start)%surgeInterval < surgeDuration {
					effective = time.Duration(float64(effective) / surgeMult)
				}
			}
			if jitter > 0 {
				jf := 1 + (rand.Float64()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			if now := time.Now(); now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			simulatePageView(campaignIDs)
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

func flushCounters() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	ctx := context.Background()
	store, err := db.InitRedis(ctx, addr, 5*time.Second)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	deleted := 0
	iter := store.Client.Scan(ctx, 0, "freqcap:*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			deleted += int(store.Client.Unlink(ctx, batch...).Val())
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		deleted += int(store.Client.Unlink(ctx, batch...).Val())
	}
	if err := iter.Err(); err != nil {
		logger.Error("scan frequency cap keys", zap.Error(err))
	}
	logger.Info("frequency cap counters flushed", zap.String("addr", addr), zap.Int("keys_deleted", deleted))
}

func randomSignals() api.PageSignals {
	s := api.PageSignals{
		TimeOnPageMS: rand.Int64N(120_000),
		ScrollDepth:  rand.IntN(101),
		ExitIntent:   rand.Float64() < exitRate,
	}
	if rand.IntN(2) == 0 {
		total := float64(rand.IntN(30000)) / 100
		s.CartTotal = &total
	}
	for _, sel := range visibleSelectors {
		if rand.IntN(3) == 0 {
			s.Visible = append(s.Visible, sel)
		}
	}
	return s
}

func simulatePageView(campaignIDs []string) {
	atomic.AddUint64(&countSent, 1)

	v := rand.IntN(visitors)
	body := api.DecideRequest{
		VisitorID:   fmt.Sprintf("visitor%d", v),
		SessionID:   fmt.Sprintf("visitor%d-s%d", v, rand.IntN(sessionsPer)),
		CampaignIDs: campaignIDs,
		Signals:     randomSignals(),
	}
	blob, err := json.Marshal(body)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("marshal error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/decide", bytes.NewReader(blob))
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("request build error", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgents[rand.IntN(len(userAgents))])

	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decide request error", zap.Error(err))
		return
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("read body error", zap.Error(err))
		return
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		atomic.AddUint64(&countLimited, 1)
		return
	default:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", resp.StatusCode), zap.String("body", strings.TrimSpace(string(bodyBytes))))
		return
	}

	var out api.DecideResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err))
		return
	}

	for _, d := range out.Decisions {
		if !d.Show {
			atomic.AddUint64(&countDenied, 1)
			n, _ := denyReasons.LoadOrStore(d.Reason.Label(), new(uint64))
			atomic.AddUint64(n.(*uint64), 1)
			continue
		}
		atomic.AddUint64(&countShown, 1)
		logger.Debug("shown",
			zap.String("visitor_id", body.VisitorID),
			zap.String("campaign_id", d.CampaignID),
			zap.String("resolved_by", string(d.ResolvedBy)))
		if d.Token != "" && rand.Float64() < renderRate {
			fireBeacon(ctx, d.Token)
		}
	}
}

func fireBeacon(ctx context.Context, token string) {
	u := strings.TrimRight(server, "/") + "/display?t=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("display beacon error", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		atomic.AddUint64(&countErrors, 1)
		return
	}
	atomic.AddUint64(&countRendered, 1)
}

func printStats() {
	fields := []zap.Field{
		zap.String("run", label),
		zap.Uint64("sent", atomic.LoadUint64(&countSent)),
		zap.Uint64("shown", atomic.LoadUint64(&countShown)),
		zap.Uint64("denied", atomic.LoadUint64(&countDenied)),
		zap.Uint64("rendered", atomic.LoadUint64(&countRendered)),
		zap.Uint64("rate_limited", atomic.LoadUint64(&countLimited)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
	}
	denyReasons.Range(func(k, v any) bool {
		fields = append(fields, zap.Uint64("deny_"+k.(string), atomic.LoadUint64(v.(*uint64))))
		return true
	})
	logger.Info("stats", fields...)
}
