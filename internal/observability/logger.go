package observability

import (
	"math/rand"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger constructs a production zap.Logger for the service at the level
// implied by env and level (see ParseLevel). The logger is named after the
// service and installed as the global logger.
func InitLogger(serviceName, env, level string) (*zap.Logger, error) {
	return InitLoggerWithLevel(ParseLevel(env, level), serviceName)
}

// InitLoggerWithLevel constructs a zap.Logger at the provided level.
// The returned logger is named with the service name and installed as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	// Field names match what the log shipper expects
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// ParseLevel resolves the log level. An explicit level (DEBUG, INFO, WARN,
// ERROR) wins; otherwise development environments log at debug and
// everything else at info.
func ParseLevel(env, level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zap.DebugLevel
	case "INFO":
		return zap.InfoLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	}
	switch strings.ToLower(env) {
	case "development", "dev":
		return zap.DebugLevel
	default:
		return zap.InfoLevel
	}
}

// SamplingRateFor returns the default log sampling rate for an environment.
func SamplingRateFor(env string) float64 {
	switch strings.ToLower(env) {
	case "development", "dev":
		return 1.0 // No sampling in development
	case "staging", "test":
		return 0.5
	default:
		return 0.1
	}
}

// Sampler decides whether a hot-path log line is written. Decisions are
// logged per request, so only a fraction of them reach the log.
type Sampler struct {
	rate    float64
	total   atomic.Int64
	sampled atomic.Int64
}

// NewSampler returns a Sampler keeping roughly rate (0.0-1.0) of lines.
func NewSampler(rate float64) *Sampler {
	return &Sampler{rate: rate}
}

// Sample reports whether the current line should be logged. A nil Sampler
// logs everything. Safe for concurrent use.
func (s *Sampler) Sample() bool {
	if s == nil {
		return true
	}
	s.total.Add(1)
	var keep bool
	switch {
	case s.rate >= 1.0:
		keep = true
	case s.rate <= 0.0:
		keep = false
	default:
		keep = rand.Float64() < s.rate
	}
	if keep {
		s.sampled.Add(1)
	}
	return keep
}

// Stats returns how many lines were offered and how many were kept.
func (s *Sampler) Stats() (total, sampled int64) {
	return s.total.Load(), s.sampled.Load()
}

// LogStats writes the sampler's counters at info level.
func (s *Sampler) LogStats(logger *zap.Logger) {
	total, sampled := s.Stats()
	if total == 0 {
		return
	}
	logger.Info("sampling stats",
		zap.Float64("target_rate", s.rate),
		zap.Float64("actual_rate", float64(sampled)/float64(total)),
		zap.Int64("total_logs", total),
		zap.Int64("sampled_logs", sampled),
	)
}
