// Пакет config — загрузка и валидация конфигурации Reach Module
// из переменных окружения и (опционально) YAML-файла политики уровней.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/visibility"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Reach Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL (disable, require, verify-ca, verify-full)
	DBSSLMode string

	// --- Движок уровней ---

	// Политика движка (веса, пороги, TTL, кривая затухания)
	Policy visibility.Policy
	// Путь к YAML-файлу политики (опционально)
	TierPolicyPath string
	// Пересчитывать состояние при чтении через API
	RecomputeOnRead bool
	// Максимум повторов compare-and-set при конфликте версий
	CASMaxRetries int

	// --- Фоновый пересчёт ---

	// Интервал пересчёта всех активных публикаций
	SweepInterval time.Duration
	// Количество параллельных пересчётов
	SweepConcurrency int
	// Размер страницы при обходе активных публикаций
	SweepPageSize int

	// --- Seed-аудитория ---

	// Максимальный размер seed-аудитории
	SeedAudienceCap int
	// Минимальная степень жанрового совпадения
	SeedMinAffinity float64

	// --- Trending ---

	// Порог EV (строго больше)
	TrendingEVMin float64
	// Порог репутации автора (строго больше)
	TrendingCreatorMin float64
	// Требовать верификацию автора
	TrendingVerifiedOnly bool
	// Размер снимка trending, сравниваемого после каждого пересчёта
	TrendingSnapshotLimit int
	// TTL кэша репутации авторов
	ReputationCacheTTL time.Duration
	// Максимальное количество записей в кэше репутации
	ReputationCacheSize int

	// --- События ---

	// URL Redis для межинстансной доставки событий (пусто — только локальная шина)
	RedisURL string
	// Канал Redis pub/sub
	RedisChannel string

	// --- Kafka ---

	// Брокеры Kafka (пусто — приём событий отключён)
	KafkaBrokers []string
	// Consumer group
	KafkaGroup string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// policyFile — формат YAML-файла политики. Незаданные поля сохраняют значения по умолчанию.
type policyFile struct {
	SeedObservationWindow string                           `yaml:"seed_observation_window"`
	TTL                   string                           `yaml:"ttl"`
	Weights               *visibility.Weights              `yaml:"weights"`
	SeedEngagementBonus   *float64                         `yaml:"seed_engagement_bonus"`
	ImpressionFloor       *int64                           `yaml:"impression_floor"`
	NormalizationScale    *float64                         `yaml:"normalization_scale"`
	TimeInTierUnit        string                           `yaml:"time_in_tier_unit"`
	DecayCurve            string                           `yaml:"decay_curve"`
	DecayHalfLife         string                           `yaml:"decay_half_life"`
	PaidVisibilityFloor   *float64                         `yaml:"paid_visibility_floor"`
	Thresholds            *visibility.Thresholds           `yaml:"thresholds"`
	Categories            map[string]visibility.Thresholds `yaml:"categories"`
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// RM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("RM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("RM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("RM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// RM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RM_LOG_LEVEL: %w", err)
	}

	// RM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("RM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	if cfg.HTTPReadTimeout, err = getEnvDuration("RM_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("RM_HTTP_READ_TIMEOUT: %w", err)
	}
	// Для SSE запись ограничивается отдельно, общий таймаут записи по умолчанию отключён
	if cfg.HTTPWriteTimeout, err = getEnvDuration("RM_HTTP_WRITE_TIMEOUT", 0); err != nil {
		return nil, fmt.Errorf("RM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("RM_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("RM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("RM_DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = getEnvInt("RM_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("RM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("RM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("RM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("RM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("RM_DB_SSL_MODE", "disable")
	switch cfg.DBSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("RM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Движок уровней ---

	cfg.Policy = visibility.DefaultPolicy()
	cfg.TierPolicyPath = getEnvDefault("RM_TIER_POLICY_PATH", "")
	if cfg.TierPolicyPath != "" {
		if err := loadPolicyFile(cfg.TierPolicyPath, &cfg.Policy); err != nil {
			return nil, fmt.Errorf("RM_TIER_POLICY_PATH: %w", err)
		}
	}
	if err := applyPolicyEnv(&cfg.Policy); err != nil {
		return nil, err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("политика уровней: %w", err)
	}

	if cfg.RecomputeOnRead, err = getEnvBool("RM_RECOMPUTE_ON_READ", false); err != nil {
		return nil, fmt.Errorf("RM_RECOMPUTE_ON_READ: %w", err)
	}
	if cfg.CASMaxRetries, err = getEnvInt("RM_CAS_MAX_RETRIES", 5); err != nil {
		return nil, fmt.Errorf("RM_CAS_MAX_RETRIES: %w", err)
	}
	if cfg.CASMaxRetries < 0 || cfg.CASMaxRetries > 50 {
		return nil, fmt.Errorf("RM_CAS_MAX_RETRIES: значение %d вне допустимого диапазона 0-50", cfg.CASMaxRetries)
	}

	// --- Фоновый пересчёт ---

	if cfg.SweepInterval, err = getEnvDuration("RM_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("RM_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("RM_SWEEP_INTERVAL: значение должно быть > 0")
	}
	if cfg.SweepConcurrency, err = getEnvInt("RM_SWEEP_CONCURRENCY", 5); err != nil {
		return nil, fmt.Errorf("RM_SWEEP_CONCURRENCY: %w", err)
	}
	if cfg.SweepConcurrency < 1 || cfg.SweepConcurrency > 64 {
		return nil, fmt.Errorf("RM_SWEEP_CONCURRENCY: значение %d вне допустимого диапазона 1-64", cfg.SweepConcurrency)
	}
	if cfg.SweepPageSize, err = getEnvInt("RM_SWEEP_PAGE_SIZE", 500); err != nil {
		return nil, fmt.Errorf("RM_SWEEP_PAGE_SIZE: %w", err)
	}
	if cfg.SweepPageSize < 1 || cfg.SweepPageSize > 10000 {
		return nil, fmt.Errorf("RM_SWEEP_PAGE_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.SweepPageSize)
	}

	// --- Seed-аудитория ---

	if cfg.SeedAudienceCap, err = getEnvInt("RM_SEED_AUDIENCE_CAP", 50); err != nil {
		return nil, fmt.Errorf("RM_SEED_AUDIENCE_CAP: %w", err)
	}
	if cfg.SeedAudienceCap < 0 || cfg.SeedAudienceCap > 1000 {
		return nil, fmt.Errorf("RM_SEED_AUDIENCE_CAP: значение %d вне допустимого диапазона 0-1000", cfg.SeedAudienceCap)
	}
	if cfg.SeedMinAffinity, err = getEnvFloat("RM_SEED_MIN_AFFINITY", 0.5); err != nil {
		return nil, fmt.Errorf("RM_SEED_MIN_AFFINITY: %w", err)
	}

	// --- Trending ---

	if cfg.TrendingEVMin, err = getEnvFloat("RM_TRENDING_EV_MIN", 150); err != nil {
		return nil, fmt.Errorf("RM_TRENDING_EV_MIN: %w", err)
	}
	if cfg.TrendingCreatorMin, err = getEnvFloat("RM_TRENDING_CREATOR_MIN", 30); err != nil {
		return nil, fmt.Errorf("RM_TRENDING_CREATOR_MIN: %w", err)
	}
	if cfg.TrendingVerifiedOnly, err = getEnvBool("RM_TRENDING_VERIFIED_ONLY", true); err != nil {
		return nil, fmt.Errorf("RM_TRENDING_VERIFIED_ONLY: %w", err)
	}
	if cfg.TrendingSnapshotLimit, err = getEnvInt("RM_TRENDING_SNAPSHOT_LIMIT", 10); err != nil {
		return nil, fmt.Errorf("RM_TRENDING_SNAPSHOT_LIMIT: %w", err)
	}
	if cfg.TrendingSnapshotLimit < 1 || cfg.TrendingSnapshotLimit > 100 {
		return nil, fmt.Errorf("RM_TRENDING_SNAPSHOT_LIMIT: значение %d вне допустимого диапазона 1-100", cfg.TrendingSnapshotLimit)
	}
	if cfg.ReputationCacheTTL, err = getEnvDuration("RM_REPUTATION_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("RM_REPUTATION_CACHE_TTL: %w", err)
	}
	if cfg.ReputationCacheSize, err = getEnvInt("RM_REPUTATION_CACHE_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("RM_REPUTATION_CACHE_SIZE: %w", err)
	}
	if cfg.ReputationCacheSize < 1 {
		return nil, fmt.Errorf("RM_REPUTATION_CACHE_SIZE: значение должно быть >= 1")
	}

	// --- События ---

	cfg.RedisURL = getEnvDefault("RM_REDIS_URL", "")
	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("RM_REDIS_URL: некорректный URL: %w", err)
		}
	}
	cfg.RedisChannel = getEnvDefault("RM_REDIS_CHANNEL", "reach:events")

	// --- Kafka ---

	cfg.KafkaBrokers = parseCSV(getEnvDefault("RM_KAFKA_BROKERS", ""))
	cfg.KafkaGroup = getEnvDefault("RM_KAFKA_GROUP", "reach-module")

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("RM_DEPHEALTH_GROUP", "reach-module")
	if cfg.DephealthCheckInterval, err = getEnvDuration("RM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("RM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	if cfg.ShutdownTimeout, err = getEnvDuration("RM_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("RM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для миграций и меток topologymetrics).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// loadPolicyFile читает YAML-файл политики поверх значений по умолчанию.
func loadPolicyFile(path string, p *visibility.Policy) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("чтение %s: %w", path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("разбор %s: %w", path, err)
	}

	if err := parseDurationField("seed_observation_window", f.SeedObservationWindow, &p.SeedObservationWindow); err != nil {
		return err
	}
	if err := parseDurationField("ttl", f.TTL, &p.TTL); err != nil {
		return err
	}
	if err := parseDurationField("decay_half_life", f.DecayHalfLife, &p.DecayHalfLife); err != nil {
		return err
	}
	if err := parseDurationField("time_in_tier_unit", f.TimeInTierUnit, &p.TimeInTierUnit); err != nil {
		return err
	}
	if f.Weights != nil {
		p.Weights = *f.Weights
	}
	if f.SeedEngagementBonus != nil {
		p.SeedEngagementBonus = *f.SeedEngagementBonus
	}
	if f.ImpressionFloor != nil {
		p.ImpressionFloor = *f.ImpressionFloor
	}
	if f.NormalizationScale != nil {
		p.NormalizationScale = *f.NormalizationScale
	}
	if f.DecayCurve != "" {
		p.DecayCurve = visibility.DecayCurve(f.DecayCurve)
	}
	if f.PaidVisibilityFloor != nil {
		p.PaidVisibilityFloor = *f.PaidVisibilityFloor
	}
	if f.Thresholds != nil {
		p.DefaultThresholds = *f.Thresholds
	}
	for category, t := range f.Categories {
		p.CategoryThresholds[category] = t
	}
	return nil
}

// applyPolicyEnv применяет переопределения политики из окружения (приоритетнее файла).
func applyPolicyEnv(p *visibility.Policy) error {
	var err error
	if p.SeedObservationWindow, err = getEnvDuration("RM_SEED_OBSERVATION_WINDOW", p.SeedObservationWindow); err != nil {
		return fmt.Errorf("RM_SEED_OBSERVATION_WINDOW: %w", err)
	}
	if p.TTL, err = getEnvDuration("RM_POST_TTL", p.TTL); err != nil {
		return fmt.Errorf("RM_POST_TTL: %w", err)
	}
	p.DecayCurve = visibility.DecayCurve(getEnvDefault("RM_DECAY_CURVE", string(p.DecayCurve)))
	if p.DecayHalfLife, err = getEnvDuration("RM_DECAY_HALF_LIFE", p.DecayHalfLife); err != nil {
		return fmt.Errorf("RM_DECAY_HALF_LIFE: %w", err)
	}
	if p.TimeInTierUnit, err = getEnvDuration("RM_EV_TIME_IN_TIER_UNIT", p.TimeInTierUnit); err != nil {
		return fmt.Errorf("RM_EV_TIME_IN_TIER_UNIT: %w", err)
	}
	if p.DefaultThresholds.Tier2, err = getEnvFloat("RM_TIER2_THRESHOLD", p.DefaultThresholds.Tier2); err != nil {
		return fmt.Errorf("RM_TIER2_THRESHOLD: %w", err)
	}
	if p.DefaultThresholds.Tier3, err = getEnvFloat("RM_TIER3_THRESHOLD", p.DefaultThresholds.Tier3); err != nil {
		return fmt.Errorf("RM_TIER3_THRESHOLD: %w", err)
	}
	return nil
}

func parseDurationField(name, val string, dst *time.Duration) error {
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: некорректная длительность: %q", name, val)
	}
	*dst = d
	return nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает значение с плавающей точкой или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
