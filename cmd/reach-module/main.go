// Точка входа Reach Module — движок уровней охвата публикаций.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт репозитории и сервисы, шину событий (локальная или Redis),
// запускает фоновый пересчёт, приём событий Kafka, topologymetrics
// и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/reach-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/reach-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/reach-module/internal/config"
	"github.com/bigkaa/goartstore/reach-module/internal/database"
	"github.com/bigkaa/goartstore/reach-module/internal/events"
	"github.com/bigkaa/goartstore/reach-module/internal/ingest"
	"github.com/bigkaa/goartstore/reach-module/internal/repository"
	"github.com/bigkaa/goartstore/reach-module/internal/server"
	"github.com/bigkaa/goartstore/reach-module/internal/service"
)

func main() {
	// 0. Переменные из .env (если файл есть) — для локального запуска
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Не удалось прочитать .env", slog.String("error", err.Error()))
	}

	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Reach Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("decay_curve", string(cfg.Policy.DecayCurve)),
		slog.Bool("recompute_on_read", cfg.RecomputeOnRead),
	)
	if cfg.TierPolicyPath != "" {
		logger.Info("Политика уровней загружена из файла", slog.String("path", cfg.TierPolicyPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	txRunner := repository.NewTxRunner(pool)
	postRepo := repository.NewPostRepository(pool, txRunner)
	stateRepo := repository.NewVisibilityRepository(pool)
	seedRepo := repository.NewSeedRepository(pool)
	engagementRepo := repository.NewEngagementRepository(pool)
	audienceRepo := repository.NewAudienceRepository(pool)
	reputationRepo := repository.NewReputationRepository(pool)

	// 6. Шина событий: Redis pub/sub между экземплярами или только локальная
	localBus := events.NewLocalBus(logger)
	defer localBus.Close()

	var bus events.Bus = localBus
	var redisBus *events.RedisBus
	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("Некорректный RM_REDIS_URL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		redisClient := goredis.NewClient(redisOpts)
		defer redisClient.Close()

		redisBus = events.NewRedisBus(redisClient, cfg.RedisChannel, localBus, logger)
		if err := redisBus.Start(ctx); err != nil {
			logger.Error("Ошибка подписки на Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		bus = redisBus
		logger.Info("Шина событий: Redis", slog.String("channel", cfg.RedisChannel))
	} else {
		logger.Info("Шина событий: локальная (RM_REDIS_URL не задан)")
	}

	// 7. Services
	seedSvc := service.NewSeedService(seedRepo, audienceRepo, cfg.SeedAudienceCap, cfg.SeedMinAffinity, logger)
	visibilitySvc := service.NewVisibilityService(
		postRepo, stateRepo, engagementRepo, seedSvc, bus,
		cfg.Policy, cfg.CASMaxRetries,
		logger,
	)
	reputationCache := service.NewReputationCache(reputationRepo, cfg.ReputationCacheSize, cfg.ReputationCacheTTL)
	trendingSvc := service.NewTrendingService(stateRepo, reputationCache, service.GateConfig{
		EVMin:        cfg.TrendingEVMin,
		CreatorMin:   cfg.TrendingCreatorMin,
		VerifiedOnly: cfg.TrendingVerifiedOnly,
	}, logger)

	// 8. Фоновый пересчёт видимости
	sweepSvc := service.NewSweepService(
		stateRepo, visibilitySvc, trendingSvc, bus,
		cfg.SweepInterval, cfg.SweepConcurrency, cfg.SweepPageSize, cfg.TrendingSnapshotLimit,
		logger,
	)
	sweepSvc.Start(ctx)

	// 9. Приём событий площадки из Kafka (опционально)
	var consumer *ingest.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err = ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, "reach-module", logger)
		if err != nil {
			logger.Error("Ошибка создания Kafka consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}
		ingest.NewHandlers(visibilitySvc, seedSvc, reputationCache, logger).Register(consumer)
		consumer.Start(ctx)
	} else {
		logger.Info("Приём событий Kafka отключён (RM_KAFKA_BROKERS не задан)")
	}

	// 10. topologymetrics — мониторинг зависимостей (PostgreSQL)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"reach-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 11. Health + API handlers
	var redisChecker handlers.ReadinessChecker
	if redisBus != nil {
		redisChecker = redisBus
	}
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), redisChecker)
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		visibilitySvc,
		seedSvc,
		trendingSvc,
		bus,
		cfg.RecomputeOnRead,
		logger,
	)

	// 12. HTTP-сервер (блокирующий вызов до сигнала завершения)
	srv := server.New(cfg, logger, apiHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	stop()

	if consumer != nil {
		consumer.Stop()
	}
	sweepSvc.Stop()
	if redisBus != nil {
		redisBus.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Reach Module остановлен")
}
