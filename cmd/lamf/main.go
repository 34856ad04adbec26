package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	collateralapp "github.com/wyfcoding/lamf/internal/collateral/application"
	collateralmysql "github.com/wyfcoding/lamf/internal/collateral/infrastructure/persistence/mysql"
	collateralconsumer "github.com/wyfcoding/lamf/internal/collateral/interfaces/consumer"
	collateralhttp "github.com/wyfcoding/lamf/internal/collateral/interfaces/http"
	loanapp "github.com/wyfcoding/lamf/internal/loan/application"
	loanmysql "github.com/wyfcoding/lamf/internal/loan/infrastructure/persistence/mysql"
	loanhttp "github.com/wyfcoding/lamf/internal/loan/interfaces/http"
	originationapp "github.com/wyfcoding/lamf/internal/origination/application"
	originationmysql "github.com/wyfcoding/lamf/internal/origination/infrastructure/persistence/mysql"
	originationhttp "github.com/wyfcoding/lamf/internal/origination/interfaces/http"
	"github.com/wyfcoding/lamf/pkg/config"
	"github.com/wyfcoding/lamf/pkg/db"
	"github.com/wyfcoding/lamf/pkg/ids"
	"github.com/wyfcoding/lamf/pkg/logger"
	"github.com/wyfcoding/lamf/pkg/metrics"
	"github.com/wyfcoding/lamf/pkg/middleware"
	"github.com/wyfcoding/lamf/pkg/mq"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "配置文件路径")
	flag.Parse()

	// 1. 配置
	var cfg config.Config
	if err := config.Load(*configPath, &cfg); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. 日志
	if err := logger.Init(cfg.Logger); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info(ctx, "service starting",
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	// 3. 指标
	m := metrics.New(cfg.ServiceName)
	if cfg.Metrics.Enabled {
		go m.ExposeHTTP(cfg.Metrics.Port)
	}

	// 4. 数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init database", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&loanmysql.LoanModel{},
		&loanmysql.InstallmentModel{},
		&loanmysql.PaymentModel{},
		&collateralmysql.CollateralModel{},
		&collateralmysql.NavHistoryModel{},
		&originationmysql.ApplicationModel{},
		&originationmysql.StatusHistoryModel{},
		&originationmysql.ProductModel{},
	); err != nil {
		logger.Fatal(ctx, "failed to migrate database", "error", err)
	}

	// 5. Kafka（可选）
	var producer *mq.KafkaProducer
	if cfg.Kafka.Enabled {
		producer, err = mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			GroupID:      cfg.Kafka.GroupID,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			logger.Fatal(ctx, "failed to create kafka producer", "error", err)
		}
		defer producer.Close()
	}
	var publisher loanapp.EventPublisher
	if producer != nil {
		publisher = producer
	}

	// 6. 仓储与应用服务
	idGen := ids.NewSequence()
	slogger := logger.Get()

	loanRepo := loanmysql.NewLoanRepository(database.DB)
	collateralRepo := collateralmysql.NewCollateralRepository(database.DB)
	applicationRepo := originationmysql.NewApplicationRepository(database.DB)
	productRepo := originationmysql.NewProductRepository(database.DB)

	rates := originationapp.NewProductRateLookup(productRepo)
	loanService := loanapp.NewLoanService(loanRepo, rates, idGen, publisher,
		m, slogger, cfg.Kafka.EventTopicPrefix, cfg.Lending.NpaDays)
	collateralService := collateralapp.NewCollateralService(collateralRepo, loanService, idGen,
		m, slogger, decimal.NewFromFloat(cfg.Lending.MarginCallThreshold))
	applicationService := originationapp.NewApplicationService(applicationRepo, productRepo,
		collateralService, originationmysql.NewUnitOfWork(database.DB), idGen,
		m, slogger, cfg.Lending.ApplicationExpiryDays)

	// 7. HTTP
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinCORSMiddleware(),
		m.GinMiddleware(),
	)
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.QPS)
		router.Use(middleware.GinRateLimitMiddleware(limiter))
	}

	loanhttp.NewLoanHandler(loanService, collateralService).RegisterRoutes(router)
	collateralhttp.NewCollateralHandler(collateralService).RegisterRoutes(router)
	originationhttp.NewApplicationHandler(applicationService).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// 8. 定时任务
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Scheduler.OverdueSweepSpec, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := loanService.SweepOverdue(jobCtx); err != nil {
			logger.Error(jobCtx, "overdue sweep failed", "error", err)
		}
	}); err != nil {
		logger.Fatal(ctx, "invalid overdue sweep schedule", "error", err)
	}
	if _, err := scheduler.AddFunc(cfg.Scheduler.ApplicationExpirySpec, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := applicationService.ExpireStale(jobCtx); err != nil {
			logger.Error(jobCtx, "application expiry sweep failed", "error", err)
		}
	}); err != nil {
		logger.Fatal(ctx, "invalid application expiry schedule", "error", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(ctx, "http server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// 9. NAV 行情消费
	if cfg.Kafka.Enabled {
		consumer, err := mq.NewConsumer(mq.KafkaConfig{
			Brokers:        cfg.Kafka.Brokers,
			GroupID:        cfg.Kafka.GroupID,
			SessionTimeout: cfg.Kafka.SessionTimeout,
		}, cfg.Kafka.NavTopic)
		if err != nil {
			logger.Fatal(ctx, "failed to create kafka consumer", "error", err)
		}
		defer consumer.Close()

		dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetterTopic)
		handler := collateralconsumer.NewNavFeedHandler(collateralService)

		g.Go(func() error {
			return runNavFeed(ctx, consumer, handler, dlq)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatal(ctx, "service stopped with error", "error", err)
	}
	logger.Info(context.Background(), "service stopped")
}

// runNavFeed 消费 NAV 行情直至 ctx 取消。处理失败的消息送死信主题，不阻塞后续消费。
func runNavFeed(ctx context.Context, consumer *mq.KafkaConsumer, handler *collateralconsumer.NavFeedHandler, dlq *mq.DeadLetterQueue) error {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(ctx, "nav feed read failed", "error", err)
			continue
		}

		if err := handler.Handle(ctx, msg); err != nil {
			logger.Error(ctx, "nav feed message rejected",
				"offset", msg.Offset, "error", err)
			if dlqErr := dlq.Send(ctx, msg, "nav feed handling failed", err); dlqErr != nil {
				logger.Error(ctx, "dead letter publish failed", "error", dlqErr)
			}
		}
	}
}
