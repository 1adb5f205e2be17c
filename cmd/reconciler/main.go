package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edupay/payment-gateway/internal/config"
	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/queue"
	"github.com/edupay/payment-gateway/internal/reconcile"
	"github.com/edupay/payment-gateway/internal/repository"
	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/edupay/payment-gateway/pkg/pg"
	"github.com/edupay/payment-gateway/pkg/prom"
	"github.com/edupay/payment-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	hostname, _ := os.Hostname()
	if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed to init metrics", "error", err)
	}
	if config.Get().AppDebugMetricsAddr != "" {
		go prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
	}

	gw, err := gateway.NewClient(&gateway.Config{
		BaseURL:    config.Get().GatewayBaseURL,
		MerchantID: config.Get().GatewayMerchantID,
		Secret:     config.Get().GatewaySecret,
		Timeout:    config.Get().GatewayTimeout,
	})
	if err != nil {
		logger.Error("failed creating gateway client", "error", err)
		return
	}

	settledQ, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:          config.Get().SettledEventStream,
		ConsumerGroup: config.Get().QueueConsumerGroup,
		MaxLen:        config.Get().QueueMaxLen,
	})
	if err != nil {
		logger.Error("failed creating settled event stream", "error", err)
		return
	}

	paymentRepo := repository.NewPaymentRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	engine := reconcile.NewEngine(paymentRepo, transactionRepo, db, gw, settledQ)
	guard := reconcile.NewRecheckGuard(redisAdap, reconcile.DefaultGuardConfig())

	sweeper, err := reconcile.NewSweeper(engine, transactionRepo, guard, redisAdap, reconcile.SweeperConfig{
		Interval:  config.Get().SweepInterval,
		StaleAge:  config.Get().SweepStaleAge,
		BatchSize: config.Get().SweepBatchSize,
		Consumers: config.Get().SweepConsumers,
		Workers:   config.Get().SweepWorkers,
		Queue: queue.QueueConfig{
			Name:              config.Get().QueueName,
			ConsumerGroup:     config.Get().QueueConsumerGroup,
			ConsumerName:      config.Get().QueueConsumerName,
			MaxRetries:        config.Get().QueueMaxRetries,
			VisibilityTimeout: config.Get().QueueVisibilityTimeout,
			PollInterval:      config.Get().QueuePollInterval,
			BatchSize:         config.Get().QueueBatchSize,
			MaxLen:            config.Get().QueueMaxLen,
			EnableDLQ:         config.Get().QueueEnableDLQ,
		},
	})
	if err != nil {
		logger.Error("failed creating sweeper", "error", err)
		return
	}

	if err := sweeper.Start(); err != nil {
		logger.Error("failed starting sweeper", "error", err)
		return
	}
	logger.Info("reconciler running", "version", version)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

loop:
	for {
		select {
		case <-statsTicker.C:
			m := engine.Metrics().Snapshot()
			logger.Info("reconciler stats",
				"applied", m.Applied,
				"duplicates", m.Duplicates,
				"conflicts", m.Conflicts,
				"still_pending", m.StillPending,
				"swept_jobs", m.SweptJobs,
				"gateway_success_rate", gw.Metrics().SuccessRate(),
			)
		case <-c:
			break loop
		}
	}

	sweeper.Stop(30 * time.Second)
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
