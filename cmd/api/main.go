package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edupay/payment-gateway/internal/config"
	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/handlers"
	"github.com/edupay/payment-gateway/internal/queue"
	"github.com/edupay/payment-gateway/internal/reconcile"
	"github.com/edupay/payment-gateway/internal/repository"
	"github.com/edupay/payment-gateway/internal/services"
	xhttp "github.com/edupay/payment-gateway/pkg/http"
	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/edupay/payment-gateway/pkg/pg"
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

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 10))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

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

	settledQ, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:          config.Get().SettledEventStream,
		ConsumerGroup: config.Get().QueueConsumerGroup,
		MaxLen:        config.Get().QueueMaxLen,
	})
	if err != nil {
		logger.Error("failed creating settled event stream", "error", err)
		return
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

	paymentRepo := repository.NewPaymentRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)

	// services
	paymentService := services.NewPaymentService(paymentRepo, transactionRepo, gw, services.InitiateOptions{
		CallbackURL: config.Get().GatewayCallbackURL,
		RedirectURL: config.Get().GatewayRedirectURL,
	})
	engine := reconcile.NewEngine(paymentRepo, transactionRepo, db, gw, settledQ)
	healthService := services.NewHealthService(db)

	// v1 handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService, engine)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("api listening", "addr", config.Get().HttpListenAddr, "version", version)
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
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
