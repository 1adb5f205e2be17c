package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every env-sourced value used by the gateway binaries.
// Only this struct may be used to read configuration; no direct env
// access elsewhere.
type Config struct {
	AppEnv              string `env:"APP_ENV" default:"dev"`
	AppName             string `env:"APP_NAME" default:"payment_gateway"`
	AppDebug            bool   `env:"APP_DEBUG" default:"1"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI"`

	HttpListenAddr string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	GatewayBaseURL       string        `env:"GATEWAY_BASE_URL"`
	GatewayMerchantID    string        `env:"GATEWAY_MERCHANT_ID"`
	GatewaySecret        string        `env:"GATEWAY_SECRET"`
	GatewayTimeout       time.Duration `env:"GATEWAY_TIMEOUT" default:"5s"`
	GatewayCallbackURL   string        `env:"GATEWAY_CALLBACK_URL"`
	GatewayRedirectURL   string        `env:"GATEWAY_REDIRECT_URL"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" default:"5m"`
	SweepStaleAge  time.Duration `env:"SWEEP_STALE_AGE" default:"15m"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE" default:"100"`
	SweepConsumers int           `env:"SWEEP_CONSUMERS" default:"2"`
	SweepWorkers   int           `env:"SWEEP_WORKERS" default:"10"`

	QueueName              string        `env:"QUEUE_NAME" default:"payments:recheck"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP" default:"reconciler"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME" default:"reconciler"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES" default:"5"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" default:"30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE" default:"10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ" default:"1"`

	SettledEventStream string `env:"SETTLED_EVENT_STREAM" default:"payments:settled"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)
	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
