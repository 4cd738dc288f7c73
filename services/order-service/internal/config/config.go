package config

import (
	"errors"
	"time"

	libconfig "github.com/techweb/outboxcdc/libs/config"
	"github.com/techweb/outboxcdc/libs/db"
	otelx "github.com/techweb/outboxcdc/libs/otel"
	"github.com/techweb/outboxcdc/libs/runtime"
)

type Config struct {
	App      App               `yaml:"app"`
	Log      runtime.LogConfig `yaml:"log"`
	Database db.Config         `yaml:"database"`
	Kafka    Kafka             `yaml:"kafka"`
	Redis    Redis             `yaml:"redis"`
	OTel     otelx.Config      `yaml:"otel"`
}

type App struct {
	ServiceName     string        `yaml:"service_name" env:"SERVICE_NAME" env-default:"order-service"`
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	GRPCPort        string        `yaml:"grpc_port" env:"GRPC_PORT" env-default:"9090"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type Kafka struct {
	Brokers           string        `yaml:"brokers" env:"KAFKA_BROKERS" env-description:"comma separated host:port list; empty disables the consumer"`
	ConfirmationTopic string        `yaml:"confirmation_topic" env:"KAFKA_CONFIRMATION_TOPIC" env-default:"outbox.event.Order"`
	GroupID           string        `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"order-consumer"`
	DLQTopic          string        `yaml:"dlq_topic" env:"KAFKA_DLQ_TOPIC"`
	RetryDelay        time.Duration `yaml:"retry_delay" env:"KAFKA_RETRY_DELAY" env-default:"5s"`
}

type Redis struct {
	Addr            string        `yaml:"addr" env:"REDIS_ADDR" env-description:"empty selects the in-process rate limiter"`
	Password        string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB              int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	RateLimit       int           `yaml:"rate_limit" env:"ORDER_RATE_LIMIT" env-default:"120"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"ORDER_RATE_LIMIT_WINDOW" env-default:"1m"`
	FailOpen        bool          `yaml:"fail_open" env:"ORDER_RATE_LIMIT_FAIL_OPEN" env-default:"true"`
}

func Load(path string) (Config, error) {
	var cfg Config
	if err := libconfig.Load(path, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = cfg.App.ServiceName
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if err := libconfig.Port("PORT", c.App.Port); err != nil {
		errs = append(errs, err)
	}
	if err := libconfig.Port("GRPC_PORT", c.App.GRPCPort); err != nil {
		errs = append(errs, err)
	}
	if err := libconfig.RequiredString("DATABASE_URL", c.Database.URL); err != nil {
		errs = append(errs, err)
	}
	if c.Kafka.Brokers != "" {
		if err := libconfig.RequiredString("KAFKA_CONFIRMATION_TOPIC", c.Kafka.ConfirmationTopic); err != nil {
			errs = append(errs, err)
		}
		if err := libconfig.RequiredString("KAFKA_GROUP_ID", c.Kafka.GroupID); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Redis.RateLimit <= 0 {
		errs = append(errs, errors.New("ORDER_RATE_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}
