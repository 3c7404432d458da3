package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

// Enabled reports whether a Postgres database is configured.
func (d Database) Enabled() bool {
	return d.Host != ""
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	Settlements string `mapstructure:"settlements"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Network struct {
	TestBaseURL         string `mapstructure:"test-base-url"`
	ProductionBaseURL   string `mapstructure:"production-base-url"`
	SystemName          string `mapstructure:"system-name"`
	SystemVersion       string `mapstructure:"system-version"`
	RequestTimeoutMs    int    `mapstructure:"request-timeout-ms"`
	TokenTimeoutMs      int    `mapstructure:"token-timeout-ms"`
	TokenSafetyMarginMs int    `mapstructure:"token-safety-margin-ms"`
	MaxAttempts         int    `mapstructure:"max-attempts"`
	BackoffBaseMs       int    `mapstructure:"backoff-base-ms"`
	BackoffFactor       int    `mapstructure:"backoff-factor"`
	FailureThreshold    int    `mapstructure:"failure-threshold"`
	CoolDownMs          int    `mapstructure:"cool-down-ms"`
}

type Webhook struct {
	TimestampToleranceSec int `mapstructure:"timestamp-tolerance-sec"`
	MaxBodyBytes          int `mapstructure:"max-body-bytes"`
}

type Guard struct {
	MaxRequests       int      `mapstructure:"max-requests"`
	WindowSec         int      `mapstructure:"window-sec"`
	AllowList         []string `mapstructure:"allow-list"`
	ReplayBackend     string   `mapstructure:"replay-backend"`
	ReplayHorizonSec  int      `mapstructure:"replay-horizon-sec"`
	JanitorIntervalMs int      `mapstructure:"janitor-interval-ms"`
}

type Timeouts struct {
	CustomerQRSec         int `mapstructure:"customer-qr-sec"`
	CustomerPhoneSec      int `mapstructure:"customer-phone-sec"`
	EcommerceSec          int `mapstructure:"ecommerce-sec"`
	ManualShopNumberSec   int `mapstructure:"manual-shop-number-sec"`
	ManualShopQRSec       int `mapstructure:"manual-shop-qr-sec"`
	ReconcileRetryDelayMs int `mapstructure:"reconcile-retry-delay-ms"`
	ReconcileMaxDelayMs   int `mapstructure:"reconcile-max-delay-ms"`
}

type Poller struct {
	Enabled           bool `mapstructure:"enabled"`
	PollingIntervalMs int  `mapstructure:"polling-interval-ms"`
	StaleAfterMs      int  `mapstructure:"stale-after-ms"`
	FetchSize         int  `mapstructure:"fetch-size"`
}

type Merchant struct {
	Environment          string `mapstructure:"environment"`
	MerchantSerialNumber string `mapstructure:"merchant-serial-number"`
	ClientID             string `mapstructure:"client-id"`
	ClientSecret         string `mapstructure:"client-secret"`
	SubscriptionKey      string `mapstructure:"subscription-key"`
	WebhookSharedSecret  string `mapstructure:"webhook-shared-secret"`
	WebhookID            string `mapstructure:"webhook-id"`
	ManualFlowsEnabled   bool   `mapstructure:"manual-flows-enabled"`
	PollingEnabled       bool   `mapstructure:"polling-enabled"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Server    Server     `mapstructure:"server"`
	Database  Database   `mapstructure:"database"`
	Redis     Redis      `mapstructure:"redis"`
	Kafka     Kafka      `mapstructure:"kafka"`
	Network   Network    `mapstructure:"network"`
	Webhook   Webhook    `mapstructure:"webhook"`
	Guard     Guard      `mapstructure:"guard"`
	Timeouts  Timeouts   `mapstructure:"timeouts"`
	Poller    Poller     `mapstructure:"poller"`
	Merchants []Merchant `mapstructure:"merchants"`
	Metrics   Metrics    `mapstructure:"metrics"`
	Logs      Logs       `mapstructure:"logs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("kafka.topic.settlements", "payment-settlements")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("network.test-base-url", "https://apitest.vipps.no")
	v.SetDefault("network.production-base-url", "https://api.vipps.no")
	v.SetDefault("network.system-name", "pushpay-service")
	v.SetDefault("network.system-version", "1.0.0")
	v.SetDefault("network.request-timeout-ms", 30_000)
	v.SetDefault("network.token-timeout-ms", 10_000)
	v.SetDefault("network.token-safety-margin-ms", 60_000)
	v.SetDefault("network.max-attempts", 3)
	v.SetDefault("network.backoff-base-ms", 500)
	v.SetDefault("network.backoff-factor", 2)
	v.SetDefault("network.failure-threshold", 5)
	v.SetDefault("network.cool-down-ms", 30_000)
	v.SetDefault("webhook.timestamp-tolerance-sec", 300)
	v.SetDefault("webhook.max-body-bytes", 64*1024)
	v.SetDefault("guard.max-requests", 10)
	v.SetDefault("guard.window-sec", 60)
	v.SetDefault("guard.replay-backend", "memory")
	v.SetDefault("guard.replay-horizon-sec", 24*60*60)
	v.SetDefault("guard.janitor-interval-ms", 60_000)
	v.SetDefault("timeouts.customer-qr-sec", 180)
	v.SetDefault("timeouts.customer-phone-sec", 180)
	v.SetDefault("timeouts.ecommerce-sec", 300)
	v.SetDefault("timeouts.manual-shop-number-sec", 600)
	v.SetDefault("timeouts.manual-shop-qr-sec", 600)
	v.SetDefault("timeouts.reconcile-retry-delay-ms", 15_000)
	v.SetDefault("timeouts.reconcile-max-delay-ms", 300_000)
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.polling-interval-ms", 10_000)
	v.SetDefault("poller.stale-after-ms", 30_000)
	v.SetDefault("poller.fetch-size", 100)
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("logs.level", "info")
}

func LoadConfig(path string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PUSHPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config from %s", path)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}

func (c *Config) Validate() error {
	if c.Guard.MaxRequests <= 0 {
		return errors.New("guard.max-requests must be positive")
	}
	if c.Guard.WindowSec <= 0 {
		return errors.New("guard.window-sec must be positive")
	}
	switch c.Guard.ReplayBackend {
	case "memory":
	case "postgres":
		if !c.Database.Enabled() {
			return errors.New("guard.replay-backend postgres requires database.host")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("guard.replay-backend redis requires redis.addr")
		}
	default:
		return errors.Errorf("unknown guard.replay-backend %q", c.Guard.ReplayBackend)
	}
	if c.Network.MaxAttempts <= 0 {
		return errors.New("network.max-attempts must be positive")
	}

	seen := make(map[string]struct{}, len(c.Merchants))
	for i, m := range c.Merchants {
		if m.MerchantSerialNumber == "" {
			return errors.Errorf("merchants[%d].merchant-serial-number is required", i)
		}
		if _, ok := seen[m.MerchantSerialNumber]; ok {
			return errors.Errorf("merchants[%d]: duplicate merchant serial number %s", i, m.MerchantSerialNumber)
		}
		seen[m.MerchantSerialNumber] = struct{}{}
		if m.WebhookSharedSecret == "" {
			return errors.Errorf("merchants[%d].webhook-shared-secret is required", i)
		}
	}

	return nil
}
