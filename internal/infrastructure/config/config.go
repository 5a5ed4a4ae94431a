package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Neo4J      Neo4JConfig      `mapstructure:"neo4j"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Health     HealthConfig     `mapstructure:"health"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig represents application-specific configuration
type AppConfig struct {
	Env            string  `mapstructure:"env"`
	LogLevel       string  `mapstructure:"log_level"`
	HTTPPort       int     `mapstructure:"http_port"`
	WorkerPoolSize int     `mapstructure:"worker_pool_size"`
	Network        string  `mapstructure:"network"`
	APIRateLimit   float64 `mapstructure:"api_rate_limit"` // requests per second per client, 0 disables
	APIRateBurst   int     `mapstructure:"api_rate_burst"`
}

// ChainParams returns the Bitcoin network parameters used to validate addresses
func (c *AppConfig) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// LedgerConfig represents the ledger API client configuration
type LedgerConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RequestDelay    time.Duration `mapstructure:"request_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxTransactions int           `mapstructure:"max_transactions"`
	PageSize        int           `mapstructure:"page_size"`
}

// MongoConfig represents the raw cache configuration
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	SetupDatabase  bool          `mapstructure:"setup_database"`
}

// Neo4JConfig represents Neo4J configuration
type Neo4JConfig struct {
	URI                          string        `mapstructure:"uri"`
	Username                     string        `mapstructure:"username"`
	Password                     string        `mapstructure:"password"`
	Database                     string        `mapstructure:"database"`
	ConnectTimeout               time.Duration `mapstructure:"connect_timeout"`
	MaxConnectionPoolSize        int           `mapstructure:"max_connection_pool_size"`
	ConnectionAcquisitionTimeout time.Duration `mapstructure:"connection_acquisition_timeout"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL                string        `mapstructure:"url"`
	SubjectPrefix      string        `mapstructure:"subject_prefix"`
	StreamName         string        `mapstructure:"stream_name"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	MaxPendingMessages int           `mapstructure:"max_pending_messages"`
	Enabled            bool          `mapstructure:"enabled"`
}

// CrawlerConfig represents the block crawler configuration
type CrawlerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	StartHeight    int64         `mapstructure:"start_height"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	BlockInterval  time.Duration `mapstructure:"block_interval"`
	Concurrency    int           `mapstructure:"concurrency"`
	IncludeMempool bool          `mapstructure:"include_mempool"`
}

// ClassifierConfig represents the wallet classifier configuration
type ClassifierConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	ScalerPath string        `mapstructure:"scaler_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WalletConfig represents the on-demand wallet path configuration
type WalletConfig struct {
	FreshnessTTL time.Duration `mapstructure:"freshness_ttl"`
	SyncTimeout  time.Duration `mapstructure:"sync_timeout"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from environment variables and files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/btc-wallet-intel")

	// Environment variables
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	// Map environment variables to nested config keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.http_port", 8080)
	viper.SetDefault("app.worker_pool_size", 4)
	viper.SetDefault("app.network", "mainnet")
	viper.SetDefault("app.api_rate_limit", 5)
	viper.SetDefault("app.api_rate_burst", 10)

	// Ledger defaults (Blockstream Esplora)
	viper.SetDefault("ledger.base_url", "https://blockstream.info/api/")
	viper.SetDefault("ledger.request_delay", "250ms")
	viper.SetDefault("ledger.request_timeout", "30s")
	viper.SetDefault("ledger.queue_size", 10000)
	viper.SetDefault("ledger.max_transactions", 20000)
	viper.SetDefault("ledger.page_size", 25)

	// Mongo defaults
	viper.SetDefault("mongo.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongo.database", "api_cache")
	viper.SetDefault("mongo.connect_timeout", "10s")
	viper.SetDefault("mongo.setup_database", false)

	// Neo4J defaults
	viper.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")
	viper.SetDefault("neo4j.connect_timeout", "10s")
	viper.SetDefault("neo4j.max_connection_pool_size", 50)
	viper.SetDefault("neo4j.connection_acquisition_timeout", "60s")

	// NATS defaults
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.subject_prefix", "wallets")
	viper.SetDefault("nats.stream_name", "")
	viper.SetDefault("nats.consumer_group", "btc-wallet-intel")
	viper.SetDefault("nats.connect_timeout", "10s")
	viper.SetDefault("nats.reconnect_attempts", 5)
	viper.SetDefault("nats.reconnect_delay", "2s")
	viper.SetDefault("nats.max_pending_messages", 10000)
	viper.SetDefault("nats.enabled", false)

	// Crawler defaults
	viper.SetDefault("crawler.enabled", false)
	viper.SetDefault("crawler.start_height", 0)
	viper.SetDefault("crawler.retry_backoff", "1s")
	viper.SetDefault("crawler.block_interval", "10m")
	viper.SetDefault("crawler.concurrency", 4)
	viper.SetDefault("crawler.include_mempool", false)

	// Classifier defaults
	viper.SetDefault("classifier.enabled", false)
	viper.SetDefault("classifier.endpoint", "http://localhost:8501/v1/classify")
	viper.SetDefault("classifier.scaler_path", "./models/scaler.json")
	viper.SetDefault("classifier.timeout", "5s")

	// Wallet defaults
	viper.SetDefault("wallet.freshness_ttl", "10m")
	viper.SetDefault("wallet.sync_timeout", "10m")

	// Health defaults
	viper.SetDefault("health.timeout", "5s")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)

	viper.BindEnv("nats.url", "NATS_URL")
	viper.BindEnv("mongo.uri", "MONGO_URI")
	viper.BindEnv("neo4j.uri", "NEO4J_URI")
}
