package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tickrelay service.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Feed    Feed          `yaml:"feed"`
	Gateway Gateway       `yaml:"gateway"`
	Trading TradingConfig `yaml:"trading"`
	Kafka   Kafka         `yaml:"kafka"`
}

// Storage holds paths for data persistence. An empty SQLitePath disables
// the order journal.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"` // 0 disables the gRPC health listener
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string   `yaml:"api_key"`
	APISecret       string   `yaml:"api_secret"`
	RequestToken    string   `yaml:"request_token"`
	BaseURL         string   `yaml:"base_url"`
	DataURL         string   `yaml:"data_url"`
	StreamURL       string   `yaml:"stream_url"`
	OAuthURL        string   `yaml:"oauth_url"`
	RedirectURI     string   `yaml:"redirect_uri"`
	Feed            string   `yaml:"feed"`
	CallTimeout     Duration `yaml:"call_timeout"`
	SessionTTL      Duration `yaml:"session_ttl"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger. When File is set, output is
// also written to a rotated log file.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Feed selects and tunes the market-data source.
type Feed struct {
	Mode         string   `yaml:"mode"` // "poll" or "stream"
	Interval     Duration `yaml:"interval"`
	MaxInFlight  int      `yaml:"max_in_flight"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// Gateway configures the client-facing WebSocket server.
type Gateway struct {
	SendBuffer         int      `yaml:"send_buffer"`
	MaxPendingOrders   int      `yaml:"max_pending_orders"`
	DefaultInstruments []string `yaml:"default_instruments"`
	DefaultExchange    string   `yaml:"default_exchange"`
	PingInterval       Duration `yaml:"ping_interval"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

// TradingConfig defines order-submission parameters.
type TradingConfig struct {
	PaperMode    bool     `yaml:"paper_mode"`
	MaxOrderQty  float64  `yaml:"max_order_qty"` // 0 = unlimited
	PaperCash    float64  `yaml:"paper_cash"`
	OrderTimeout Duration `yaml:"order_timeout"`
	HistoryLimit int      `yaml:"history_limit"`
}

// Kafka configures the optional order-event export. Empty Brokers disables
// it.
type Kafka struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "5s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration populated only from defaults and the
// environment. It is used when no config file exists.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_REQUEST_TOKEN"); v != "" {
		cfg.Alpaca.RequestToken = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}

	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing POLL_INTERVAL %q: %w", v, err)
		}
		cfg.Feed.Interval = Duration(d)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}

	// Standard Alpaca env vars take precedence over the names above.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}

	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Alpaca.OAuthURL == "" {
		cfg.Alpaca.OAuthURL = "https://api.alpaca.markets"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.CallTimeout == 0 {
		cfg.Alpaca.CallTimeout = Duration(10 * time.Second)
	}
	if cfg.Alpaca.SessionTTL == 0 {
		cfg.Alpaca.SessionTTL = Duration(24 * time.Hour)
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 200
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Feed.Mode == "" {
		cfg.Feed.Mode = "poll"
	}
	if cfg.Feed.Interval == 0 {
		cfg.Feed.Interval = Duration(5 * time.Second)
	}
	if cfg.Feed.MaxInFlight == 0 {
		cfg.Feed.MaxInFlight = 4
	}
	if cfg.Feed.FetchTimeout == 0 {
		cfg.Feed.FetchTimeout = cfg.Alpaca.CallTimeout
	}

	if cfg.Gateway.SendBuffer == 0 {
		cfg.Gateway.SendBuffer = 256
	}
	if cfg.Gateway.MaxPendingOrders == 0 {
		cfg.Gateway.MaxPendingOrders = 8
	}
	if cfg.Gateway.DefaultExchange == "" {
		cfg.Gateway.DefaultExchange = "US"
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = Duration(30 * time.Second)
	}
	if cfg.Gateway.WriteTimeout == 0 {
		cfg.Gateway.WriteTimeout = Duration(10 * time.Second)
	}

	if cfg.Trading.PaperCash == 0 {
		cfg.Trading.PaperCash = 100000
	}
	if cfg.Trading.OrderTimeout == 0 {
		cfg.Trading.OrderTimeout = Duration(15 * time.Second)
	}
	if cfg.Trading.HistoryLimit == 0 {
		cfg.Trading.HistoryLimit = 100
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "orders.events"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "tickrelay"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("grpc port out of range: %d", c.Server.GRPCPort)
	}

	switch c.Feed.Mode {
	case "poll", "stream":
	default:
		return fmt.Errorf("unknown feed mode %q (want poll or stream)", c.Feed.Mode)
	}
	if c.Feed.Interval.Std() <= 0 {
		return fmt.Errorf("feed interval must be positive")
	}
	if c.Feed.MaxInFlight < 1 {
		return fmt.Errorf("feed max_in_flight must be at least 1")
	}

	if !c.Trading.PaperMode && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("alpaca api_key and api_secret are required unless trading.paper_mode is set")
	}
	if c.Trading.MaxOrderQty < 0 {
		return fmt.Errorf("trading max_order_qty must not be negative")
	}

	if c.Gateway.SendBuffer < 1 {
		return fmt.Errorf("gateway send_buffer must be at least 1")
	}
	return nil
}

// UsesAlpaca reports whether the Alpaca upstream should be used instead of
// the in-memory simulator.
func (c *Config) UsesAlpaca() bool {
	return c.Alpaca.APIKey != "" && c.Alpaca.APISecret != ""
}
