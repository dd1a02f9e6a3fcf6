// Package config loads the YAML configuration for the network-server
// and gateway-bridge binaries, with environment-variable overrides for
// the values operators most often need to change per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
	Network  NetworkConfig  `yaml:"network"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// ServerConfig names the running process for logs and metrics labels.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DatabaseConfig points at the Postgres-backed Registry tier.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig points at the quick-access cache tier.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// NATSConfig configures the message bus used for both the
// gateway-bridge <-> network-server relay and the application
// integration's request-reply calls.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// LogConfig controls zerolog's global level and console/JSON output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig carries the protocol-engine parameters that are not
// hardcoded constants: the operator's NetID, timing, and the bounded
// defenses against registry pressure and counter desync.
type NetworkConfig struct {
	NetID string `yaml:"net_id"` // 3 bytes, hex-encoded, e.g. "0000a6"

	MaxFCntGap         uint32 `yaml:"max_fcnt_gap"`
	DevAddrMaxAttempts int    `yaml:"devaddr_max_attempts"`

	JoinDelay1 time.Duration `yaml:"join_delay1"`
	RxDelay2   time.Duration `yaml:"rx_delay2"`

	RX2Frequency  float64 `yaml:"rx2_frequency"`
	RX2DataRate   uint8   `yaml:"rx2_data_rate"`
	RX2CodingRate string  `yaml:"rx2_coding_rate"`

	ADR ADRConfig `yaml:"adr"`
}

// ADRConfig mirrors the MAC-command handler's margin-based ADR tuning
// knobs so they're operator-configurable rather than baked in.
type ADRConfig struct {
	MinDataRate uint8   `yaml:"min_data_rate"`
	MaxDataRate uint8   `yaml:"max_data_rate"`
	MinTxPower  uint8   `yaml:"min_tx_power"`
	MaxTxPower  uint8   `yaml:"max_tx_power"`
	TargetSNR   float64 `yaml:"target_snr"`
	MarginSNR   float64 `yaml:"margin_snr"`
	HistorySize int     `yaml:"history_size"`
}

// GatewayConfig configures the Semtech UDP packet-forwarder listener.
type GatewayConfig struct {
	UDPBind       string        `yaml:"udp_bind"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	PullAddrTTL   time.Duration `yaml:"pull_addr_ttl"`
}

// Load reads filename as YAML and applies environment overrides.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	return &cfg, nil
}

// applyEnvOverrides lets operators override the handful of settings
// that commonly differ between a laptop and a deployed environment
// without touching the YAML file.
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
	if netID := os.Getenv("NET_ID"); netID != "" {
		c.Network.NetID = netID
	}
}

// setDefaults fills in the values the core relies on when the YAML
// document leaves them at their zero value.
func (c *Config) setDefaults() {
	if c.Network.MaxFCntGap == 0 {
		c.Network.MaxFCntGap = 16384
	}
	if c.Network.DevAddrMaxAttempts == 0 {
		c.Network.DevAddrMaxAttempts = 8
	}
	if c.Network.JoinDelay1 == 0 {
		c.Network.JoinDelay1 = 5 * time.Second
	}
	if c.Network.RxDelay2 == 0 {
		c.Network.RxDelay2 = 2 * time.Second
	}
	if c.NATS.RequestTimeout == 0 {
		c.NATS.RequestTimeout = 5 * time.Second
	}
	if c.Gateway.PullAddrTTL == 0 {
		c.Gateway.PullAddrTTL = 5 * time.Minute
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = time.Minute
	}
	if c.Network.ADR.HistorySize == 0 {
		c.Network.ADR.HistorySize = 3
	}
	if c.Network.ADR.MaxDataRate == 0 {
		c.Network.ADR.MaxDataRate = 6
	}
	if c.Network.ADR.MaxTxPower == 0 {
		c.Network.ADR.MaxTxPower = 5
	}
	if c.Network.ADR.TargetSNR == 0 {
		c.Network.ADR.TargetSNR = -20
	}
	if c.Network.ADR.MarginSNR == 0 {
		c.Network.ADR.MarginSNR = 2.5
	}
}

// PrintConfigSummary logs the settings an operator cares about at
// startup, without dumping secrets like DSNs or passwords.
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== %s v%s ===\n", c.Server.Name, c.Server.Version)
	fmt.Printf("NetID: %s\n", c.Network.NetID)
	fmt.Printf("Max FCnt gap: %d\n", c.Network.MaxFCntGap)
	fmt.Printf("DevAddr allocation attempts: %d\n", c.Network.DevAddrMaxAttempts)
	fmt.Printf("RX2: %.1f MHz, DR%d, %s\n", c.Network.RX2Frequency, c.Network.RX2DataRate, c.Network.RX2CodingRate)
	fmt.Printf("Gateway UDP bind: %s\n", c.Gateway.UDPBind)
	fmt.Printf("NATS: %s\n", c.NATS.URL)
}
