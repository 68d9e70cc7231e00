package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/fingerprint"
	"fieldsync/internal/logging"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Node        NodeConfig         `yaml:"node"`
	Store       StoreConfig        `yaml:"store"`
	Auth        AuthConfig         `yaml:"auth"`
	Sync        SyncConfig         `yaml:"sync"`
	Fingerprint fingerprint.Config `yaml:"fingerprint"`
	Merge       MergeConfig        `yaml:"merge"`
	WebSocket   WebSocketConfig    `yaml:"websocket"`
	Logging     logging.Config     `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Host string `yaml:"host"`
	Env  string `yaml:"env"`
}

type NodeConfig struct {
	ID string `yaml:"id"`
	// Role is "hub" or "edge". Empty means edge when an upstream is
	// configured, hub otherwise.
	Role string `yaml:"role"`
}

type StoreConfig struct {
	Driver     string      `yaml:"driver"` // sqlite, couch
	SQLitePath string      `yaml:"sqlite_path"`
	Couch      CouchConfig `yaml:"couch"`
}

type CouchConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

func (c CouchConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", c.User, c.Password, c.Host, c.Port)
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenExpiration time.Duration `yaml:"token_expiration"`
	// NodeCredentials maps node ids allowed to sync with this node to the
	// bcrypt hash of their secret.
	NodeCredentials map[string]string `yaml:"node_credentials"`
}

type SyncConfig struct {
	UpstreamURL    string        `yaml:"upstream_url"`
	UpstreamID     string        `yaml:"upstream_id"`
	UpstreamSecret string        `yaml:"upstream_secret"`
	Scopes         []string      `yaml:"scopes"`
	Interval       time.Duration `yaml:"interval"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	BatchSize      int           `yaml:"batch_size"`
	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	Compression    bool          `yaml:"compression"`
	Hints          bool          `yaml:"hints"`
}

type MergeConfig struct {
	TieBreak string `yaml:"tie_break"`
}

type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	WriteWait       time.Duration `yaml:"write_wait"`
	PongWait        time.Duration `yaml:"pong_wait"`
	PingPeriod      time.Duration `yaml:"ping_period"`
	MaxConnPerNode  int           `yaml:"max_conn_per_node"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
			Env:  "development",
		},
		Node: NodeConfig{
			ID: "hub",
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "fieldsync.db",
			Couch: CouchConfig{
				Host:     "localhost",
				Port:     "5984",
				User:     "admin",
				Password: "password",
				Name:     "fieldsync",
			},
		},
		Auth: AuthConfig{
			JWTSecret:       "dev-secret-change-in-production",
			TokenExpiration: 15 * time.Minute,
			NodeCredentials: map[string]string{},
		},
		Sync: SyncConfig{
			UpstreamID:    "hub",
			Interval:      time.Minute,
			ProbeInterval: 10 * time.Second,
			Timeout:       30 * time.Second,
			BatchSize:     200,
			BackoffMin:    2 * time.Second,
			BackoffMax:    5 * time.Minute,
			Hints:         true,
		},
		Fingerprint: fingerprint.DefaultConfig(),
		Merge: MergeConfig{
			TieBreak: string(domain.DefaultTieBreak),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			MaxMessageSize:  1 << 20,
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
			MaxConnPerNode:  2,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// at path, then the environment (and a .env file if present).
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Env = getEnv("ENV", c.Server.Env)

	c.Node.ID = getEnv("NODE_ID", c.Node.ID)
	c.Node.Role = getEnv("NODE_ROLE", c.Node.Role)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	c.Store.Couch.Host = getEnv("DB_HOST", c.Store.Couch.Host)
	c.Store.Couch.Port = getEnv("DB_PORT", c.Store.Couch.Port)
	c.Store.Couch.User = getEnv("DB_USER", c.Store.Couch.User)
	c.Store.Couch.Password = getEnv("DB_PASSWORD", c.Store.Couch.Password)
	c.Store.Couch.Name = getEnv("DB_NAME", c.Store.Couch.Name)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	if v := getEnv("NODE_CREDENTIALS", ""); v != "" {
		creds, err := parseCredentials(v)
		if err != nil {
			return err
		}
		c.Auth.NodeCredentials = creds
	}

	c.Sync.UpstreamURL = getEnv("UPSTREAM_URL", c.Sync.UpstreamURL)
	c.Sync.UpstreamID = getEnv("UPSTREAM_ID", c.Sync.UpstreamID)
	c.Sync.UpstreamSecret = getEnv("UPSTREAM_SECRET", c.Sync.UpstreamSecret)
	if v := getEnv("SYNC_SCOPES", ""); v != "" {
		c.Sync.Scopes = splitList(v)
	}
	c.Sync.BatchSize = getEnvAsInt("SYNC_BATCH_SIZE", c.Sync.BatchSize)
	c.Sync.Compression = getEnvAsBool("SYNC_COMPRESSION", c.Sync.Compression)
	c.Sync.Hints = getEnvAsBool("SYNC_HINTS", c.Sync.Hints)

	c.Merge.TieBreak = getEnv("MERGE_TIE_BREAK", c.Merge.TieBreak)

	c.WebSocket.ReadBufferSize = getEnvAsInt("WS_READ_BUFFER_SIZE", c.WebSocket.ReadBufferSize)
	c.WebSocket.WriteBufferSize = getEnvAsInt("WS_WRITE_BUFFER_SIZE", c.WebSocket.WriteBufferSize)
	c.WebSocket.MaxMessageSize = int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", int(c.WebSocket.MaxMessageSize)))
	c.WebSocket.MaxConnPerNode = getEnvAsInt("WS_MAX_CONN_PER_NODE", c.WebSocket.MaxConnPerNode)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JWT_EXPIRATION", &c.Auth.TokenExpiration},
		{"SYNC_INTERVAL", &c.Sync.Interval},
		{"SYNC_PROBE_INTERVAL", &c.Sync.ProbeInterval},
		{"SYNC_TIMEOUT", &c.Sync.Timeout},
		{"SYNC_BACKOFF_MIN", &c.Sync.BackoffMin},
		{"SYNC_BACKOFF_MAX", &c.Sync.BackoffMax},
		{"FINGERPRINT_TOLERANCE", &c.Fingerprint.Tolerance},
	}
	for _, d := range durations {
		if err := getEnvAsDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	if v := getEnv("FINGERPRINT_CELL_SIZE", ""); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FINGERPRINT_CELL_SIZE: %w", err)
		}
		c.Fingerprint.CellSize = f
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node id is required")
	}
	switch c.Store.Driver {
	case "sqlite", "couch":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := domain.ParseTieBreak(c.Merge.TieBreak); err != nil {
		return fmt.Errorf("invalid MERGE_TIE_BREAK: %w", err)
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 1000 {
		return fmt.Errorf("sync batch size must be between 1 and 1000, got %d", c.Sync.BatchSize)
	}
	if c.Sync.BackoffMin <= 0 || c.Sync.BackoffMax < c.Sync.BackoffMin {
		return errors.New("sync backoff bounds are invalid")
	}
	switch c.Node.Role {
	case "", "hub", "edge":
	default:
		return fmt.Errorf("unknown node role %q", c.Node.Role)
	}
	if c.IsEdge() {
		if c.Sync.UpstreamURL == "" {
			return errors.New("edge nodes need UPSTREAM_URL")
		}
		if c.Sync.UpstreamSecret == "" {
			return errors.New("edge nodes need UPSTREAM_SECRET")
		}
	}
	return nil
}

func (c *Config) IsEdge() bool {
	if c.Node.Role != "" {
		return c.Node.Role == "edge"
	}
	return c.Sync.UpstreamURL != ""
}

// Peers lists the nodes this node pushes its own changes to.
func (c *Config) Peers() []string {
	if c.IsEdge() {
		return []string{c.Sync.UpstreamID}
	}
	return nil
}

func (c *Config) TieBreak() domain.TieBreak {
	tb, err := domain.ParseTieBreak(c.Merge.TieBreak)
	if err != nil {
		return domain.DefaultTieBreak
	}
	return tb
}

// parseCredentials reads "id:hash,id:hash". Bcrypt hashes never contain ':'
// or ','.
func parseCredentials(v string) (map[string]string, error) {
	creds := make(map[string]string)
	for _, item := range splitList(v) {
		id, hash, ok := strings.Cut(item, ":")
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("invalid NODE_CREDENTIALS entry %q", item)
		}
		creds[id] = hash
	}
	return creds, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, dst *time.Duration) error {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
