package config

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory  = "memory"
	BackendBadger  = "badger"
	BackendSurreal = "surreal"
)

const devJWTSecret = "dmrelay-dev-secret-change-me"

// Provider is the read-only view of the configuration that the rest of the
// application depends on. Tests substitute their own implementation.
type Provider interface {
	GetServerAddr() string
	GetStoreBackend() string
	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
	GetBadgerPath() string
	GetJWTSecret() string
	GetJWTTTL() time.Duration
	GetAuthCookieName() string
	GetAuthCookieSecure() bool
	GetHeartbeatInterval() time.Duration
	GetHeartbeatTimeout() time.Duration
	GetSendBufferSize() int
	GetWriteTimeout() time.Duration
	GetMaxFrameBytes() int64
	GetEchoToSender() bool
	GetMetricsEnabled() bool
	GetCORSOrigins() []string
}

// Config holds all configuration for the application.
type Config struct {
	ServerAddr string

	StoreBackend     string
	DBUrl            string
	DBNs             string
	DBDb             string
	DBUser           string
	DBPass           string
	DBQueryTimeout   time.Duration
	DBExecuteTimeout time.Duration
	BadgerPath       string

	JWTSecret        string
	JWTTTL           time.Duration
	AuthCookieName   string
	AuthCookieSecure bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBufferSize    int
	WriteTimeout      time.Duration
	MaxFrameBytes     int64
	EchoToSender      bool

	MetricsEnabled bool
	CORSOrigins    []string
}

// Default returns a configuration with every default applied and no
// environment consulted.
func Default() *Config {
	return &Config{
		ServerAddr:        ":8080",
		StoreBackend:      BackendMemory,
		DBQueryTimeout:    5 * time.Second,
		DBExecuteTimeout:  10 * time.Second,
		BadgerPath:        "./data/badger",
		JWTSecret:         devJWTSecret,
		JWTTTL:            24 * time.Hour,
		AuthCookieName:    "token",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  75 * time.Second,
		SendBufferSize:    256,
		WriteTimeout:      10 * time.Second,
		MaxFrameBytes:     64 << 10,
		EchoToSender:      true,
		MetricsEnabled:    true,
		CORSOrigins:       []string{"http://localhost:5173"},
	}
}

// New loads configuration from a .env file, if present, and from environment
// variables. Unset or unparsable values keep their defaults.
func New() *Config {
	if err := godotenv.Load(); err != nil {
		// slog is not configured yet.
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := Default()
	cfg.ServerAddr = getString("SERVER_ADDR", cfg.ServerAddr)

	cfg.StoreBackend = strings.ToLower(getString("STORE_BACKEND", cfg.StoreBackend))
	cfg.DBUrl = os.Getenv("SURREAL_URL")
	cfg.DBNs = os.Getenv("SURREAL_NS")
	cfg.DBDb = os.Getenv("SURREAL_DB")
	cfg.DBUser = os.Getenv("SURREAL_USER")
	cfg.DBPass = os.Getenv("SURREAL_PASS")
	cfg.DBQueryTimeout = getDuration("DB_QUERY_TIMEOUT", cfg.DBQueryTimeout)
	cfg.DBExecuteTimeout = getDuration("DB_EXECUTE_TIMEOUT", cfg.DBExecuteTimeout)
	cfg.BadgerPath = getString("BADGER_PATH", cfg.BadgerPath)

	cfg.JWTSecret = getString("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTTTL = getDuration("JWT_TTL", cfg.JWTTTL)
	cfg.AuthCookieName = getString("AUTH_COOKIE_NAME", cfg.AuthCookieName)
	cfg.AuthCookieSecure = getBool("AUTH_COOKIE_SECURE", cfg.AuthCookieSecure)

	cfg.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = getDuration("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.SendBufferSize = getInt("SEND_BUFFER_SIZE", cfg.SendBufferSize)
	cfg.WriteTimeout = getDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.MaxFrameBytes = int64(getInt("MAX_FRAME_BYTES", int(cfg.MaxFrameBytes)))
	cfg.EchoToSender = getBool("ECHO_TO_SENDER", cfg.EchoToSender)

	cfg.MetricsEnabled = getBool("METRICS_ENABLED", cfg.MetricsEnabled)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	return cfg
}

// Validate reports configuration that the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory, BackendBadger:
	case BackendSurreal:
		if c.DBUrl == "" || c.DBNs == "" || c.DBDb == "" {
			errs = append(errs, errors.New("SURREAL_URL, SURREAL_NS and SURREAL_DB are required for the surreal backend"))
		}
	default:
		errs = append(errs, errors.New("STORE_BACKEND must be one of memory, badger, surreal"))
	}
	if c.StoreBackend != BackendMemory && c.JWTSecret == devJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set for persistent backends"))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, errors.New("HEARTBEAT_TIMEOUT must be greater than HEARTBEAT_INTERVAL"))
	}
	if c.SendBufferSize <= 0 {
		errs = append(errs, errors.New("SEND_BUFFER_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) GetServerAddr() string               { return c.ServerAddr }
func (c *Config) GetStoreBackend() string             { return c.StoreBackend }
func (c *Config) GetDBURL() string                    { return c.DBUrl }
func (c *Config) GetDBNs() string                     { return c.DBNs }
func (c *Config) GetDBDb() string                     { return c.DBDb }
func (c *Config) GetDBUser() string                   { return c.DBUser }
func (c *Config) GetDBPass() string                   { return c.DBPass }
func (c *Config) GetDBQueryTimeout() time.Duration    { return c.DBQueryTimeout }
func (c *Config) GetDBExecuteTimeout() time.Duration  { return c.DBExecuteTimeout }
func (c *Config) GetBadgerPath() string               { return c.BadgerPath }
func (c *Config) GetJWTSecret() string                { return c.JWTSecret }
func (c *Config) GetJWTTTL() time.Duration            { return c.JWTTTL }
func (c *Config) GetAuthCookieName() string           { return c.AuthCookieName }
func (c *Config) GetAuthCookieSecure() bool           { return c.AuthCookieSecure }
func (c *Config) GetHeartbeatInterval() time.Duration { return c.HeartbeatInterval }
func (c *Config) GetHeartbeatTimeout() time.Duration  { return c.HeartbeatTimeout }
func (c *Config) GetSendBufferSize() int              { return c.SendBufferSize }
func (c *Config) GetWriteTimeout() time.Duration      { return c.WriteTimeout }
func (c *Config) GetMaxFrameBytes() int64             { return c.MaxFrameBytes }
func (c *Config) GetEchoToSender() bool               { return c.EchoToSender }
func (c *Config) GetMetricsEnabled() bool             { return c.MetricsEnabled }
func (c *Config) GetCORSOrigins() []string            { return c.CORSOrigins }

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
