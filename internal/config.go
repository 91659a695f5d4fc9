package internal

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Session store kinds
const (
	StoreCookie = "cookie"
	StoreSQL    = "sql"
	StoreRedis  = "redis"
)

// Authentication backends
const (
	BackendUpstream = "upstream"
	BackendFile     = "file"
)

// MinCookiePasswordLength mirrors the session sealer's requirement.
const MinCookiePasswordLength = 32

type Config struct {
	Env      string
	Port     int
	LogLevel string
	LogFile  string // Optional rotated JSON log file

	// Public paths
	BasePath string // Prefix the service is mounted under, e.g. "/kibana"
	AppRoot  string // Application root; the login page lives at BasePath+AppRoot+"/login"
	APIRoot  string // Unauthenticated requests under this prefix get 403, never a redirect

	// Sessions
	SessionTTL       time.Duration // 0 = sessions never expire
	SessionKeepAlive bool          // Extend expiry on every valid request
	SessionStore     string        // "cookie", "sql" or "redis"

	// Session cookie
	CookieName     string
	CookiePassword string
	CookieSecure   bool
	CookieTTL      time.Duration // 0 = browser-session cookie

	// Server-side session stores
	DatabaseDriver string // "pgx" or "sqlite"
	DatabaseURL    string
	RedisURL       string

	// Authentication backend
	AuthBackend          string // "upstream" or "file"
	UpstreamURL          string
	UpstreamAuthInfoPath string
	UpstreamTimeout      time.Duration
	UsersFile            string
	TokenSecret          string
	TokenTTL             time.Duration

	// Credential attempt limits (per client IP)
	LoginRateLimit  int
	LoginRateWindow time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),
		LogFile:  getEnv("LOG_FILE", ""),

		BasePath: normalizePrefix(getEnv("BASE_PATH", "")),
		AppRoot:  normalizePrefix(getEnv("APP_ROOT", "/app")),
		APIRoot:  normalizePrefix(getEnv("API_ROOT", "/api")),

		SessionTTL:       getEnvDuration("SESSION_TTL", 0),
		SessionKeepAlive: getEnvBool("SESSION_KEEPALIVE", true),
		SessionStore:     getEnv("SESSION_STORE", StoreCookie),

		CookieName:     getEnv("COOKIE_NAME", "guardpost_session"),
		CookiePassword: os.Getenv("COOKIE_PASSWORD"),
		CookieSecure:   getEnvBool("COOKIE_SECURE", true),
		CookieTTL:      getEnvDuration("COOKIE_TTL", 0),

		DatabaseDriver: getEnv("DATABASE_DRIVER", DriverPostgres),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),

		AuthBackend:          getEnv("AUTH_BACKEND", BackendUpstream),
		UpstreamURL:          getEnv("UPSTREAM_URL", "http://localhost:9200"),
		UpstreamAuthInfoPath: getEnv("UPSTREAM_AUTHINFO_PATH", "/_authinfo"),
		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		UsersFile:            getEnv("USERS_FILE", "users.yaml"),
		TokenSecret:          getEnv("TOKEN_SECRET", ""),
		TokenTTL:             getEnvDuration("TOKEN_TTL", 5*time.Minute),

		LoginRateLimit:  getEnvInt("LOGIN_RATE_LIMIT", 5),
		LoginRateWindow: getEnvDuration("LOGIN_RATE_WINDOW", 15*time.Minute),

		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) validate() error {
	// Required
	if len(c.CookiePassword) < MinCookiePasswordLength {
		return fmt.Errorf("COOKIE_PASSWORD is required and must be at least %d characters", MinCookiePasswordLength)
	}

	if c.SessionTTL < 0 || c.CookieTTL < 0 {
		return fmt.Errorf("SESSION_TTL and COOKIE_TTL must not be negative")
	}

	if c.AppRoot == "" {
		return fmt.Errorf("APP_ROOT must not be empty")
	}
	if c.APIRoot == "" {
		return fmt.Errorf("API_ROOT must not be empty")
	}

	if !c.IsDevelopment() && !c.CookieSecure {
		return fmt.Errorf("COOKIE_SECURE may only be disabled when ENV is 'development'")
	}

	// Validate session store configuration
	switch c.SessionStore {
	case StoreCookie:
	case StoreSQL:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_STORE is 'sql'")
		}
		if c.DatabaseDriver != DriverPostgres && c.DatabaseDriver != DriverSQLite {
			return fmt.Errorf("DATABASE_DRIVER must be either '%s' or '%s', got: %s", DriverPostgres, DriverSQLite, c.DatabaseDriver)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE is 'redis'")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be one of 'cookie', 'sql' or 'redis', got: %s", c.SessionStore)
	}

	// Validate upstream and backend configuration
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("UPSTREAM_URL must be an absolute URL, got: %s", c.UpstreamURL)
	}

	switch c.AuthBackend {
	case BackendUpstream:
	case BackendFile:
		if c.TokenSecret == "" {
			return fmt.Errorf("TOKEN_SECRET is required when AUTH_BACKEND is 'file'")
		}
	default:
		return fmt.Errorf("AUTH_BACKEND must be either 'upstream' or 'file', got: %s", c.AuthBackend)
	}

	if c.LoginRateLimit < 1 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must be at least 1")
	}
	if c.LoginRateWindow <= 0 {
		return fmt.Errorf("LOGIN_RATE_WINDOW must be positive, got %s", c.LoginRateWindow)
	}

	return nil
}

// normalizePrefix turns "app/", "/app/" and "/app" into "/app" and keeps "" empty.
func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
