package app

import (
	"fmt"
	"strings"
	"time"

	"urna/cmd/internal/authority"
)

// Token store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	AuthorityURL       string
	AuthorityTimeout   time.Duration
	BlankSentinel      string
	SingleVoteEndpoint bool

	AuditConcurrency int
	AuditCacheSize   int

	TokenStore  string
	SQLitePath  string
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	DBMaxConnIdle    time.Duration
	DBConnectTimeout time.Duration

	// If true, /readyz returns 503 unless the token store is durable and reachable.
	ReadinessRequireDB bool

	// If true, URNA_TOKEN_SEAL_KEY must be set and valid before startup.
	RequireTokenSeal bool

	// If true, URNA_VOTER_KEY_SECRET must be set (>= 32 bytes) so voter keys are HMAC-derived.
	RequireVoterKeySecret bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("URNA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("URNA_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("URNA_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("URNA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("URNA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("URNA_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       EnvDuration("URNA_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("URNA_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   EnvCSV("URNA_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("URNA_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("URNA_CORS_MAX_AGE_SECONDS", 600),

		AuthorityURL:       EnvString("URNA_AUTHORITY_URL", authority.DefaultBaseURL),
		AuthorityTimeout:   EnvDuration("URNA_AUTHORITY_TIMEOUT", authority.DefaultTimeout),
		BlankSentinel:      EnvString("URNA_BLANK_SENTINEL", authority.BlankValue),
		SingleVoteEndpoint: EnvBool("URNA_SINGLE_VOTE_ENDPOINT", false),

		AuditConcurrency: EnvInt("URNA_AUDIT_CONCURRENCY", 4),
		AuditCacheSize:   EnvInt("URNA_AUDIT_CACHE_SIZE", 512),

		TokenStore:  strings.ToLower(EnvString("URNA_TOKEN_STORE", StoreMemory)),
		SQLitePath:  EnvString("URNA_SQLITE_PATH", "urna-tokens.db"),
		DatabaseURL: EnvString("URNA_DATABASE_URL", ""),
		DBSchema:    EnvString("URNA_DB_SCHEMA", "urna"),
		DBMaxConns:  EnvInt32("URNA_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("URNA_DB_MIN_CONNS", 0),

		DBMaxConnIdle:    EnvDuration("URNA_DB_MAX_CONN_IDLE", 5*time.Minute),
		DBConnectTimeout: EnvDuration("URNA_DB_CONNECT_TIMEOUT", 3*time.Second),

		ReadinessRequireDB: EnvBool("URNA_READINESS_REQUIRE_DB", false),
		RequireTokenSeal:   EnvBool("URNA_REQUIRE_TOKEN_SEAL", false),

		RequireVoterKeySecret: EnvBool("URNA_REQUIRE_VOTER_KEY_SECRET", false),
	}
}

// Validate rejects combinations New cannot start with.
func (c Config) Validate() error {
	switch c.TokenStore {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("config: URNA_SQLITE_PATH is required for the sqlite token store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("config: URNA_DATABASE_URL is required for the postgres token store")
		}
	default:
		return fmt.Errorf("config: unknown URNA_TOKEN_STORE %q", c.TokenStore)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown URNA_LOG_FORMAT %q", c.LogFormat)
	}
	if strings.TrimSpace(c.AuthorityURL) == "" {
		return fmt.Errorf("config: URNA_AUTHORITY_URL is required")
	}
	return nil
}
