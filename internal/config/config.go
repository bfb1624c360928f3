package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the case chat service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-Identity-Token header is accepted in place of a bearer token.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres" or "sqlite"

	// Redis
	RedisURL string

	// Cache backend type
	CacheType string // "redis" or "none"

	// How long resolved viewer account ids stay cached.
	ViewerCacheTTL time.Duration

	// Attachment store type
	AttachType string // "db" or "s3"

	// Attachment behavior.
	AttachmentMaxSize              int64
	AttachmentDownloadURLExpiresIn time.Duration

	// AttachmentSigningKeys is a comma-separated list of keys for signed download
	// tokens. The first key signs new tokens; subsequent keys are legacy
	// (verification-only, for zero-downtime key rotation).
	AttachmentSigningKeys string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=case-chat-service".
	MetricsLabels string

	// S3
	S3Bucket           string
	S3Prefix           string
	S3DirectDownload   bool
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or CASE_CHAT_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	// Disabled by default to suppress high-frequency probe noise from the access log.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                           ModeProd,
		DatastoreType:                  "postgres",
		DatastoreMigrateAtStart:        true,
		CacheType:                      "none",
		ViewerCacheTTL:                 5 * time.Minute,
		AttachType:                     "db",
		AttachmentMaxSize:              20 * 1024 * 1024, // 20 MiB
		AttachmentDownloadURLExpiresIn: 5 * time.Minute,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:      40 * 1024 * 1024, // 2x attachment max-size
		DrainTimeout:     30,
		DBMaxOpenConns:   25,
		DBMaxIdleConns:   5,
		S3DirectDownload: true,
	}
}

// SigningKeys splits AttachmentSigningKeys into the ordered key list.
// The first key is the signing key, the rest verify only.
func (c *Config) SigningKeys() [][]byte {
	if c == nil || strings.TrimSpace(c.AttachmentSigningKeys) == "" {
		return nil
	}
	var keys [][]byte
	for _, k := range strings.Split(c.AttachmentSigningKeys, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return keys
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
