package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/counselbridge/case-chat-service/internal/config"
	registryattach "github.com/counselbridge/case-chat-service/internal/registry/attach"
	registrycache "github.com/counselbridge/case-chat-service/internal/registry/cache"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/counselbridge/case-chat-service/internal/plugin/attach/dbstore"
	_ "github.com/counselbridge/case-chat-service/internal/plugin/attach/s3store"
	_ "github.com/counselbridge/case-chat-service/internal/plugin/cache/noop"
	_ "github.com/counselbridge/case-chat-service/internal/plugin/cache/redis"
	_ "github.com/counselbridge/case-chat-service/internal/plugin/route/system"
	_ "github.com/counselbridge/case-chat-service/internal/plugin/store/gormstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the case chat HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	viewerCacheTTLSecs := int64(cfg.ViewerCacheTTL / time.Second)
	downloadURLExpirySecs := int64(cfg.AttachmentDownloadURLExpiresIn / time.Second)
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Run mode (prod|testing); testing accepts the X-Identity-Token header in place of a bearer token",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files; defaults to OS temp directory",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes (multipart uploads are limited per file instead)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CASE_CHAT_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests during shutdown",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── CORS ──────────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling on the main listener",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins; empty allows any origin",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CASE_CHAT_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CASE_CHAT_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CASE_CHAT_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CASE_CHAT_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations during startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CASE_CHAT_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CASE_CHAT_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CASE_CHAT_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CASE_CHAT_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.Int64Flag{
			Name:     "viewer-cache-ttl-seconds",
			Category: "Cache:",
			Sources:  cli.EnvVars("CASE_CHAT_VIEWER_CACHE_TTL_SECONDS"),
			Value:    viewerCacheTTLSecs,
			Usage:    "Seconds a resolved viewer identity stays cached",
			Action: func(_ context.Context, _ *cli.Command, v int64) error {
				cfg.ViewerCacheTTL = time.Duration(v) * time.Second
				return nil
			},
		},

		// ── Attachment Storage ────────────────────────────────────
		&cli.StringFlag{
			Name:        "attachments-kind",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_KIND"),
			Destination: &cfg.AttachType,
			Value:       cfg.AttachType,
			Usage:       "Attachment store (" + strings.Join(registryattach.Names(), "|") + ")",
		},
		&cli.Int64Flag{
			Name:        "attachments-max-size",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_MAX_SIZE"),
			Destination: &cfg.AttachmentMaxSize,
			Value:       cfg.AttachmentMaxSize,
			Usage:       "Maximum attachment file size in bytes",
		},
		&cli.StringFlag{
			Name:        "attachments-signing-keys",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_SIGNING_KEYS"),
			Destination: &cfg.AttachmentSigningKeys,
			Usage:       "Comma-separated keys for signed download tokens; first signs, the rest verify only",
		},
		&cli.Int64Flag{
			Name:     "attachments-download-url-expires-seconds",
			Category: "Attachment Storage:",
			Sources:  cli.EnvVars("CASE_CHAT_ATTACHMENTS_DOWNLOAD_URL_EXPIRES_SECONDS"),
			Value:    downloadURLExpirySecs,
			Usage:    "Seconds a generated download URL stays valid",
			Action: func(_ context.Context, _ *cli.Command, v int64) error {
				cfg.AttachmentDownloadURLExpiresIn = time.Duration(v) * time.Second
				return nil
			},
		},
		&cli.StringFlag{
			Name:        "attachments-s3-bucket",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for attachments",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-prefix",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix for attachment objects",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-use-path-style",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-direct-download",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_S3_DIRECT_DOWNLOAD"),
			Destination: &cfg.S3DirectDownload,
			Value:       cfg.S3DirectDownload,
			Usage:       "Redirect downloads to presigned S3 URLs instead of proxying through the service",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-external-endpoint",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CASE_CHAT_ATTACHMENTS_S3_EXTERNAL_ENDPOINT"),
			Destination: &cfg.S3ExternalEndpoint,
			Usage:       "Externally reachable S3 endpoint substituted into presigned URLs",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CASE_CHAT_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CASE_CHAT_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CASE_CHAT_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=case-chat-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isStreamingRequest reports whether the request is a multipart attachment
// upload, which enforces its own per-file size limit while streaming.
func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodPost {
		return false
	}
	path := req.URL.Path
	if !strings.HasPrefix(path, "/v1/conversations/") || !strings.HasSuffix(path, "/attachments") {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
