package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/counselbridge/case-chat-service/internal/config"
	"github.com/counselbridge/case-chat-service/internal/plugin/route/attachments"
	"github.com/counselbridge/case-chat-service/internal/plugin/route/conversations"
	"github.com/counselbridge/case-chat-service/internal/plugin/route/messages"
	routesystem "github.com/counselbridge/case-chat-service/internal/plugin/route/system"
	registryattach "github.com/counselbridge/case-chat-service/internal/registry/attach"
	registrycache "github.com/counselbridge/case-chat-service/internal/registry/cache"
	registrymigrate "github.com/counselbridge/case-chat-service/internal/registry/migrate"
	registryroute "github.com/counselbridge/case-chat-service/internal/registry/route"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/counselbridge/case-chat-service/internal/security"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ChatStore
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting case chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"attachments", cfg.AttachType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize the viewer cache and inject it into the context so store
	// loaders and middleware can read it.
	var viewerCache registrycache.ViewerCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if vc, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		viewerCache = vc
		ctx = registrycache.WithViewerCacheContext(ctx, viewerCache)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Initialize attachment store (optional).
	var attachStore registryattach.AttachmentStore
	if cfg.AttachType != "" {
		attachLoader, err := registryattach.Select(cfg.AttachType)
		if err != nil {
			log.Warn("Attachment store not available", "err", err)
		} else {
			attachStore, err = attachLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize attachment store", "err", err)
			}
		}
	}

	// Create shared auth and viewer resolution middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)
	viewerResolver := security.NewViewerResolver(store, viewerCache, cfg.ViewerCacheTTL)
	viewer := security.ViewerMiddleware(viewerResolver)

	// Mount case chat API routes
	conversations.MountRoutes(router, store, auth, viewer)
	messages.MountRoutes(router, store, auth, viewer)
	attachments.MountRoutes(router, store, attachStore, cfg, auth, viewer)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router so existing single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	// Start the single-port HTTP server
	running, err := StartSinglePortHTTP(ctx, cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
