package security

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/counselbridge/case-chat-service/internal/model"
	"github.com/counselbridge/case-chat-service/internal/registry/cache"
	"github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const (
	// ContextKeyViewer is the gin context key for the resolved viewer.
	ContextKeyViewer = "viewer"
)

// ViewerResolver resolves an identity token plus an optional role hint to the
// account the caller is acting as.
type ViewerResolver struct {
	store    store.ChatStore
	cache    cache.ViewerCache
	cacheTTL time.Duration
}

// NewViewerResolver creates a ViewerResolver backed by the given store.
// cache may be nil, in which case every resolution hits the store.
func NewViewerResolver(st store.ChatStore, vc cache.ViewerCache, cacheTTL time.Duration) *ViewerResolver {
	return &ViewerResolver{store: st, cache: vc, cacheTTL: cacheTTL}
}

// Resolve looks up both account types for the identity token and applies the
// role precedence rules:
//
//  1. hint is professional and a professional account exists
//  2. hint is client and a client account exists
//  3. a client account exists
//  4. a professional account exists
//  5. no account: NotFoundError for the caller's profile
//
// Unknown hints fall through to the default rules. Both lookups run
// concurrently and both complete before any rule is applied.
func (r *ViewerResolver) Resolve(ctx context.Context, identityToken string, hint model.Role) (*model.Viewer, error) {
	clientID, professionalID, err := r.lookupAccounts(ctx, identityToken)
	if err != nil {
		return nil, err
	}

	switch {
	case hint == model.RoleProfessional && professionalID != nil:
		return &model.Viewer{Role: model.RoleProfessional, AccountID: *professionalID, IdentityToken: identityToken}, nil
	case hint == model.RoleClient && clientID != nil:
		return &model.Viewer{Role: model.RoleClient, AccountID: *clientID, IdentityToken: identityToken}, nil
	case clientID != nil:
		return &model.Viewer{Role: model.RoleClient, AccountID: *clientID, IdentityToken: identityToken}, nil
	case professionalID != nil:
		return &model.Viewer{Role: model.RoleProfessional, AccountID: *professionalID, IdentityToken: identityToken}, nil
	default:
		return nil, &store.NotFoundError{Resource: "profile", ID: "viewer"}
	}
}

func (r *ViewerResolver) lookupAccounts(ctx context.Context, identityToken string) (clientID, professionalID *int64, err error) {
	if r.cache != nil && r.cache.Available() {
		cached, cacheErr := r.cache.Get(ctx, identityToken)
		switch {
		case cacheErr != nil:
			log.Debug("Viewer cache read failed", "err", cacheErr)
		case cached != nil:
			if ViewerCacheHits != nil {
				ViewerCacheHits.Inc()
			}
			return cached.ClientAccountID, cached.ProfessionalAccountID, nil
		default:
			if ViewerCacheMisses != nil {
				ViewerCacheMisses.Inc()
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		acct, err := r.store.GetClientAccountByIdentity(gctx, identityToken)
		if err != nil {
			return err
		}
		if acct != nil {
			clientID = &acct.ID
		}
		return nil
	})
	g.Go(func() error {
		acct, err := r.store.GetProfessionalAccountByIdentity(gctx, identityToken)
		if err != nil {
			return err
		}
		if acct != nil {
			professionalID = &acct.ID
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if r.cache != nil && r.cache.Available() {
		if err := r.cache.Set(ctx, identityToken, cache.CachedAccounts{
			ClientAccountID:       clientID,
			ProfessionalAccountID: professionalID,
		}, r.cacheTTL); err != nil {
			log.Debug("Viewer cache write failed", "err", err)
		}
	}
	return clientID, professionalID, nil
}

// GetViewer returns the resolved viewer from the gin context.
func GetViewer(c *gin.Context) model.Viewer {
	v, _ := c.Get(ContextKeyViewer)
	viewer, _ := v.(model.Viewer)
	return viewer
}

// RoleHint extracts the optional role hint from the request. The "role" query
// parameter takes precedence over the X-Role header.
func RoleHint(c *gin.Context) model.Role {
	if q := c.Query("role"); q != "" {
		return model.ParseRole(q)
	}
	return model.ParseRole(c.GetHeader("X-Role"))
}

// ViewerMiddleware resolves the authenticated identity token to a viewer and
// stores it in the gin context. Requests with no matching account are rejected
// with 404 before reaching any handler.
func ViewerMiddleware(resolver *ViewerResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := GetIdentityToken(c)
		viewer, err := resolver.Resolve(c.Request.Context(), identity, RoleHint(c))
		if err != nil {
			var notFound *store.NotFoundError
			if errors.As(err, &notFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no client or professional profile for caller"})
				return
			}
			log.Error("Viewer resolution failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.Set(ContextKeyViewer, *viewer)
		c.Next()
	}
}
