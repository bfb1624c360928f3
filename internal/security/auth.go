package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/counselbridge/case-chat-service/internal/config"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyIdentityToken is the gin context key for the authenticated identity token.
	ContextKeyIdentityToken = "identityToken"
)

// TokenResolver resolves bearer tokens to identity tokens. It is initialized once
// at startup and shared by the HTTP middleware.
type TokenResolver struct {
	verifier    *oidc.IDTokenVerifier
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer // preserve the configured issuer for token validation
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// Discovery URL differs from issuer (e.g. internal Docker hostname vs external URL).
			// NewProvider fetches from its issuer arg, so pass the discovery URL there.
			// InsecureIssuerURLContext tells NewProvider to accept a mismatched issuer in the
			// discovery document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; treating bearer tokens as opaque identity tokens", "issuer", oidcIssuer, "err", err)
		} else {
			// When the discovery URL differs from the configured issuer, the provider stores the
			// discovery document's issuer (e.g. the internal hostname). Tokens are issued with the
			// external issuer (cfg.OIDCIssuer). Build the verifier with the expected external issuer
			// so token validation doesn't fail on issuer mismatch.
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	return &TokenResolver{
		verifier:    verifier,
		testingMode: cfg.Mode == config.ModeTesting,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
)

// Resolve resolves a bearer token into the caller's identity token.
// bearerToken is the raw token value (without the "Bearer " prefix).
// identityHeader is the value of the X-Identity-Token header (only used in testing mode).
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, identityHeader string) (string, error) {
	// X-Identity-Token header: only accepted in testing mode.
	if r.testingMode {
		if hdr := strings.TrimSpace(identityHeader); hdr != "" {
			return hdr, nil
		}
	}

	// If OIDC is configured and the token looks like a JWT (has dots), verify it.
	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return "", errors.Join(errInvalidJWT, err)
		}

		// Extract the identity token from JWT: prefer "preferred_username",
		// then "upn", then fall back to "sub".
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
			UPN               string `json:"upn"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", errors.Join(errInvalidJWT, err)
		}
		identity := claims.PreferredUsername
		if identity == "" {
			identity = claims.UPN
		}
		if identity == "" {
			identity = claims.Sub
		}
		if identity == "" {
			return "", errMissingIdentity
		}
		return identity, nil
	}

	// Opaque token mode: the token is the identity token directly.
	return bearerToken, nil
}

// GetIdentityToken returns the authenticated identity token from the gin context.
func GetIdentityToken(c *gin.Context) string {
	return c.GetString(ContextKeyIdentityToken)
}

// AuthMiddleware returns a gin middleware that extracts the caller's identity token
// from the Authorization header using the provided TokenResolver.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" && resolver.testingMode && strings.TrimSpace(c.GetHeader("X-Identity-Token")) != "" {
			// Testing mode allows header-only identity.
			auth = "Bearer -"
		}
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
			return
		}

		identity, err := resolver.Resolve(c.Request.Context(), token, c.GetHeader("X-Identity-Token"))
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if identity == "" {
			log.Info("Auth rejected: empty identity token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty bearer token"})
			return
		}

		c.Set(ContextKeyIdentityToken, identity)
		c.Next()
	}
}
