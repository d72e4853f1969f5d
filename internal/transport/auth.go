package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

type claimsKey struct{}

// WithClaims stores verified claims in the context.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts verified claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// NewAuthenticator returns the authentication middleware for the configured
// identity mode. secret is only used in jwt mode.
func NewAuthenticator(cfg config.IdentityConfig, secret []byte) (func(http.Handler) http.Handler, error) {
	switch cfg.Mode {
	case config.IdentityModeJWT:
		if len(secret) == 0 {
			return nil, errors.New("identity: jwt mode requires a non-empty secret")
		}
		return JWTAuthenticator(cfg, secret), nil
	case config.IdentityModeHeader:
		return HeaderAuthenticator(cfg), nil
	default:
		return nil, errors.New("identity: unknown mode " + cfg.Mode)
	}
}

// JWTAuthenticator returns middleware that verifies HMAC-signed bearer
// tokens and stores the verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, secret []byte) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			if !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HeaderAuthenticator trusts an upstream gateway to supply the actor id and
// a comma-separated role list in plain headers. The values are stored as
// claims so BuildRequestContext treats both modes alike.
func HeaderAuthenticator(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(cfg.ActorHeader))
			if actor == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing "+cfg.ActorHeader+" header"))
				return
			}

			var roles []any
			for _, role := range strings.Split(r.Header.Get(cfg.RolesHeader), ",") {
				if role = strings.TrimSpace(role); role != "" {
					roles = append(roles, role)
				}
			}
			claims := map[string]any{
				cfg.SubjectClaim: actor,
				cfg.RolesClaim:   roles,
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Token could not be verified"
	default:
		return "Invalid token"
	}
}
