package api

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatewayshift/orchestrator/pkg/authz"
)

// Request headers understood by the server.
const (
	HeaderPrincipal     = "X-User-Principal"
	HeaderTeam          = "X-User-Team"
	HeaderRole          = "X-User-Role"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Auth modes.
const (
	AuthHeader = "header"
	AuthJWT    = "jwt"
)

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	// Mode is "header" (trusted proxy sets X-User-*) or "jwt".
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=header jwt"`

	// PublicKeyPath is a PEM-encoded RSA public key for RS256 verification.
	// If empty in jwt mode, tokens are parsed without verification.
	PublicKeyPath string `mapstructure:"publicKeyPath"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`

	// Claim paths support dot-notation, e.g. "realm_access.roles".
	PrincipalClaim string `mapstructure:"principalClaim"`
	TeamClaim      string `mapstructure:"teamClaim"`
	RoleClaim      string `mapstructure:"roleClaim"`

	// AdminRole is the role value that grants administrator operations.
	AdminRole string `mapstructure:"adminRole"`

	// Authorizer is "none" or "sar" (Kubernetes SubjectAccessReview).
	Authorizer         string        `mapstructure:"authorizer" validate:"omitempty,oneof=none sar"`
	AuthorizerCacheTTL time.Duration `mapstructure:"authorizerCacheTTL"`
}

// DefaultAuthConfig returns header mode with the default claim names.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Mode:           AuthHeader,
		PrincipalClaim: "sub",
		TeamClaim:      "team",
		RoleClaim:      "roles",
		AdminRole:      "migration-admin",

		Authorizer:         "none",
		AuthorizerCacheTTL: authz.DefaultCacheTTL,
	}
}

// Identity is the authenticated caller of a request.
type Identity struct {
	Principal string
	Team      string
	Admin     bool
}

type identityCtxKey struct{}

type correlationCtxKey struct{}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext returns the request's identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok && id.Principal != ""
}

// CorrelationIDFromContext returns the request's correlation id.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationCtxKey{}).(string)
	return id
}

// CorrelationMiddleware reuses the caller's X-Correlation-ID or generates
// one, and echoes it on the response.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationCtxKey{}, id)))
	})
}

// IdentityMiddleware attaches the caller's Identity to the request context.
// Requests without credentials pass through anonymously; operations that
// need a caller refuse them. A bearer token that fails verification is
// refused outright.
func IdentityMiddleware(cfg AuthConfig, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultAuthConfig()
	if cfg.PrincipalClaim == "" {
		cfg.PrincipalClaim = def.PrincipalClaim
	}
	if cfg.TeamClaim == "" {
		cfg.TeamClaim = def.TeamClaim
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = def.RoleClaim
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = def.AdminRole
	}

	switch cfg.Mode {
	case AuthHeader, "":
		return headerIdentity(cfg), nil
	case AuthJWT:
	default:
		return nil, fmt.Errorf("unknown auth mode %q (expected header or jwt)", cfg.Mode)
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		key, err := loadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		publicKey = key
		logger.Info("jwt identity: using RS256 verification", "keyPath", cfg.PublicKeyPath)
	} else {
		logger.Warn("jwt identity: no public key configured, tokens parsed without verification (trusted proxy mode)")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := parseClaims(token, publicKey, cfg)
			if err != nil {
				logger.Debug("jwt rejected", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			id := Identity{
				Principal: claimString(claims, cfg.PrincipalClaim),
				Team:      claimString(claims, cfg.TeamClaim),
				Admin:     claimHas(claims, cfg.RoleClaim, cfg.AdminRole),
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}, nil
}

func headerIdentity(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{
				Principal: strings.TrimSpace(r.Header.Get(HeaderPrincipal)),
				Team:      strings.TrimSpace(r.Header.Get(HeaderTeam)),
			}
			for _, role := range strings.Split(r.Header.Get(HeaderRole), ",") {
				if strings.EqualFold(strings.TrimSpace(role), cfg.AdminRole) {
					id.Admin = true
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", path)
	}
	parsedKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	rsaKey, ok := parsedKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwt public key is not RSA (got %T)", parsedKey)
	}
	return rsaKey, nil
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func parseClaims(tokenString string, publicKey *rsa.PublicKey, cfg AuthConfig) (jwt.MapClaims, error) {
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var (
		token *jwt.Token
		err   error
	)
	if publicKey != nil {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		token, err = jwt.Parse(tokenString, func(*jwt.Token) (any, error) { return publicKey, nil }, opts...)
	} else {
		token, _, err = jwt.NewParser(opts...).ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}

func claimAt(claims jwt.MapClaims, path string) any {
	var current any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		if current, ok = m[part]; !ok {
			return nil
		}
	}
	return current
}

func claimString(claims jwt.MapClaims, path string) string {
	switch v := claimAt(claims, path).(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			s, _ := v[0].(string)
			return s
		}
	}
	return ""
}

// claimHas matches a string claim or any element of an array claim.
func claimHas(claims jwt.MapClaims, path, want string) bool {
	switch v := claimAt(claims, path).(type) {
	case string:
		return strings.EqualFold(v, want)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}
