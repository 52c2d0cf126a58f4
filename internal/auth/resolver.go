// Package auth resolves the calling principal for inbound surface requests.
// Credentials are tried in a fixed cascade: bearer JWT, then API key, then
// trusted proxy headers. The first mechanism whose credential is present
// decides the outcome; there is no fallthrough past a presented credential.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
)

// Scope restricts which API key table a surface accepts.
type Scope string

const (
	ScopeWeb  Scope = "web"
	ScopeTool Scope = "tool"
)

// Auth methods recorded on resolved principals.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
	MethodProxy  = "proxy"
)

// Principal is the authenticated caller identity.
type Principal struct {
	UserID string
	Email  string
	Groups []string
	Method string
}

type issuerVerifier struct {
	cfg     config.JWTIssuer
	keys    keyfunc.Keyfunc
	options []jwt.ParserOption
}

// Resolver authenticates inbound requests against the configured
// mechanisms.
type Resolver struct {
	cfg     config.AuthConfig
	log     *logger.Logger
	issuers []*issuerVerifier
}

// NewResolver builds a Resolver. When JWT auth is enabled, each issuer's
// JWKS is fetched eagerly so a misconfigured endpoint fails at boot rather
// than on the first request.
func NewResolver(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) (*Resolver, error) {
	r := &Resolver{cfg: cfg, log: log}

	if !cfg.JWTEnabled {
		return r, nil
	}

	leeway := time.Duration(cfg.JWTLeewaySeconds) * time.Second
	for _, issuer := range cfg.JWTIssuers {
		keys, err := keyfunc.NewDefaultCtx(ctx, []string{issuer.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to load JWKS for issuer %s: %w", issuer.Issuer, err)
		}

		algorithms := issuer.Algorithms
		if len(algorithms) == 0 {
			algorithms = []string{"RS256"}
		}
		options := []jwt.ParserOption{
			jwt.WithValidMethods(algorithms),
			jwt.WithIssuer(issuer.Issuer),
			jwt.WithLeeway(leeway),
			jwt.WithExpirationRequired(),
		}
		if issuer.Audience != "" {
			options = append(options, jwt.WithAudience(issuer.Audience))
		}

		r.issuers = append(r.issuers, &issuerVerifier{
			cfg:     issuer,
			keys:    keys,
			options: options,
		})
	}

	return r, nil
}

// Resolve authenticates req for the given API key scope.
func (r *Resolver) Resolve(req *http.Request, scope Scope) (*Principal, error) {
	if r.cfg.JWTEnabled {
		if token, ok := bearerToken(req); ok {
			return r.resolveJWT(token)
		}
	}

	if r.cfg.APIKeysEnabled {
		if key := req.Header.Get("X-API-Key"); key != "" {
			return r.resolveAPIKey(key, scope)
		}
	}

	if r.cfg.TrustedProxyEnabled {
		if p := proxyPrincipal(req); p != nil {
			return p, nil
		}
	}

	return nil, errs.New(errs.KindUnauthorized, "no valid credentials provided")
}

// proxyPrincipal reads the identity headers an authenticating proxy sets:
// x-user-id, x-user-email, and x-user-groups (comma separated). The
// X-Forwarded-User / X-Forwarded-Email pair some proxies emit instead is
// accepted as a fallback.
func proxyPrincipal(req *http.Request) *Principal {
	user := req.Header.Get("x-user-id")
	email := req.Header.Get("x-user-email")
	if user == "" {
		user = req.Header.Get("X-Forwarded-User")
		if email == "" {
			email = req.Header.Get("X-Forwarded-Email")
		}
	}
	if user == "" {
		return nil
	}

	var groups []string
	for _, g := range strings.Split(req.Header.Get("x-user-groups"), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}

	return &Principal{
		UserID: user,
		Email:  email,
		Groups: groups,
		Method: MethodProxy,
	}
}

func bearerToken(req *http.Request) (string, bool) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// resolveJWT tries each configured issuer in order and accepts the first
// successful verification.
func (r *Resolver) resolveJWT(tokenString string) (*Principal, error) {
	var lastErr error
	for _, verifier := range r.issuers {
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, verifier.keys.Keyfunc, verifier.options...)
		if err != nil {
			lastErr = err
			continue
		}
		if !token.Valid {
			lastErr = fmt.Errorf("token rejected by issuer %s", verifier.cfg.Issuer)
			continue
		}

		subjectClaim := verifier.cfg.SubjectClaim
		if subjectClaim == "" {
			subjectClaim = "sub"
		}
		subject, _ := claims[subjectClaim].(string)
		if subject == "" {
			lastErr = fmt.Errorf("token from issuer %s has no %s claim", verifier.cfg.Issuer, subjectClaim)
			continue
		}

		email, _ := claims["email"].(string)
		return &Principal{UserID: subject, Email: email, Method: MethodJWT}, nil
	}

	if lastErr != nil {
		r.log.Debug("JWT verification failed", zap.Error(lastErr))
	}
	return nil, errs.New(errs.KindUnauthorized, "invalid bearer token")
}

// resolveAPIKey matches key against the scope's key table in constant time
// per candidate.
func (r *Resolver) resolveAPIKey(key string, scope Scope) (*Principal, error) {
	var table map[string]string
	switch scope {
	case ScopeTool:
		table = r.cfg.ToolAPIKeys
	default:
		table = r.cfg.WebAPIKeys
	}

	for candidate, principal := range table {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return &Principal{UserID: principal, Method: MethodAPIKey}, nil
		}
	}

	return nil, errs.New(errs.KindUnauthorized, "invalid API key")
}
