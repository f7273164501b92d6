// Package admission implements the ordered request admission chain:
// authenticate, content policy, workspace context, authorization, rate
// limiting, and concurrency shedding. Every stage is an injectable
// service owning its own state; the chain never mutates a counter after
// an earlier stage has rejected.
package admission

import (
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/config"
	"github.com/neuroedge/neuromesh/types"
)

// Authenticator resolves a request to an AuthContext. Callers present
// either a verifiable signed bearer credential or an exact-match shared
// API key; API-key callers receive statically configured scopes.
type Authenticator struct {
	cfg        config.AuthConfig
	hmacSecret []byte
	rsaKey     *rsa.PublicKey
	parserOpts []jwt.ParserOption
	logger     *zap.Logger
}

// NewAuthenticator builds an authenticator from config. An RSA public
// key that fails to parse disables RS256 verification rather than
// failing startup, matching how the bearer path degrades elsewhere.
func NewAuthenticator(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Authenticator{
		cfg:        cfg,
		hmacSecret: []byte(cfg.JWTSecret),
		logger:     logger.With(zap.String("component", "authenticator")),
	}

	if cfg.JWTPublicKey != "" {
		block, _ := pem.Decode([]byte(cfg.JWTPublicKey))
		if block != nil {
			if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
				if k, ok := pub.(*rsa.PublicKey); ok {
					a.rsaKey = k
				}
			}
		}
		if a.rsaKey == nil {
			a.logger.Warn("failed to parse RSA public key, RS256 verification disabled")
		}
	}

	a.parserOpts = []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if cfg.Issuer != "" {
		a.parserOpts = append(a.parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		a.parserOpts = append(a.parserOpts, jwt.WithAudience(cfg.Audience))
	}

	return a
}

// Authenticate resolves the caller identity or returns an
// AUTHENTICATION error. Public-route bypass is the chain's concern, not
// the authenticator's.
func (a *Authenticator) Authenticate(r *http.Request) (*types.AuthContext, *types.Error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		if ac := a.matchAPIKey(key, r); ac != nil {
			return ac, nil
		}
		return nil, types.NewError(types.ErrAuthentication, "invalid API key").
			WithHTTPStatus(http.StatusUnauthorized)
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, types.NewError(types.ErrAuthentication, "missing credentials").
			WithHTTPStatus(http.StatusUnauthorized)
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.Parse(tokenStr, a.keyFunc, a.parserOpts...)
	if err != nil {
		a.logger.Debug("bearer validation failed", zap.Error(err))
		return nil, types.NewError(types.ErrAuthentication, "invalid or expired token").
			WithCause(err).WithHTTPStatus(http.StatusUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, types.NewError(types.ErrAuthentication, "invalid token claims").
			WithHTTPStatus(http.StatusUnauthorized)
	}

	ac := &types.AuthContext{
		Subject: claimString(claims, "sub"),
		Scopes:  parseScopes(claims),
		Claims:  claims,
	}
	// Resolution order: claim > request header > configured default.
	ac.OrgID = firstNonEmpty(
		claimString(claims, "org_id"), claimString(claims, "org"),
		r.Header.Get("X-Org-ID"), a.cfg.DefaultOrg)
	ac.WorkspaceID = firstNonEmpty(
		claimString(claims, "workspace_id"), claimString(claims, "workspace"),
		r.Header.Get("X-Workspace-ID"), a.cfg.DefaultWorkspace)
	ac.DeviceID = firstNonEmpty(claimString(claims, "device_id"), r.Header.Get("X-Device-ID"))

	return ac, nil
}

func (a *Authenticator) matchAPIKey(key string, r *http.Request) *types.AuthContext {
	for _, valid := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			scopes := make([]string, len(a.cfg.APIKeyScopes))
			copy(scopes, a.cfg.APIKeyScopes)
			return &types.AuthContext{
				Subject:     "api-key",
				OrgID:       firstNonEmpty(r.Header.Get("X-Org-ID"), a.cfg.DefaultOrg),
				WorkspaceID: firstNonEmpty(r.Header.Get("X-Workspace-ID"), a.cfg.DefaultWorkspace),
				DeviceID:    r.Header.Get("X-Device-ID"),
				Scopes:      scopes,
			}
		}
	}
	return nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case "HS256":
		if len(a.hmacSecret) == 0 {
			return nil, fmt.Errorf("HMAC secret not configured")
		}
		return a.hmacSecret, nil
	case "RS256":
		if a.rsaKey == nil {
			return nil, fmt.Errorf("RSA public key not configured")
		}
		return a.rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
	}
}

// parseScopes accepts a "scopes" or "scope" claim holding either an
// array or a space/comma-delimited string.
func parseScopes(claims jwt.MapClaims) []string {
	for _, key := range []string{"scopes", "scope"} {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		case string:
			fields := strings.FieldsFunc(v, func(r rune) bool {
				return r == ' ' || r == ','
			})
			out := make([]string, 0, len(fields))
			for _, f := range fields {
				if f != "" {
					out = append(out, f)
				}
			}
			return out
		}
	}
	return nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
