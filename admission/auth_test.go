package admission

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:        "test-secret",
		APIKeys:          []string{"valid-key"},
		APIKeyScopes:     []string{"ai:chat", "exec:run"},
		DefaultOrg:       "default",
		DefaultWorkspace: "main",
	}
}

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticator_APIKey(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(), zap.NewNop())

	r := httptest.NewRequest("POST", "/chat", nil)
	r.Header.Set("X-API-Key", "valid-key")
	r.Header.Set("X-Org-ID", "acme")
	r.Header.Set("X-Workspace-ID", "research")

	ac, authErr := auth.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, "api-key", ac.Subject)
	assert.Equal(t, "acme", ac.OrgID)
	assert.Equal(t, "research", ac.WorkspaceID)
	assert.Equal(t, []string{"ai:chat", "exec:run"}, ac.Scopes)
}

func TestAuthenticator_APIKeyInvalid(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(), zap.NewNop())

	r := httptest.NewRequest("POST", "/chat", nil)
	r.Header.Set("X-API-Key", "wrong-key")

	_, authErr := auth.Authenticate(r)
	require.NotNil(t, authErr)
	assert.Equal(t, 401, authErr.HTTPStatus)
}

func TestAuthenticator_BearerHS256(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(), zap.NewNop())

	token := signedToken(t, "test-secret", jwt.MapClaims{
		"sub":          "alice",
		"org_id":       "acme",
		"workspace_id": "research",
		"scopes":       []any{"ai:infer", "training:write"},
	})

	r := httptest.NewRequest("POST", "/ai", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	ac, authErr := auth.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, "alice", ac.Subject)
	assert.Equal(t, "acme", ac.OrgID)
	assert.Equal(t, "research", ac.WorkspaceID)
	assert.Equal(t, []string{"ai:infer", "training:write"}, ac.Scopes)
}

func TestAuthenticator_BearerBadSignature(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(), zap.NewNop())

	token := signedToken(t, "other-secret", jwt.MapClaims{"sub": "alice"})
	r := httptest.NewRequest("POST", "/ai", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, authErr := auth.Authenticate(r)
	require.NotNil(t, authErr)
	assert.Equal(t, 401, authErr.HTTPStatus)
}

func TestAuthenticator_BearerExpired(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(), zap.NewNop())

	token := signedToken(t, "test-secret", jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	r := httptest.NewRequest("POST", "/ai", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, authErr := auth.Authenticate(r)
	require.NotNil(t, authErr)
}

func TestAuthenticator_MissingCredentials(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(), zap.NewNop())

	r := httptest.NewRequest("POST", "/chat", nil)
	_, authErr := auth.Authenticate(r)
	require.NotNil(t, authErr)
	assert.Equal(t, 401, authErr.HTTPStatus)
}

func TestAuthenticator_WorkspaceResolutionOrder(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(), zap.NewNop())

	// Claim wins over header; header wins over configured default.
	token := signedToken(t, "test-secret", jwt.MapClaims{
		"sub":    "alice",
		"org_id": "claim-org",
	})
	r := httptest.NewRequest("POST", "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("X-Org-ID", "header-org")
	r.Header.Set("X-Workspace-ID", "header-ws")

	ac, authErr := auth.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, "claim-org", ac.OrgID)
	assert.Equal(t, "header-ws", ac.WorkspaceID)

	// No claim, no header: configured defaults apply.
	r2 := httptest.NewRequest("POST", "/chat", nil)
	r2.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret", jwt.MapClaims{"sub": "bob"}))
	ac2, authErr := auth.Authenticate(r2)
	require.Nil(t, authErr)
	assert.Equal(t, "default", ac2.OrgID)
	assert.Equal(t, "main", ac2.WorkspaceID)
}

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   []string
	}{
		{"array claim", jwt.MapClaims{"scopes": []any{"a:b", "c:d"}}, []string{"a:b", "c:d"}},
		{"space delimited", jwt.MapClaims{"scope": "a:b c:d"}, []string{"a:b", "c:d"}},
		{"comma delimited", jwt.MapClaims{"scope": "a:b,c:d"}, []string{"a:b", "c:d"}},
		{"mixed delimiters", jwt.MapClaims{"scope": "a:b, c:d"}, []string{"a:b", "c:d"}},
		{"scopes preferred over scope", jwt.MapClaims{"scopes": []any{"x:y"}, "scope": "a:b"}, []string{"x:y"}},
		{"absent", jwt.MapClaims{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseScopes(tt.claims))
		})
	}
}

func TestAuthorized(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required string
		want     bool
	}{
		{"exact match", []string{"ai:infer"}, "ai:infer", true},
		{"no match", []string{"ai:chat"}, "ai:infer", false},
		{"universal wildcard", []string{"*"}, "training:write", true},
		{"admin wildcard", []string{"admin:*"}, "exec:run", true},
		{"domain wildcard", []string{"ai:*"}, "ai:infer", true},
		{"domain wildcard other domain", []string{"ai:*"}, "exec:run", false},
		{"empty required", nil, "", true},
		{"empty granted", nil, "ai:infer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Authorized(tt.granted, tt.required))
		})
	}
}
