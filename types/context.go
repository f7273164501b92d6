package types

import "context"

// AuthContext carries the identity established by the admission chain.
// It is created fresh for every request and never persisted; treat it as
// immutable once attached to the request context.
type AuthContext struct {
	Subject     string         `json:"subject"`
	OrgID       string         `json:"org_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"`
	Scopes      []string       `json:"scopes"`
	Claims      map[string]any `json:"-"`
}

// HasScope reports whether the exact scope is present.
func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Identity returns the rate-limit identity key for this caller.
func (a *AuthContext) Identity() string {
	return a.OrgID + "|" + a.WorkspaceID + "|" + a.Subject
}

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyAuthContext contextKey = "auth_context"
	keyRequestID   contextKey = "request_id"
)

// WithAuthContext attaches the authenticated identity to the context.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, keyAuthContext, ac)
}

// AuthFromContext extracts the authenticated identity from the context.
func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	v, ok := ctx.Value(keyAuthContext).(*AuthContext)
	return v, ok && v != nil
}

// WithRequestID adds the request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}
