package admission

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/types"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so the first argument runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// maxPolicyBodyBytes caps how much of a request body the content policy
// stage will buffer.
const maxPolicyBodyBytes = 1 << 20

// Authenticate resolves the caller and stores the AuthContext on the
// request context. Paths listed in publicGET pass through unauthenticated
// when the method is GET.
func Authenticate(auth *Authenticator, publicGET map[string]bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && publicGET[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ac, authErr := auth.Authenticate(r)
			if authErr != nil {
				writeError(w, r, authErr)
				return
			}
			next.ServeHTTP(w, r.WithContext(types.WithAuthContext(r.Context(), ac)))
		})
	}
}

// ContentPolicy buffers the request body, evaluates it against the rule
// store, and restores the body for downstream handlers. A matching
// reject-rule ends the request with 400 and the rule id.
func ContentPolicy(engine *PolicyEngine, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "policy"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyBodyBytes))
			r.Body.Close()
			if err != nil {
				writeError(w, r, types.NewError(types.ErrInvalidRequest, "failed to read request body").
					WithCause(err).WithHTTPStatus(http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			decision := engine.Evaluate(body)
			if decision.Blocked {
				log.Warn("request blocked by content policy",
					zap.String("rule_id", decision.RuleID),
					zap.String("path", r.URL.Path),
				)
				writeError(w, r, types.NewError(types.ErrPolicyViolation, decision.Message).
					WithRuleID(decision.RuleID).WithHTTPStatus(http.StatusBadRequest))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireWorkspace rejects requests whose resolved identity lacks an
// org or workspace.
func RequireWorkspace() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := types.AuthFromContext(r.Context())
			if !ok || ac.OrgID == "" || ac.WorkspaceID == "" {
				writeError(w, r, types.NewError(types.ErrMissingContext, "workspace context required").
					WithHTTPStatus(http.StatusBadRequest))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope rejects callers whose granted scopes do not satisfy the
// required scope for the route.
func RequireScope(required string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := types.AuthFromContext(r.Context())
			if !ok || !Authorized(ac.Scopes, required) {
				writeError(w, r, types.NewError(types.ErrForbidden, "insufficient scope").
					WithHTTPStatus(http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces the sliding window for a route class, keyed by the
// caller's org|workspace|subject identity. Rejections carry Retry-After.
func RateLimit(limiter *RateLimiter, routeClass string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := "anonymous"
			if ac, ok := types.AuthFromContext(r.Context()); ok {
				identity = ac.Identity()
			}

			decision := limiter.Allow(routeClass, identity)
			if !decision.Allowed {
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeError(w, r, types.NewError(types.ErrRateLimited, "rate limit exceeded").
					WithRetryable(true).WithRetryAfter(seconds).
					WithHTTPStatus(http.StatusTooManyRequests))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Inflight sheds requests over the per-class concurrency cap. The slot
// is released when the handler returns or the client disconnects,
// whichever comes first.
func Inflight(guard *InflightGuard, class string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := guard.Acquire(class)
			if !ok {
				writeError(w, r, types.NewError(types.ErrOverloaded, "server at capacity").
					WithRetryable(true).WithHTTPStatus(http.StatusServiceUnavailable))
				return
			}

			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-r.Context().Done():
					release()
				case <-done:
				}
			}()
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

// writeError renders the unified error envelope.
func writeError(w http.ResponseWriter, r *http.Request, apiErr *types.Error) {
	status := apiErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	requestID, _ := types.RequestIDFromContext(r.Context())
	body := map[string]any{
		"success":   false,
		"error":     apiErr,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if requestID != "" {
		body["request_id"] = requestID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
