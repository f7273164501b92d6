package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/store"
)

// PolicyAction is what a matching rule does to the request.
type PolicyAction string

const (
	// PolicyReject blocks the request with 400.
	PolicyReject PolicyAction = "reject"
	// PolicyWarn logs the match and lets the request continue.
	PolicyWarn PolicyAction = "warn"
)

// PolicyRule is one content-policy rule. Pattern is matched
// case-insensitively against every string leaf of the request body.
type PolicyRule struct {
	ID       string       `json:"id"`
	Enabled  bool         `json:"enabled"`
	Category string       `json:"category"`
	Action   PolicyAction `json:"action"`
	Pattern  string       `json:"pattern"`
	Message  string       `json:"message"`
}

// PolicyDecision is the outcome of evaluating a request body.
type PolicyDecision struct {
	Blocked  bool     `json:"blocked"`
	RuleID   string   `json:"rule_id,omitempty"`
	Message  string   `json:"message,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

const policyStateKey = "policy_rules"

// policyState is the persisted shape: a single monotonic version
// counter (bumped on any upsert, not per rule) plus the rule list.
type policyState struct {
	Version int64        `json:"version"`
	Rules   []PolicyRule `json:"rules"`
}

// PolicyEngine owns the versioned rule store and evaluates request
// bodies against it.
type PolicyEngine struct {
	mu       sync.RWMutex
	state    policyState
	compiled map[string]*regexp.Regexp
	backing  store.StateStore
	logger   *zap.Logger
}

// NewPolicyEngine loads rules from the backing store, seeding the
// default doctrine set on first run.
func NewPolicyEngine(backing store.StateStore, logger *zap.Logger) (*PolicyEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &PolicyEngine{
		compiled: make(map[string]*regexp.Regexp),
		backing:  backing,
		logger:   logger.With(zap.String("component", "policy")),
	}

	ctx := context.Background()
	var st policyState
	err := store.GetKey(ctx, backing, policyStateKey, &st)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = policyState{Version: 1, Rules: defaultRules()}
		if err := store.SetKey(ctx, backing, policyStateKey, st); err != nil {
			return nil, fmt.Errorf("failed to seed policy rules: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load policy rules: %w", err)
	}

	e.state = st
	if err := e.recompile(); err != nil {
		return nil, err
	}

	e.logger.Info("policy engine ready",
		zap.Int64("version", st.Version),
		zap.Int("rules", len(st.Rules)),
	)
	return e, nil
}

// defaultRules is the doctrine seed set. Patterns follow the classic
// prompt-injection families.
func defaultRules() []PolicyRule {
	return []PolicyRule{
		{
			ID:       "injection-override",
			Enabled:  true,
			Category: "prompt-injection",
			Action:   PolicyReject,
			Pattern:  `ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`,
			Message:  "request matches an instruction-override pattern",
		},
		{
			ID:       "injection-disregard",
			Enabled:  true,
			Category: "prompt-injection",
			Action:   PolicyReject,
			Pattern:  `disregard\s+(all\s+)?(previous|prior|above|earlier)\s*(instructions?|prompts?|rules?)?`,
			Message:  "request matches an instruction-override pattern",
		},
		{
			ID:       "destructive-shell",
			Enabled:  true,
			Category: "unsafe-command",
			Action:   PolicyReject,
			Pattern:  `rm\s+-rf\s+/|mkfs\.|:\(\)\s*\{\s*:\|:`,
			Message:  "request contains a destructive shell command",
		},
		{
			ID:       "role-hijack",
			Enabled:  true,
			Category: "prompt-injection",
			Action:   PolicyWarn,
			Pattern:  `you\s+are\s+now\s+(a|an|the)\b`,
			Message:  "request attempts a role override",
		},
	}
}

// Version returns the current rule-store version.
func (e *PolicyEngine) Version() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Version
}

// Rules returns a copy of the rule list.
func (e *PolicyEngine) Rules() []PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PolicyRule, len(e.state.Rules))
	copy(out, e.state.Rules)
	return out
}

// Upsert inserts or replaces rules by ID and bumps the store version
// exactly once. The new version is returned.
func (e *PolicyEngine) Upsert(ctx context.Context, rules ...PolicyRule) (int64, error) {
	for _, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			return 0, fmt.Errorf("policy rule missing id")
		}
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			return 0, fmt.Errorf("invalid pattern for rule %s: %w", r.ID, err)
		}
		if r.Action != PolicyReject && r.Action != PolicyWarn {
			return 0, fmt.Errorf("invalid action %q for rule %s", r.Action, r.ID)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range rules {
		replaced := false
		for i := range e.state.Rules {
			if e.state.Rules[i].ID == r.ID {
				e.state.Rules[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			e.state.Rules = append(e.state.Rules, r)
		}
	}
	e.state.Version++

	if err := e.recompile(); err != nil {
		return 0, err
	}
	if err := store.SetKey(ctx, e.backing, policyStateKey, e.state); err != nil {
		return 0, fmt.Errorf("failed to persist policy rules: %w", err)
	}

	e.logger.Info("policy rules updated",
		zap.Int64("version", e.state.Version),
		zap.Int("count", len(rules)),
	)
	return e.state.Version, nil
}

// Evaluate scans every string leaf of an arbitrary JSON body. The first
// matching reject-rule blocks; warn-rules are collected and logged.
func (e *PolicyEngine) Evaluate(body []byte) PolicyDecision {
	if len(body) == 0 {
		return PolicyDecision{}
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Non-JSON bodies are scanned as one opaque string leaf.
		parsed = string(body)
	}

	leaves := collectStringLeaves(parsed, nil)
	if len(leaves) == 0 {
		return PolicyDecision{}
	}
	text := strings.Join(leaves, "\n")

	e.mu.RLock()
	defer e.mu.RUnlock()

	var decision PolicyDecision
	for _, rule := range e.state.Rules {
		if !rule.Enabled {
			continue
		}
		re, ok := e.compiled[rule.ID]
		if !ok || !re.MatchString(text) {
			continue
		}
		if rule.Action == PolicyReject {
			decision.Blocked = true
			decision.RuleID = rule.ID
			decision.Message = rule.Message
			return decision
		}
		decision.Warnings = append(decision.Warnings, rule.ID)
		e.logger.Warn("content policy warning",
			zap.String("rule_id", rule.ID),
			zap.String("category", rule.Category),
		)
	}
	return decision
}

// recompile rebuilds the pattern cache; callers hold the write lock.
func (e *PolicyEngine) recompile() error {
	compiled := make(map[string]*regexp.Regexp, len(e.state.Rules))
	for _, r := range e.state.Rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern for rule %s: %w", r.ID, err)
		}
		compiled[r.ID] = re
	}
	e.compiled = compiled
	return nil
}

// collectStringLeaves walks arbitrarily nested JSON and gathers every
// string leaf in a stable order (map keys sorted).
func collectStringLeaves(v any, acc []string) []string {
	switch t := v.(type) {
	case string:
		acc = append(acc, t)
	case []any:
		for _, item := range t {
			acc = collectStringLeaves(item, acc)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc = collectStringLeaves(t[k], acc)
		}
	}
	return acc
}
