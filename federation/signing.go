// Package federation aggregates model updates from edge trainers into a
// shared global model.
package federation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/neuroedge/neuromesh/types"
)

// Signer authenticates update payloads with HMAC-SHA256 over a
// canonical serialization. With no key configured, verification fails
// closed unless allowUnsigned was set explicitly.
type Signer struct {
	key           []byte
	allowUnsigned bool
}

// NewSigner builds a signer. An empty key disables signing.
func NewSigner(key string, allowUnsigned bool) *Signer {
	return &Signer{key: []byte(key), allowUnsigned: allowUnsigned}
}

// Enabled reports whether a signing key is configured.
func (s *Signer) Enabled() bool { return len(s.key) > 0 }

// Sign returns the hex MAC of the payload's canonical form.
func (s *Signer) Sign(payload map[string]any) (string, *types.Error) {
	if !s.Enabled() {
		return "", types.NewError(types.ErrSigningDisabled, "no signing key configured").
			WithHTTPStatus(http.StatusBadRequest)
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", types.NewError(types.ErrMalformedUpdate, "payload cannot be canonicalized").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the signature against the payload's canonical form.
// The comparison is constant-time. Missing keys reject everything
// unless unsigned updates were explicitly allowed.
func (s *Signer) Verify(payload map[string]any, signature string) *types.Error {
	if !s.Enabled() {
		if s.allowUnsigned {
			return nil
		}
		return types.NewError(types.ErrSignatureInvalid, "updates rejected: no signing key configured").
			WithHTTPStatus(http.StatusUnauthorized)
	}

	expected, signErr := s.Sign(payload)
	if signErr != nil {
		return signErr
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return types.NewError(types.ErrSignatureInvalid, "signature mismatch").
			WithHTTPStatus(http.StatusUnauthorized)
	}
	return nil
}

// Canonicalize renders JSON-shaped data deterministically: object keys
// sorted, no insignificant whitespace, numbers in their shortest form.
// Both sides of the wire must agree byte-for-byte for the MAC to match.
func Canonicalize(v any) ([]byte, error) {
	var buf []byte
	if err := appendCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendCanonical(buf *[]byte, v any) error {
	switch t := v.(type) {
	case nil:
		*buf = append(*buf, "null"...)
	case bool:
		*buf = strconv.AppendBool(*buf, t)
	case string:
		encoded, err := json.Marshal(t)
		if err != nil {
			return err
		}
		*buf = append(*buf, encoded...)
	case float64:
		*buf = append(*buf, formatNumber(t)...)
	case int:
		*buf = strconv.AppendInt(*buf, int64(t), 10)
	case int64:
		*buf = strconv.AppendInt(*buf, t, 10)
	case json.Number:
		*buf = append(*buf, t.String()...)
	case []any:
		*buf = append(*buf, '[')
		for i, item := range t {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		*buf = append(*buf, ']')
	case []float64:
		*buf = append(*buf, '[')
		for i, item := range t {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			*buf = append(*buf, formatNumber(item)...)
		}
		*buf = append(*buf, ']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		*buf = append(*buf, '{')
		for i, k := range keys {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return err
			}
			*buf = append(*buf, encodedKey...)
			*buf = append(*buf, ':')
			if err := appendCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		*buf = append(*buf, '}')
	default:
		return fmt.Errorf("unsupported type %T in canonical form", v)
	}
	return nil
}

// formatNumber matches encoding/json's float rendering so a payload
// round-tripped through json.Unmarshal canonicalizes identically.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	encoded, _ := json.Marshal(f)
	return string(encoded)
}
