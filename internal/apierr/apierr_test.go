package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromClassifiesWrappedErrors(t *testing.T) {
	base := NotFound("threat actor not found")
	wrapped := fmt.Errorf("lookup: %w", base)

	assert.Same(t, base, From(wrapped))
	assert.Equal(t, CodeInternal, From(errors.New("boom")).Code)
}

func TestWriteEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   Code
	}{
		{"validation", Validation("Invalid search parameters", FieldError{Field: "q", Message: "required"}), http.StatusBadRequest, CodeValidation},
		{"unauthenticated", Unauthenticated("API key or bearer token required"), http.StatusUnauthorized, CodeAuthentication},
		{"forbidden", Forbidden("missing permission: admin"), http.StatusForbidden, CodeAuthorization},
		{"unavailable", Unavailable("search engine unavailable", errors.New("dial tcp")), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"internal", errors.New("secret detail"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Write(rec, "req-1", tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body["code"])
			assert.Equal(t, "req-1", body["requestId"])
			assert.NotEmpty(t, body["timestamp"])
			assert.NotContains(t, rec.Body.String(), "secret detail")
			assert.NotContains(t, body, "retryAfter")
		})
	}
}

func TestWriteRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, "req-2", RateLimited("Too many requests", 60))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	var body Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.RetryAfter)
	assert.EqualValues(t, 60, *body.RetryAfter)
}
