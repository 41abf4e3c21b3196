package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/concord/pkg/logger"
)

const secret = "test-secret"

func protected(scope string) http.Handler {
	h := RequireScope(scope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserID(r.Context())))
	}))
	return Auth(secret)(h)
}

func TestAuth(t *testing.T) {
	operator, err := IssueToken(secret, "ops@concord", []string{ScopeApprovalsWrite}, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "ops@concord", []string{ScopeApprovalsWrite}, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", "ops@concord", []string{ScopeApprovalsWrite}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		scope  string
		status int
	}{
		{"missing header", "", ScopeApprovalsWrite, http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", ScopeApprovalsWrite, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, ScopeApprovalsWrite, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, ScopeApprovalsWrite, http.StatusUnauthorized},
		{"missing scope", "Bearer " + operator, ScopeUsageRead, http.StatusForbidden},
		{"ok", "Bearer " + operator, ScopeApprovalsWrite, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected(tt.scope).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "ops@concord", rec.Body.String())
			} else {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Error(t, readErr)
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateChannel("webhook"))
	assert.NoError(t, ValidateChannel("crm_sync"))
	assert.Error(t, ValidateChannel("../etc"))
	assert.Error(t, ValidateChannel(""))

	assert.NoError(t, ValidateID("workflow", "0192f1c4-8a3e-7c1d-9b2a-3f4e5d6c7b8a"))
	assert.EqualError(t, ValidateID("workflow", "nope"), "invalid workflow ID format")

	req := httptest.NewRequest(http.MethodGet, "/?limit=500", nil)
	assert.Equal(t, 100, ParseLimit(req, 50, 100))
	req = httptest.NewRequest(http.MethodGet, "/?limit=x", nil)
	assert.Equal(t, 50, ParseLimit(req, 50, 100))
}
