package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTenantID(t *testing.T) {
	assert.NoError(t, ValidateTenantID("acme"))
	assert.NoError(t, ValidateTenantID("tenant_01-x"))
	assert.Error(t, ValidateTenantID(""))
	assert.Error(t, ValidateTenantID("bad tenant"))
	assert.Error(t, ValidateTenantID("a/b"))
}

func TestValidateTargetURL(t *testing.T) {
	assert.NoError(t, ValidateTargetURL("https://target.example/app"))
	assert.NoError(t, ValidateTargetURL("http://scanme.example:8080"))

	assert.Error(t, ValidateTargetURL(""))
	assert.Error(t, ValidateTargetURL("ftp://target.example"))
	assert.Error(t, ValidateTargetURL("http://localhost:3000"))
	assert.Error(t, ValidateTargetURL("http://127.0.0.1/admin"))
	assert.Error(t, ValidateTargetURL("http://192.168.1.5"))
}

func TestValidateLimit(t *testing.T) {
	assert.Equal(t, 20, ValidateLimit(0, 20, 100))
	assert.Equal(t, 20, ValidateLimit(-3, 20, 100))
	assert.Equal(t, 5, ValidateLimit(5, 20, 100))
	assert.Equal(t, 100, ValidateLimit(500, 20, 100))
}

func TestAPIKeyAuth(t *testing.T) {
	keys := map[string]string{"acme": "sekret-acme"}
	var gotTenant string
	handler := APIKeyAuth(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = GetTenantFromContext(r.Context())
	}))

	// no header
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/acme/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// wrong key
	req := httptest.NewRequest(http.MethodGet, "/v1/acme/runs", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// valid key resolves the tenant
	req = httptest.NewRequest(http.MethodGet, "/v1/acme/runs", nil)
	req.Header.Set("Authorization", "Bearer sekret-acme")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", gotTenant)

	// health is exempt
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
