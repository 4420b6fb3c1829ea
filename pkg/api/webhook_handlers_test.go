package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrix/pipeline/pkg/auth"
)

func TestRotateWebhookSecretHandler_RequiresManagePermission(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/webhook-secret", nil)
	req.Header.Set("Authorization", ts.bearer(t, auth.RoleOperator))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRotateWebhookSecretHandler_AdminReceivesPlaintextSecret(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/webhook-secret", nil)
	req.Header.Set("Authorization", ts.bearer(t, auth.RoleAdmin))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webhook_secret")
}

func TestAnalyzerCallbackHandler_RejectsWrongSecret(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()
	_, err := ts.webhooks.Rotate()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/analyzer-callback", bytes.NewBufferString(`{"service":"static-analyzer","app_key":"gpt-4|1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "not-the-secret")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnalyzerCallbackHandler_AcceptsValidSecret(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()
	secret, err := ts.webhooks.Rotate()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/analyzer-callback", bytes.NewBufferString(`{"service":"static-analyzer","app_key":"gpt-4|1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", secret)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
