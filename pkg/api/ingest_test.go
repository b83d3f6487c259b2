package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func TestTokenService(t *testing.T) {
	_, err := NewTokenService("short", 0)
	require.Error(t, err)

	svc, err := NewTokenService(testSecret, time.Hour)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	token, err := svc.IssueHostToken("host-1")
	require.NoError(t, err)

	hostID, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "host-1", hostID)

	other, err := NewTokenService("another-secret-of-16", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, errUnauthorized)

	now = now.Add(2 * time.Hour)
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, errUnauthorized)

	_, err = svc.Verify("not.a.token")
	assert.ErrorIs(t, err, errUnauthorized)
}

func sample(collected time.Time) map[string]any {
	return map[string]any{
		"cpu_usage":           12.5,
		"memory_total_bytes":  8 << 30,
		"memory_used_bytes":   2 << 30,
		"memory_usage":        25.0,
		"storage_total_bytes": 100 << 30,
		"storage_used_bytes":  40 << 30,
		"storage_usage":       40.0,
		"collected_at":        collected.Format(time.RFC3339),
	}
}

func TestIngestMetrics(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/hosts/" + env.host.ID + "/metrics"
	now := time.Now().UTC().Truncate(time.Second)

	rec := env.do(t, http.MethodPost, "/api/v1/hosts/"+env.host.ID+"/token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := decodeBody[TokenResponse](t, rec).Token
	auth := []string{"Authorization", "Bearer " + token}

	body := map[string]any{"samples": []any{sample(now.Add(-time.Minute)), sample(now)}}
	rec = env.do(t, http.MethodPost, path, body, auth...)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeBody[map[string]int](t, rec)["accepted"])

	stored, err := env.store.ListMetricSamples(context.Background(), env.host.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, env.host.ID, stored[0].HostID)
}

func TestIngestMetricsRejects(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/hosts/" + env.host.ID + "/metrics"
	now := time.Now().UTC()

	token, err := env.tokens.IssueHostToken(env.host.ID)
	require.NoError(t, err)
	otherToken, err := env.tokens.IssueHostToken("another-host")
	require.NoError(t, err)

	overCPU := sample(now)
	overCPU["cpu_usage"] = 101.0
	overMemory := sample(now)
	overMemory["memory_used_bytes"] = 9 << 30

	tests := []struct {
		name   string
		header []string
		body   any
		code   int
	}{
		{"no token", nil, map[string]any{"samples": []any{sample(now)}}, http.StatusUnauthorized},
		{"garbage token", []string{"Authorization", "Bearer nope"}, map[string]any{"samples": []any{sample(now)}}, http.StatusUnauthorized},
		{"token for another host", []string{"Authorization", "Bearer " + otherToken}, map[string]any{"samples": []any{sample(now)}}, http.StatusForbidden},
		{"empty batch", []string{"Authorization", "Bearer " + token}, map[string]any{"samples": []any{}}, http.StatusUnprocessableEntity},
		{"percentage over 100", []string{"Authorization", "Bearer " + token}, map[string]any{"samples": []any{sample(now), overCPU}}, http.StatusUnprocessableEntity},
		{"used above total", []string{"Authorization", "Bearer " + token}, map[string]any{"samples": []any{overMemory}}, http.StatusUnprocessableEntity},
		{"null sample", []string{"Authorization", "Bearer " + token}, map[string]any{"samples": []any{nil}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, path, tt.body, tt.header...)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code == http.StatusUnprocessableEntity {
				assert.Equal(t, engine.ErrCodeInvalidSample, decodeBody[ErrorResponse](t, rec).Code)
			}
		})
	}

	stored, err := env.store.ListMetricSamples(context.Background(), env.host.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestIngestDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.server.tokens = nil

	rec := env.do(t, http.MethodPost, "/api/v1/hosts/"+env.host.ID+"/metrics", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/hosts/"+env.host.ID+"/token", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
