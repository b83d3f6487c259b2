package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func pushBody(ref string) []byte {
	return []byte(`{"ref":"` + ref + `","after":"89abcdef0123456789abcdef0123456789abcdef"}`)
}

func TestWebhookDeploysPushToBranch(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite(t, true)
	path := "/webhooks/sites/" + site.ID

	body := pushBody("refs/heads/main")
	rec := env.do(t, http.MethodPost, path, body,
		engine.SignatureHeader, engine.SignPayload("hook-secret", body),
		EventHeader, "push")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody[WebhookResponse](t, rec)
	assert.Equal(t, "queued", resp.Status)
	require.NotNil(t, resp.Deployment)
	assert.Equal(t, engine.TriggerWebhook, resp.Deployment.Trigger)
	assert.Equal(t, "89abcdef0123456789abcdef0123456789abcdef", resp.Deployment.CommitSHA)

	var checkedOut bool
	for _, cmd := range env.runner.commands {
		if strings.Contains(cmd, "checkout --detach 89abcdef") {
			checkedOut = true
		}
	}
	assert.True(t, checkedOut, "pinned commit should be checked out")
}

func TestWebhookIgnored(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite(t, true)
	path := "/webhooks/sites/" + site.ID

	other := pushBody("refs/heads/feature")
	rec := env.do(t, http.MethodPost, path, other,
		engine.SignatureHeader, engine.SignPayload("hook-secret", other))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "ignored", decodeBody[WebhookResponse](t, rec).Status)

	rec = env.do(t, http.MethodPost, path, []byte(`{"zen":"hi"}`), EventHeader, "ping")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ignored", decodeBody[WebhookResponse](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/api/v1/sites/"+site.ID+"/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]engine.Deployment](t, rec))
}

func TestWebhookAutoDeployDisabled(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite(t, false)

	body := pushBody("refs/heads/main")
	rec := env.do(t, http.MethodPost, "/webhooks/sites/"+site.ID, body,
		engine.SignatureHeader, engine.SignPayload("hook-secret", body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[WebhookResponse](t, rec)
	assert.Equal(t, "ignored", resp.Status)
	assert.Nil(t, resp.Deployment)
}

func TestWebhookRejects(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite(t, true)
	body := pushBody("refs/heads/main")

	rec := env.do(t, http.MethodPost, "/webhooks/sites/"+site.ID, body,
		engine.SignatureHeader, engine.SignPayload("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/webhooks/sites/"+site.ID, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/webhooks/sites/missing", body,
		engine.SignatureHeader, engine.SignPayload("hook-secret", body))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	huge := []byte(`{"ref":"refs/heads/main","pad":"` + strings.Repeat("x", 8192) + `"}`)
	rec = env.do(t, http.MethodPost, "/webhooks/sites/"+site.ID, huge,
		engine.SignatureHeader, engine.SignPayload("hook-secret", huge))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
