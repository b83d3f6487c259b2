package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// EventHeader names the source-control event type of a webhook.
const EventHeader = "X-GitHub-Event"

// WebhookResponse is returned for every accepted webhook, deployed or not.
type WebhookResponse struct {
	Status     string             `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	Deployment *engine.Deployment `json:"deployment,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	siteID := mux.Vars(r)["site_id"]
	signature := r.Header.Get(engine.SignatureHeader)

	// Providers send a ping when the hook is created. It carries no ref and
	// must not be treated as a malformed push.
	if event := r.Header.Get(EventHeader); event != "" && event != "push" {
		writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "ignored", Reason: "event " + event})
		return
	}

	deployment, err := s.dispatcher.HandleWebhook(r.Context(), siteID, body, signature)
	if err != nil {
		var f *engine.Fault
		if errors.As(err, &f) && f.Code == engine.ErrCodeAutoDeployOff {
			writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "ignored", Reason: "auto deploy disabled"})
			return
		}
		s.writeError(w, r, err)
		return
	}
	if deployment == nil {
		writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "ignored", Reason: "push to another branch"})
		return
	}
	writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "queued", Deployment: deployment})
}
