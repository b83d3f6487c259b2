package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// AddHostRequest registers a host.
type AddHostRequest struct {
	Name          string            `json:"name" validate:"omitempty,max=128"`
	Address       string            `json:"address" validate:"required"`
	Port          int               `json:"port" validate:"omitempty,min=1,max=65535"`
	BootstrapUser string            `json:"bootstrap_user" validate:"omitempty,max=32"`
	Labels        map[string]string `json:"labels"`
}

// UpdateHostRequest replaces a host's labels. An empty map clears them.
type UpdateHostRequest struct {
	Labels map[string]string `json:"labels" validate:"required"`
}

// CreateResourceRequest records a resource, installing it right away when
// Install is set.
type CreateResourceRequest struct {
	Kind    engine.Kind    `json:"kind" validate:"required"`
	Config  map[string]any `json:"config" validate:"required"`
	Install bool           `json:"install"`
}

// DeployRequest asks for a manual deployment. Both fields default to the
// site's configuration.
type DeployRequest struct {
	Branch string `json:"branch" validate:"omitempty,max=255"`
	Commit string `json:"commit" validate:"omitempty,hexadecimal,min=7,max=40"`
}

// TokenResponse carries a collector token.
type TokenResponse struct {
	HostID string `json:"host_id"`
	Token  string `json:"token"`
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.hosts.SelectHosts(r.Context(), r.URL.Query().Get("selector"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) addHost(w http.ResponseWriter, r *http.Request) {
	var req AddHostRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	host := &engine.Host{
		Name:          req.Name,
		Address:       req.Address,
		Port:          req.Port,
		BootstrapUser: req.BootstrapUser,
		Labels:        req.Labels,
	}
	if err := s.hosts.AddHost(r.Context(), host); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	host, err := s.hosts.GetHost(r.Context(), mux.Vars(r)["host_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) updateHost(w http.ResponseWriter, r *http.Request) {
	var req UpdateHostRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	host, err := s.hosts.SetLabels(r.Context(), mux.Vars(r)["host_id"], req.Labels)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) getBootstrap(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["host_id"]
	if _, err := s.store.GetHost(r.Context(), hostID); err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.store.GetBootstrapState(r.Context(), hostID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) startBootstrap(w http.ResponseWriter, r *http.Request) {
	state, err := s.dispatcher.EnqueueBootstrap(r.Context(), actor(r), mux.Vars(r)["host_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		s.writeError(w, r, engine.NewValidationFault("metric ingestion is disabled", nil))
		return
	}
	hostID := mux.Vars(r)["host_id"]
	if _, err := s.store.GetHost(r.Context(), hostID); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.tokens.IssueHostToken(hostID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{HostID: hostID, Token: token})
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["host_id"]
	if _, err := s.store.GetHost(r.Context(), hostID); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := engine.ResourceFilter{
		HostID: hostID,
		Kind:   engine.Kind(q.Get("kind")),
		Status: engine.ResourceStatus(q.Get("status")),
	}
	if filter.Kind != "" {
		if err := filter.Kind.Validate(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if filter.Status != "" {
		if err := filter.Status.Validate(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	resources, err := s.store.ListResources(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) createResource(w http.ResponseWriter, r *http.Request) {
	var req CreateResourceRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hostID := mux.Vars(r)["host_id"]

	if !req.Install {
		res, err := s.dispatcher.CreateResource(r.Context(), actor(r), hostID, req.Kind, req.Config)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
		return
	}

	res, err := s.dispatcher.CreateAndInstall(r.Context(), actor(r), hostID, req.Kind, req.Config)
	if err != nil && res == nil {
		s.writeError(w, r, err)
		return
	}
	// The record exists even when an inline install failed; its status and
	// error_log tell the caller what happened.
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.resourceOnHost(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) installResource(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, engine.OperationInstall)
}

func (s *Server) uninstallResource(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, engine.OperationUninstall)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, op engine.Operation) {
	vars := mux.Vars(r)
	var (
		res *engine.Resource
		err error
	)
	switch op {
	case engine.OperationInstall:
		res, err = s.dispatcher.EnqueueInstall(r.Context(), actor(r), vars["host_id"], vars["resource_id"])
	default:
		res, err = s.dispatcher.EnqueueUninstall(r.Context(), actor(r), vars["host_id"], vars["resource_id"])
	}
	if err != nil && res == nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) resourceEvents(w http.ResponseWriter, r *http.Request) {
	res, err := s.resourceOnHost(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), engine.EventFilter{
		ResourceID: res.ID,
		RunID:      r.URL.Query().Get("run_id"),
		Limit:      queryLimit(r, 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) resourceOnHost(r *http.Request) (*engine.Resource, error) {
	vars := mux.Vars(r)
	res, err := s.store.GetResource(r.Context(), vars["resource_id"])
	if err != nil {
		return nil, err
	}
	if res.HostID != vars["host_id"] {
		return nil, fmt.Errorf("resource %s on host %s: %w", res.ID, vars["host_id"], engine.ErrNotFound)
	}
	return res, nil
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	run, err := s.dispatcher.RunTask(r.Context(), actor(r), mux.Vars(r)["task_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.PauseTask(r.Context(), actor(r), mux.Vars(r)["task_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.ResumeTask(r.Context(), actor(r), mux.Vars(r)["task_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	if _, err := s.store.GetResource(r.Context(), taskID); err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.store.ListTaskRuns(r.Context(), taskID, queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) deploySite(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	deployment, err := s.dispatcher.EnqueueDeployment(r.Context(), actor(r), engine.DeployRequest{
		SiteID:  mux.Vars(r)["site_id"],
		Trigger: engine.TriggerManual,
		Branch:  req.Branch,
		Commit:  req.Commit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployment)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["site_id"]
	if _, err := s.store.GetResource(r.Context(), siteID); err != nil {
		s.writeError(w, r, err)
		return
	}
	deployments, err := s.store.ListDeployments(r.Context(), siteID, queryLimit(r, 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, err := s.store.GetDeployment(r.Context(), mux.Vars(r)["deployment_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}
