package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu          sync.Mutex
	hosts       map[string]*Host
	resources   map[string]*Resource
	events      []*OperationEvent
	bootstrap   map[string]*BootstrapState
	runs        map[string]*TaskRun
	deployments map[string]*Deployment
	samples     []*MetricSample
	audit       []*AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		hosts:       make(map[string]*Host),
		resources:   make(map[string]*Resource),
		bootstrap:   make(map[string]*BootstrapState),
		runs:        make(map[string]*TaskRun),
		deployments: make(map[string]*Deployment),
	}
}

// clone deep-copies v through JSON so callers never share maps with the store.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (s *memStore) CreateHost(_ context.Context, host *Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host.ID] = clone(host)
	return nil
}

func (s *memStore) GetHost(_ context.Context, id string) (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	return clone(h), nil
}

func (s *memStore) UpdateHost(_ context.Context, host *Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[host.ID]; !ok {
		return fmt.Errorf("host %s: %w", host.ID, ErrNotFound)
	}
	s.hosts[host.ID] = clone(host)
	return nil
}

func (s *memStore) ListHosts(_ context.Context) ([]*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, clone(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CreateResource(_ context.Context, res *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.resources {
		if other.HostID == res.HostID && other.Kind == res.Kind && other.Key == res.Key &&
			other.Status != StatusUninstalled {
			return NewValidationFault("resource already exists", nil).WithCode(ErrCodeAlreadyExists)
		}
	}
	s.resources[res.ID] = clone(res)
	return nil
}

func (s *memStore) GetResource(_ context.Context, id string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return clone(r), nil
}

func (s *memStore) ListResources(_ context.Context, f ResourceFilter) ([]*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Resource
	for _, r := range s.resources {
		if (f.HostID == "" || r.HostID == f.HostID) &&
			(f.Kind == "" || r.Kind == f.Kind) &&
			(f.Status == "" || r.Status == f.Status) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) CountResources(_ context.Context, hostID string) (map[Kind]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Kind]int)
	for _, r := range s.resources {
		if r.HostID == hostID && r.Status != StatusUninstalled {
			counts[r.Kind]++
		}
	}
	return counts, nil
}

func (s *memStore) TransitionResource(_ context.Context, id string, t Transition) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	next := clone(r)
	if err := next.Apply(t); err != nil {
		return nil, err
	}
	s.resources[id] = next
	return clone(next), nil
}

func (s *memStore) AppendEvent(_ context.Context, event *OperationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, clone(event))
	return nil
}

func (s *memStore) ListEvents(_ context.Context, f EventFilter) ([]*OperationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OperationEvent
	for _, e := range s.events {
		if (f.HostID == "" || e.HostID == f.HostID) &&
			(f.ResourceID == "" || e.ResourceID == f.ResourceID) &&
			(f.RunID == "" || e.RunID == f.RunID) {
			out = append(out, clone(e))
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *memStore) GetBootstrapState(_ context.Context, hostID string) (*BootstrapState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.bootstrap[hostID]; ok {
		return clone(st), nil
	}
	return NewBootstrapState(hostID), nil
}

func (s *memStore) SaveBootstrapState(_ context.Context, state *BootstrapState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstrap[state.HostID] = clone(state)
	return nil
}

func (s *memStore) CreateTaskRun(_ context.Context, run *TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = clone(run)
	return nil
}

func (s *memStore) CompleteTaskRun(_ context.Context, run *TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("task run %s: %w", run.ID, ErrNotFound)
	}
	s.runs[run.ID] = clone(run)
	return nil
}

func (s *memStore) ListTaskRuns(_ context.Context, taskID string, limit int) ([]*TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TaskRun
	for _, r := range s.runs {
		if r.TaskID == taskID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CreateDeployment(_ context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = clone(d)
	return nil
}

func (s *memStore) UpdateDeployment(_ context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = clone(d)
	return nil
}

func (s *memStore) GetDeployment(_ context.Context, id string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return clone(d), nil
}

func (s *memStore) ListDeployments(_ context.Context, siteID string, limit int) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Deployment
	for _, d := range s.deployments {
		if d.SiteID == siteID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ActivateDeployment(_ context.Context, d *Deployment) error {
	if d.Status != DeploymentSuccess {
		return NewValidationFault("only successful deployments can be activated", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.resources[d.SiteID]
	if !ok {
		return fmt.Errorf("site %s: %w", d.SiteID, ErrNotFound)
	}
	s.deployments[d.ID] = clone(d)
	site.ActiveDeploymentID = d.ID
	return nil
}

func (s *memStore) SaveMetricSamples(_ context.Context, samples []*MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		s.samples = append(s.samples, clone(sample))
	}
	return nil
}

func (s *memStore) RecordAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, clone(entry))
	return nil
}

func (s *memStore) HealthCheck(context.Context) error { return nil }

// eventsFor returns the stored events of one resource in emission order.
func (s *memStore) eventsFor(resourceID string) []*OperationEvent {
	events, _ := s.ListEvents(context.Background(), EventFilter{ResourceID: resourceID})
	return events
}

// rule scripts the runner's answer to commands containing match.
type rule struct {
	match  string
	result CommandResult
	err    error

	// block waits for the context to end.
	block bool
	panic bool
}

type uploadRecord struct {
	Path    string
	Content string
	Mode    os.FileMode
}

// scriptedRunner answers commands from rules. The last matching rule wins;
// unmatched commands succeed with empty output.
type scriptedRunner struct {
	mu        sync.Mutex
	rules     []rule
	uploadErr map[string]error
	commands  []string
	uploads   []uploadRecord

	// onExec runs before every command is answered.
	onExec func(command string)
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{uploadErr: make(map[string]error)}
}

func (r *scriptedRunner) on(match string, exitCode int, stdout, stderr string) *scriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{match: match, result: CommandResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}})
	return r
}

func (r *scriptedRunner) fail(match string, err error) *scriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{match: match, err: err})
	return r
}

func (r *scriptedRunner) hang(match string) *scriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{match: match, block: true})
	return r
}

func (r *scriptedRunner) explode(match string) *scriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{match: match, panic: true})
	return r
}

func (r *scriptedRunner) Execute(ctx context.Context, _ *Host, command string, timeout time.Duration) (*CommandResult, error) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	var matched *rule
	for i := len(r.rules) - 1; i >= 0; i-- {
		if strings.Contains(command, r.rules[i].match) {
			matched = &r.rules[i]
			break
		}
	}
	hook := r.onExec
	r.mu.Unlock()

	if hook != nil {
		hook(command)
	}
	if matched == nil {
		return &CommandResult{}, nil
	}
	switch {
	case matched.panic:
		panic("runner exploded on " + command)
	case matched.block:
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	case matched.err != nil:
		return nil, matched.err
	}
	result := matched.result
	return &result, nil
}

func (r *scriptedRunner) Upload(_ context.Context, _ *Host, content []byte, remotePath string, mode os.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, uploadRecord{Path: remotePath, Content: string(content), Mode: mode})
	return r.uploadErr[remotePath]
}

func (r *scriptedRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *scriptedRunner) uploaded(path string) (uploadRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.uploads {
		if u.Path == path {
			return u, true
		}
	}
	return uploadRecord{}, false
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(hostID, eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, telemetry.Event{HostID: hostID, Type: eventType, Data: data})
}

func (p *recordingPublisher) ofType(eventType string) []telemetry.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []telemetry.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeTokens struct{}

func (fakeTokens) IssueHostToken(hostID string) (string, error) { return "token-" + hostID, nil }

// harness bundles the collaborators most engine tests need.
type harness struct {
	store     *memStore
	runner    *scriptedRunner
	locker    *MemoryLocker
	publisher *recordingPublisher
	clock     *fakeClock
	deps      *Deps
	host      *Host
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		runner:    newScriptedRunner(),
		locker:    NewMemoryLocker(),
		publisher: &recordingPublisher{},
		clock:     newFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	logger := telemetry.NewLoggerWithWriter(io.Discard, telemetry.LoggingConfig{Level: "error"})
	h.deps = &Deps{
		Store:     h.store,
		Runner:    h.runner,
		Locker:    h.locker,
		Publisher: h.publisher,
		Logger:    logger,
		Now:       h.clock.Now,
	}
	h.host = &Host{ID: "host-1", Name: "web-1", Address: "10.0.0.5", Port: 22, BootstrapUser: "root", CreatedAt: h.clock.Now()}
	if err := h.store.CreateHost(context.Background(), h.host); err != nil {
		t.Fatalf("CreateHost() error = %v", err)
	}
	return h
}

// addResource stores a resource with a normalized payload in status.
func (h *harness) addResource(t *testing.T, kind Kind, config map[string]any, status ResourceStatus) *Resource {
	t.Helper()
	normalized, key, err := NormalizeConfig(kind, config)
	if err != nil {
		t.Fatalf("NormalizeConfig() error = %v", err)
	}
	res := &Resource{
		ID:        fmt.Sprintf("%s-%d", kind, len(h.store.resources)+1),
		HostID:    h.host.ID,
		Kind:      kind,
		Key:       key,
		Status:    status,
		Config:    normalized,
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}
	if err := h.store.CreateResource(context.Background(), res); err != nil {
		t.Fatalf("CreateResource() error = %v", err)
	}
	return res
}

func (h *harness) resource(t *testing.T, id string) *Resource {
	t.Helper()
	res, err := h.store.GetResource(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResource() error = %v", err)
	}
	return res
}

// markReady records a completed bootstrap for the harness host.
func (h *harness) markReady(t *testing.T) {
	t.Helper()
	state := NewBootstrapState(h.host.ID)
	for n := 1; n <= len(BootstrapSteps); n++ {
		state.Steps[n] = StepCompleted
	}
	state.Phase = PhaseReady
	if err := h.store.SaveBootstrapState(context.Background(), state); err != nil {
		t.Fatalf("SaveBootstrapState() error = %v", err)
	}
}
