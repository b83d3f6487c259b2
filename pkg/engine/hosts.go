package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// HostRegistry manages the host inventory.
type HostRegistry struct {
	store Store
	deps  *Deps
}

// NewHostRegistry creates a new host registry.
func NewHostRegistry(deps *Deps) *HostRegistry {
	return &HostRegistry{
		store: deps.Store,
		deps:  deps,
	}
}

// AddHost validates and registers a new host. Its bootstrap state starts
// pending.
func (r *HostRegistry) AddHost(ctx context.Context, host *Host) error {
	if host.ID == "" {
		host.ID = uuid.New().String()
	}
	if host.Port == 0 {
		host.Port = 22
	}
	if host.BootstrapUser == "" {
		host.BootstrapUser = "root"
	}
	if host.Name == "" {
		host.Name = host.Address
	}

	if host.Address == "" {
		return invalid("address is required")
	}
	if net.ParseIP(host.Address) == nil && !hostnamePattern.MatchString(host.Address) {
		return invalid("invalid address %q", host.Address)
	}
	if host.Port < 1 || host.Port > 65535 {
		return invalid("invalid port %d", host.Port)
	}
	if !userPattern.MatchString(host.BootstrapUser) {
		return invalid("invalid bootstrap user %q", host.BootstrapUser)
	}
	if err := validateLabels(host.Labels); err != nil {
		return err
	}

	if existing, err := r.GetHostByAddress(ctx, host.Address); err == nil && existing.Port == host.Port {
		return NewValidationFault(fmt.Sprintf("host %s is already registered as %s", host.Address, existing.ID), nil).
			WithCode(ErrCodeAlreadyExists)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := r.deps.now()
	if host.CreatedAt.IsZero() {
		host.CreatedAt = now
	}
	host.UpdatedAt = now

	if err := r.store.CreateHost(ctx, host); err != nil {
		return fmt.Errorf("failed to store host: %w", err)
	}
	return nil
}

// GetHost retrieves a host by ID.
func (r *HostRegistry) GetHost(ctx context.Context, hostID string) (*Host, error) {
	return r.store.GetHost(ctx, hostID)
}

// GetHostByAddress retrieves a host by address.
func (r *HostRegistry) GetHostByAddress(ctx context.Context, address string) (*Host, error) {
	hosts, err := r.ListHosts(ctx)
	if err != nil {
		return nil, err
	}

	for _, host := range hosts {
		if host.Address == address {
			return host, nil
		}
	}

	return nil, fmt.Errorf("host %s: %w", address, ErrNotFound)
}

// ListHosts lists all registered hosts.
func (r *HostRegistry) ListHosts(ctx context.Context) ([]*Host, error) {
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	return hosts, nil
}

// SelectHosts selects hosts based on a selector.
// Selector format: "key1=value1,key2=value2" or "all" for all hosts.
func (r *HostRegistry) SelectHosts(ctx context.Context, selector string) ([]*Host, error) {
	if selector == "" || selector == "all" {
		return r.ListHosts(ctx)
	}

	labels := parseSelector(selector)

	allHosts, err := r.ListHosts(ctx)
	if err != nil {
		return nil, err
	}

	selectedHosts := make([]*Host, 0)
	for _, host := range allHosts {
		if matchesLabels(host.Labels, labels) {
			selectedHosts = append(selectedHosts, host)
		}
	}

	return selectedHosts, nil
}

// SetLabels replaces the labels of a host.
func (r *HostRegistry) SetLabels(ctx context.Context, hostID string, labels map[string]string) (*Host, error) {
	if err := validateLabels(labels); err != nil {
		return nil, err
	}
	host, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	host.Labels = labels
	host.UpdatedAt = r.deps.now()

	if err := r.store.UpdateHost(ctx, host); err != nil {
		return nil, fmt.Errorf("failed to update host: %w", err)
	}
	return host, nil
}

// Ready reports whether hostID has completed bootstrap.
func (r *HostRegistry) Ready(ctx context.Context, hostID string) (bool, error) {
	state, err := r.store.GetBootstrapState(ctx, hostID)
	if err != nil {
		return false, err
	}
	return state.Phase == PhaseReady, nil
}

// validateLabels rejects labels a selector could not match.
func validateLabels(labels map[string]string) error {
	for k, v := range labels {
		if k == "" || strings.TrimSpace(k) != k || strings.ContainsAny(k, ",=") {
			return invalid("invalid label key %q", k)
		}
		if strings.TrimSpace(v) != v || strings.ContainsAny(v, ",=") {
			return invalid("invalid value %q for label %s", v, k)
		}
	}
	return nil
}

// parseSelector parses a label selector string into a map.
// Format: "key1=value1,key2=value2"
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	if selector == "" || selector == "all" {
		return labels
	}

	pairs := strings.Split(selector, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			labels[key] = value
		}
	}

	return labels
}

// matchesLabels checks if host labels match the selector labels.
func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	if len(selectorLabels) == 0 {
		return true
	}

	for key, value := range selectorLabels {
		hostValue, ok := hostLabels[key]
		if !ok || hostValue != value {
			return false
		}
	}

	return true
}
