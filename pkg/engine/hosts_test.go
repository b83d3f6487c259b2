package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddHostDefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registry := NewHostRegistry(h.deps)

	host := &Host{Address: "web-2.example.com"}
	require.NoError(t, registry.AddHost(ctx, host))
	assert.NotEmpty(t, host.ID)
	assert.Equal(t, 22, host.Port)
	assert.Equal(t, "root", host.BootstrapUser)
	assert.Equal(t, "web-2.example.com", host.Name)
	assert.Equal(t, h.clock.Now(), host.CreatedAt)

	ready, err := registry.Ready(ctx, host.ID)
	require.NoError(t, err)
	assert.False(t, ready)

	err = registry.AddHost(ctx, &Host{Address: "web-2.example.com"})
	assert.ErrorIs(t, err, &Fault{Class: FaultValidation, Code: ErrCodeAlreadyExists})
	assert.NoError(t, registry.AddHost(ctx, &Host{Address: "web-2.example.com", Port: 2222}))

	invalidHosts := []*Host{
		{},
		{Address: "bad host;rm"},
		{Address: "10.0.0.9", Port: 70000},
		{Address: "10.0.0.9", BootstrapUser: "Root Admin"},
	}
	for _, bad := range invalidHosts {
		assert.True(t, IsValidationFault(registry.AddHost(ctx, bad)), "%+v", bad)
	}
}

func TestSelectHostsByLabel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registry := NewHostRegistry(h.deps)

	_, err := registry.SetLabels(ctx, h.host.ID, map[string]string{"env": "prod", "role": "web"})
	require.NoError(t, err)
	db := &Host{Address: "10.0.0.6", Labels: map[string]string{"env": "prod", "role": "db"}}
	require.NoError(t, registry.AddHost(ctx, db))

	all, err := registry.SelectHosts(ctx, "all")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	prod, err := registry.SelectHosts(ctx, "env=prod")
	require.NoError(t, err)
	assert.Len(t, prod, 2)

	web, err := registry.SelectHosts(ctx, "env=prod, role=web")
	require.NoError(t, err)
	require.Len(t, web, 1)
	assert.Equal(t, h.host.ID, web[0].ID)

	none, err := registry.SelectHosts(ctx, "env=staging")
	require.NoError(t, err)
	assert.Empty(t, none)

	found, err := registry.GetHostByAddress(ctx, "10.0.0.6")
	require.NoError(t, err)
	assert.Equal(t, db.ID, found.ID)

	_, err = registry.GetHostByAddress(ctx, "10.9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetLabels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registry := NewHostRegistry(h.deps)

	updated, err := registry.SetLabels(ctx, h.host.ID, map[string]string{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod"}, updated.Labels)
	assert.Equal(t, map[string]string{"env": "prod"}, h.store.hosts[h.host.ID].Labels)

	for _, labels := range []map[string]string{
		{"": "x"},
		{"env=prod": "x"},
		{"role": "web,db"},
		{" env": "prod"},
	} {
		_, err := registry.SetLabels(ctx, h.host.ID, labels)
		assert.True(t, IsValidationFault(err), "labels %v", labels)
	}
	assert.Equal(t, map[string]string{"env": "prod"}, h.store.hosts[h.host.ID].Labels)

	_, err = registry.SetLabels(ctx, "missing", map[string]string{"env": "prod"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = registry.AddHost(ctx, &Host{Address: "10.0.0.7", Labels: map[string]string{"a,b": "c"}})
	assert.True(t, IsValidationFault(err))
}

func TestParseSelector(t *testing.T) {
	assert.Equal(t, map[string]string{"env": "prod", "tier": "1"}, parseSelector("env=prod,tier=1"))
	assert.Empty(t, parseSelector("all"))
	assert.Empty(t, parseSelector("garbage"))
	assert.True(t, matchesLabels(nil, map[string]string{}))
	assert.False(t, matchesLabels(nil, map[string]string{"env": "prod"}))
}
