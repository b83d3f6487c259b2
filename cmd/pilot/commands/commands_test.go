package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func TestResourceConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: backup\ncommand: /usr/local/bin/backup\nfrequency: daily\n"), 0o600))

	config, err := resourceConfig(file,
		[]string{"timeout_seconds=120", "frequency=hourly"},
		[]string{"user=pilot"})
	require.NoError(t, err)
	assert.Equal(t, "backup", config["name"])
	assert.Equal(t, 120, config["timeout_seconds"])
	assert.Equal(t, "hourly", config["frequency"])
	assert.Equal(t, "pilot", config["user"])

	config, err = resourceConfig("", []string{"auto_deploy=true"}, []string{"port=443"})
	require.NoError(t, err)
	assert.Equal(t, true, config["auto_deploy"])
	assert.Equal(t, "443", config["port"])

	_, err = resourceConfig("", []string{"novalue"}, nil)
	assert.Error(t, err)
	_, err = resourceConfig(filepath.Join(dir, "missing.yaml"), nil, nil)
	assert.Error(t, err)
}

func TestParseLabels(t *testing.T) {
	labels, err := parseLabels([]string{"env=prod", "role=web", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "role": "web", "empty": ""}, labels)
	assert.Equal(t, "empty=,env=prod,role=web", formatLabels(labels))

	_, err = parseLabels([]string{"=x"})
	assert.Error(t, err)

	labels, err = parseLabels(nil)
	require.NoError(t, err)
	assert.Nil(t, labels)
	assert.Equal(t, "-", formatLabels(labels))
}

func TestMergeLabels(t *testing.T) {
	current := map[string]string{"env": "staging", "role": "web"}

	merged, err := mergeLabels(current, []string{"env=prod", "role-", "tier=front"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "tier": "front"}, merged)
	assert.Equal(t, "staging", current["env"], "the host's labels are not modified in place")

	merged, err = mergeLabels(nil, []string{"missing-", "note=a-"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"note": "a-"}, merged)

	_, err = mergeLabels(current, []string{"-"})
	assert.Error(t, err)
	_, err = mergeLabels(current, []string{"novalue"})
	assert.Error(t, err)
}

func TestLastRun(t *testing.T) {
	events := []*engine.OperationEvent{
		{RunID: "a", Milestone: "started"},
		{RunID: "a", Milestone: "finished"},
		{RunID: "b", Milestone: "started"},
		{RunID: "b", Milestone: "finished"},
	}
	last := lastRun(events)
	require.Len(t, last, 2)
	assert.Equal(t, "b", last[0].RunID)
	assert.Nil(t, lastRun(nil))
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name  string
		event telemetry.Event
		want  string
	}{
		{
			name: "operation failure",
			event: telemetry.Event{Type: telemetry.EventTypeOperation, Timestamp: ts, Data: map[string]any{
				"kind": "runtime", "operation_type": "install", "current_step": 2.0, "total_steps": 4.0,
				"milestone": "installing_packages", "status": "failed", "error_log": "E: broken\nmore",
			}},
			want: "runtime install 2/4 installing_packages failed: E: broken",
		},
		{
			name: "bootstrap step",
			event: telemetry.Event{Type: telemetry.EventTypeBootstrap, Timestamp: ts, Data: map[string]any{
				"step": 3.0, "name": "creating_user", "state": "completed",
			}},
			want: "bootstrap 3/8 creating_user completed",
		},
		{
			name: "deployment",
			event: telemetry.Event{Type: telemetry.EventTypeDeployment, Timestamp: ts, Data: map[string]any{
				"id": "d1", "branch": "main", "commit_sha": "89abcdef0123456789", "status": "success",
			}},
			want: "deployment d1 main@89abcdef0123 success",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatEvent(tt.event)
			assert.Contains(t, got, tt.want)
		})
	}
}

func TestPrintTable(t *testing.T) {
	jsonOutput = false
	var buf bytes.Buffer
	require.NoError(t, printTable(&buf, nil, []string{"ID", "STATUS"}, [][]string{{"r1", "active"}, {"r22", "failed"}}))
	assert.Equal(t, "ID   STATUS\nr1   active\nr22  failed\n", buf.String())

	jsonOutput = true
	defer func() { jsonOutput = false }()
	buf.Reset()
	require.NoError(t, printTable(&buf, map[string]int{"n": 1}, nil, nil))
	assert.JSONEq(t, `{"n":1}`, buf.String())
}
