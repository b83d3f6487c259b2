package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		from ResourceStatus
		to   ResourceStatus
		want bool
	}{
		{"pending to installing", KindRuntime, StatusPending, StatusInstalling, true},
		{"installing to active", KindRuntime, StatusInstalling, StatusActive, true},
		{"installing to failed", KindSite, StatusInstalling, StatusFailed, true},
		{"failed to installing", KindDatabase, StatusFailed, StatusInstalling, true},
		{"active to removing", KindWorker, StatusActive, StatusRemoving, true},
		{"removing to uninstalled", KindWorker, StatusRemoving, StatusUninstalled, true},
		{"removing to failed", KindProxy, StatusRemoving, StatusFailed, true},
		{"pending straight to active", KindRuntime, StatusPending, StatusActive, false},
		{"active to installing", KindRuntime, StatusActive, StatusInstalling, false},
		{"uninstalled is terminal", KindRuntime, StatusUninstalled, StatusInstalling, false},
		{"task pauses", KindRecurringTask, StatusActive, StatusPaused, true},
		{"task resumes", KindRecurringTask, StatusPaused, StatusActive, true},
		{"paused task uninstalls", KindRecurringTask, StatusPaused, StatusRemoving, true},
		{"worker cannot pause", KindWorker, StatusActive, StatusPaused, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.kind, tt.to))
		})
	}
}

func TestOperationAccepts(t *testing.T) {
	assert.True(t, OperationInstall.Accepts(StatusPending))
	assert.True(t, OperationInstall.Accepts(StatusFailed))
	assert.False(t, OperationInstall.Accepts(StatusActive))
	assert.False(t, OperationInstall.Accepts(StatusInstalling))

	assert.True(t, OperationUninstall.Accepts(StatusActive))
	assert.True(t, OperationUninstall.Accepts(StatusPaused))
	assert.False(t, OperationUninstall.Accepts(StatusPending))

	assert.Equal(t, StatusRemoving, OperationUninstall.WorkingStatus())
	assert.Equal(t, StatusUninstalled, OperationUninstall.DoneStatus())
}

func TestResourceApply(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("active sets installed_at and clears error log", func(t *testing.T) {
		res := &Resource{ID: "r1", Kind: KindRuntime, Status: StatusInstalling, ErrorLog: "old"}
		require.NoError(t, res.Apply(Transition{To: StatusActive, At: at}))

		assert.Equal(t, StatusActive, res.Status)
		require.NotNil(t, res.InstalledAt)
		assert.Equal(t, at, *res.InstalledAt)
		assert.Empty(t, res.ErrorLog)
	})

	t.Run("failed requires an error log", func(t *testing.T) {
		res := &Resource{ID: "r1", Kind: KindRuntime, Status: StatusInstalling}
		err := res.Apply(Transition{To: StatusFailed, At: at})

		require.Error(t, err)
		assert.ErrorIs(t, err, &Fault{Class: FaultValidation, Code: ErrCodeMissingErrorLog})
		assert.Equal(t, StatusInstalling, res.Status)
	})

	t.Run("guard mismatch leaves the record alone", func(t *testing.T) {
		res := &Resource{ID: "r1", Kind: KindRuntime, Status: StatusActive}
		err := res.Apply(Transition{From: []ResourceStatus{StatusPending}, To: StatusInstalling})

		assert.ErrorIs(t, err, &Fault{Class: FaultValidation, Code: ErrCodeStatusChanged})
		assert.Equal(t, StatusActive, res.Status)
	})

	t.Run("illegal transition", func(t *testing.T) {
		res := &Resource{ID: "r1", Kind: KindRuntime, Status: StatusPending}
		err := res.Apply(Transition{To: StatusActive})

		assert.ErrorIs(t, err, &Fault{Class: FaultValidation, Code: ErrCodeIllegalState})
	})

	t.Run("config patch merges", func(t *testing.T) {
		res := &Resource{ID: "r1", Kind: KindRuntime, Status: StatusInstalling, Config: map[string]any{"version": "8.3"}}
		require.NoError(t, res.Apply(Transition{To: StatusActive, ConfigPatch: map[string]any{"cli_default": true}}))

		assert.Equal(t, "8.3", res.Config["version"])
		assert.Equal(t, true, res.Config["cli_default"])
	})

	t.Run("uninstall stamps uninstalled_at", func(t *testing.T) {
		res := &Resource{ID: "r1", Kind: KindWorker, Status: StatusRemoving}
		require.NoError(t, res.Apply(Transition{To: StatusUninstalled, At: at}))

		require.NotNil(t, res.UninstalledAt)
		assert.True(t, res.Status.IsTerminal())
	})
}

func TestResourceStatusJSON(t *testing.T) {
	var s ResourceStatus
	require.NoError(t, s.UnmarshalJSON([]byte(`"paused"`)))
	assert.Equal(t, StatusPaused, s)

	assert.Error(t, s.UnmarshalJSON([]byte(`"sleeping"`)))
}

func TestBootstrapStateValidate(t *testing.T) {
	state := NewBootstrapState("h1")
	state.Steps[1] = StepCompleted
	state.Steps[2] = StepFailed
	require.NoError(t, state.Validate())
	assert.Equal(t, 2, state.ResumeStep())
	assert.Equal(t, StepPending, state.Step(5))

	state.Steps[4] = StepCompleted
	assert.ErrorIs(t, state.Validate(), &Fault{Class: FaultValidation, Code: ErrCodeStepOutOfOrder})
}

func TestTaskRunComplete(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := &TaskRun{StartedAt: start}
	run.Complete(start.Add(1500*time.Millisecond), 0, "ok", "")

	assert.Equal(t, int64(1500), run.DurationMs)
	assert.True(t, run.Successful())

	failed := &TaskRun{StartedAt: start}
	failed.Complete(start.Add(-time.Second), 2, "", "boom")
	assert.Equal(t, int64(0), failed.DurationMs)
	assert.False(t, failed.Successful())
}
