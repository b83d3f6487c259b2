package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordJobStarted("runtime", "install")
	m.RecordJobCompleted("runtime", "install", "success", time.Second)
	m.RecordLockContention("lifecycle")
	m.SetHostUsage("h1", "cpu", 12)

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordFault("command")
}

func TestMetrics_HandlerExposesRecordedSeries(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "pilot"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordJobStarted("firewall_rule", "install")
	m.RecordJobCompleted("firewall_rule", "install", "success", 2*time.Second)
	m.RecordTaskRun("success", 5*time.Second)
	m.RecordSamples("accepted", 3)
	m.SetHostUsage("h1", "memory", 41.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`pilot_jobs_completed_total{kind="firewall_rule",operation="install",status="success"} 1`,
		`pilot_task_runs_total{result="success"} 1`,
		`pilot_metric_samples_ingested_total{result="accepted"} 3`,
		`pilot_host_usage_percent{host_id="h1",resource="memory"} 41.5`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "zero hub buffer", mutate: func(c *Config) { c.Hub.SubscriberBuffer = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
