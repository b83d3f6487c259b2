package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, kind := range engine.AllKinds {
		t.Run(string(kind), func(t *testing.T) {
			schema, ok := sr.GetSchema(kind)
			if !ok {
				t.Fatalf("built-in schema %s not found", kind)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", kind, schema.Err())
			}
		})
	}

	if got := len(sr.Kinds()); got != len(engine.AllKinds) {
		t.Errorf("expected %d kinds, got %d", len(engine.AllKinds), got)
	}
}

func TestSchemaRegistry_ValidatePayload(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		kind    engine.Kind
		config  map[string]any
		wantErr string
	}{
		{"firewall single port", engine.KindFirewallRule, map[string]any{"port": "22"}, ""},
		{"firewall range", engine.KindFirewallRule, map[string]any{"port": "3000-3005", "rule_type": "deny"}, ""},
		{"firewall bad rule type", engine.KindFirewallRule, map[string]any{"port": "22", "rule_type": "reject"}, "rule_type"},
		{"firewall port as number", engine.KindFirewallRule, map[string]any{"port": 22}, "port"},
		{"firewall missing port", engine.KindFirewallRule, map[string]any{}, "port"},
		{"runtime", engine.KindRuntime, map[string]any{"version": "8.3"}, ""},
		{"runtime bad version", engine.KindRuntime, map[string]any{"version": "8"}, "version"},
		// JSON decoding produces float64 for every number.
		{"database decoded port", engine.KindDatabase, map[string]any{"engine": "postgresql", "port": float64(5432)}, ""},
		{"database fractional port", engine.KindDatabase, map[string]any{"engine": "mysql", "port": 3306.5}, "port"},
		{"database unknown engine", engine.KindDatabase, map[string]any{"engine": "oracle"}, "engine"},
		{"worker", engine.KindWorker, map[string]any{"name": "queue", "command": "php artisan queue:work", "processes": 2}, ""},
		{"worker zero processes", engine.KindWorker, map[string]any{"name": "queue", "command": "x", "processes": 0}, "processes"},
		{"task frequency", engine.KindRecurringTask, map[string]any{"name": "backup", "command": "backup.sh", "frequency": "daily"}, ""},
		{"task cron", engine.KindRecurringTask, map[string]any{"name": "backup", "command": "backup.sh", "cron": "*/5 * * * *"}, ""},
		{"task bad frequency", engine.KindRecurringTask, map[string]any{"name": "backup", "command": "backup.sh", "frequency": "yearly"}, "frequency"},
		{"task timeout too long", engine.KindRecurringTask, map[string]any{"name": "backup", "command": "b", "frequency": "daily", "timeout_seconds": 7200}, "timeout_seconds"},
		{"proxy default", engine.KindProxy, map[string]any{}, ""},
		{"proxy apache", engine.KindProxy, map[string]any{"type": "apache"}, "type"},
		{"site", engine.KindSite, map[string]any{"domain": "shop.example.com", "repository": "https://github.com/acme/shop.git"}, ""},
		{"site unknown field", engine.KindSite, map[string]any{"domain": "shop.example.com", "php": "8.3"}, "php"},
		{"nil config", engine.KindProxy, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidatePayload(tt.kind, tt.config)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.wantErr)
			}
			if !engine.IsValidationFault(err) {
				t.Errorf("expected validation fault, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_UnknownKind(t *testing.T) {
	err := NewSchemaRegistry().ValidatePayload("mailserver", map[string]any{})
	var fault *engine.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected fault, got %v", err)
	}
	if fault.Code != engine.ErrCodeUnknownKind {
		t.Errorf("code = %s", fault.Code)
	}
}

func TestSchemaRegistry_ErrorDetails(t *testing.T) {
	err := NewSchemaRegistry().ValidatePayload(engine.KindDatabase, map[string]any{"engine": "oracle", "port": 70000})
	var fault *engine.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected fault, got %v", err)
	}
	problems, ok := fault.Details["errors"].([]ValidationError)
	if !ok || len(problems) == 0 {
		t.Fatalf("expected validation errors in details, got %#v", fault.Details)
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	// Tighten the firewall schema to allow-only.
	err := sr.RegisterSchema(engine.KindFirewallRule, `
#Payload: {
	port:       string
	rule_type?: "allow"
	from_ip?:   string
}
`)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if err := sr.ValidatePayload(engine.KindFirewallRule, map[string]any{"port": "22", "rule_type": "deny"}); err == nil {
		t.Error("expected deny to be rejected by the replaced schema")
	}

	if err := sr.RegisterSchema(engine.KindProxy, `port: int`); err == nil {
		t.Error("expected error for schema without #Payload")
	}
	if err := sr.RegisterSchema(engine.KindProxy, `#Payload: {`); err == nil {
		t.Error("expected compile error")
	}
}
