package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeConfig(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		config  map[string]any
		wantKey string
		wantErr string
	}{
		{"runtime", KindRuntime, map[string]any{"version": "8.3"}, "8.3", ""},
		{"runtime bad version", KindRuntime, map[string]any{"version": "8"}, "", "invalid runtime version"},
		{"runtime bad extension", KindRuntime, map[string]any{"version": "8.3", "extensions": []any{"gd;rm"}}, "", "invalid extension"},
		{"database default port", KindDatabase, map[string]any{"engine": "mysql"}, "mysql", ""},
		{"database unknown engine", KindDatabase, map[string]any{"engine": "oracle"}, "", "invalid database engine"},
		{"database bad port", KindDatabase, map[string]any{"engine": "redis", "port": 70000}, "", "invalid port"},
		{"firewall range", KindFirewallRule, map[string]any{"port": "3000-3005", "rule_type": "allow"}, "3000-3005", ""},
		{"firewall single", KindFirewallRule, map[string]any{"port": "22"}, "22", ""},
		{"firewall reversed range", KindFirewallRule, map[string]any{"port": "3005-3000"}, "", "end before start"},
		{"firewall out of range", KindFirewallRule, map[string]any{"port": "0"}, "", "invalid port"},
		{"firewall junk", KindFirewallRule, map[string]any{"port": "http"}, "", "invalid port"},
		{"firewall bad rule type", KindFirewallRule, map[string]any{"port": "80", "rule_type": "reject"}, "", "invalid rule type"},
		{"firewall from cidr", KindFirewallRule, map[string]any{"port": "5432", "from_ip": "10.0.0.0/8"}, "5432", ""},
		{"firewall bad source", KindFirewallRule, map[string]any{"port": "5432", "from_ip": "nowhere"}, "", "invalid source"},
		{"worker", KindWorker, map[string]any{"name": "queue", "command": "php artisan queue:work"}, "queue", ""},
		{"worker too many processes", KindWorker, map[string]any{"name": "queue", "command": "x", "processes": 100}, "", "processes must be"},
		{"worker multiline command", KindWorker, map[string]any{"name": "queue", "command": "a\nb"}, "", "single non-empty line"},
		{"task frequency", KindRecurringTask, map[string]any{"name": "backup", "command": "backup.sh", "frequency": "daily"}, "backup", ""},
		{"task cron", KindRecurringTask, map[string]any{"name": "backup", "command": "backup.sh", "cron": "*/5 * * * *"}, "backup", ""},
		{"task both", KindRecurringTask, map[string]any{"name": "b", "command": "x", "frequency": "daily", "cron": "* * * * *"}, "", "not both"},
		{"task neither", KindRecurringTask, map[string]any{"name": "b", "command": "x"}, "", "frequency or cron is required"},
		{"task bad cron", KindRecurringTask, map[string]any{"name": "b", "command": "x", "cron": "61 * * * *"}, "", "invalid cron expression"},
		{"task six fields", KindRecurringTask, map[string]any{"name": "b", "command": "x", "cron": "0 * * * * *"}, "", "5 fields"},
		{"task timeout too long", KindRecurringTask, map[string]any{"name": "b", "command": "x", "frequency": "hourly", "timeout_seconds": 7200}, "", "timeout must be"},
		{"proxy default", KindProxy, map[string]any{}, "proxy", ""},
		{"proxy unknown", KindProxy, map[string]any{"type": "haproxy"}, "", "invalid proxy type"},
		{"site", KindSite, map[string]any{"domain": "Example.COM", "repository": "https://git.example.com/app.git"}, "example.com", ""},
		{"site bad domain", KindSite, map[string]any{"domain": "not a domain"}, "", "invalid domain"},
		{"site auto deploy without secret", KindSite, map[string]any{"domain": "example.com", "auto_deploy": true}, "", "webhook secret"},
		{"site escaping document root", KindSite, map[string]any{"domain": "example.com", "document_root": "../etc"}, "", "document root"},
		{"unknown kind", Kind("vm"), map[string]any{}, "", "unknown resource kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, key, err := NormalizeConfig(tt.kind, tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsValidationFault(err), "expected validation fault, got %v", err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
			assert.NotNil(t, normalized)
		})
	}
}

func TestNormalizeConfigDefaults(t *testing.T) {
	normalized, _, err := NormalizeConfig(KindRecurringTask, map[string]any{
		"name": "cleanup", "command": "rm -rf /tmp/cache", "frequency": "hourly",
	})
	require.NoError(t, err)
	assert.Equal(t, PilotUser, normalized["user"])
	assert.Equal(t, float64(DefaultTaskTimeoutSeconds), normalized["timeout_seconds"])

	normalized, _, err = NormalizeConfig(KindDatabase, map[string]any{"engine": "postgresql"})
	require.NoError(t, err)
	assert.Equal(t, float64(5432), normalized["port"])

	normalized, _, err = NormalizeConfig(KindSite, map[string]any{"domain": "blog.example.com", "site_type": "wordpress"})
	require.NoError(t, err)
	assert.Equal(t, ".", normalized["document_root"])
	assert.Equal(t, "main", normalized["branch"])
	assert.Equal(t, float64(5), normalized["keep_releases"])
}

func TestParsePortRange(t *testing.T) {
	from, to, err := ParsePortRange("3000-3005")
	require.NoError(t, err)
	assert.Equal(t, 3000, from)
	assert.Equal(t, 3005, to)

	from, to, err = ParsePortRange("443")
	require.NoError(t, err)
	assert.Equal(t, 443, from)
	assert.Equal(t, 443, to)

	for _, bad := range []string{"", "-", "1-", "65536", "10-70000", "a-b"} {
		_, _, err := ParsePortRange(bad)
		assert.Error(t, err, bad)
	}
}
