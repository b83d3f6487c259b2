package engine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recipeFor(t *testing.T, kind Kind, config map[string]any, op Operation, env RecipeEnv) *Recipe {
	t.Helper()
	normalized, key, err := NormalizeConfig(kind, config)
	require.NoError(t, err)
	recipe, err := BuildRecipe(&Resource{ID: "res-1", Kind: kind, Key: key, Config: normalized}, op, env)
	require.NoError(t, err)
	return recipe
}

func commandsOf(recipe *Recipe) []string {
	var out []string
	for _, s := range recipe.Steps {
		out = append(out, s.Describe())
	}
	return out
}

func TestFirewallRecipe(t *testing.T) {
	install := recipeFor(t, KindFirewallRule, map[string]any{"port": "3000-3005", "rule_type": "allow"}, OperationInstall, RecipeEnv{})
	assert.Equal(t, []string{"ufw allow 3000:3005/tcp", "ufw reload"}, commandsOf(install))

	scoped := recipeFor(t, KindFirewallRule, map[string]any{"port": "5432", "rule_type": "deny", "from_ip": "10.0.0.0/8"}, OperationInstall, RecipeEnv{})
	assert.Equal(t, "ufw deny from 10.0.0.0/8 to any port 5432 proto tcp", scoped.Steps[0].Command)

	uninstall := recipeFor(t, KindFirewallRule, map[string]any{"port": "3000-3005"}, OperationUninstall, RecipeEnv{})
	assert.Equal(t, []string{"ufw delete allow 3000:3005/tcp", "ufw reload"}, commandsOf(uninstall))
}

func TestRuntimeRecipe(t *testing.T) {
	first := recipeFor(t, KindRuntime, map[string]any{"version": "8.3"}, OperationInstall, RecipeEnv{FirstRuntime: true})
	last := first.Steps[len(first.Steps)-1]
	assert.Equal(t, "setting_defaults", last.Milestone)
	assert.Contains(t, last.Command, "update-alternatives --set php /usr/bin/php8.3")
	assert.Equal(t, map[string]any{"cli_default": true, "site_default": true}, first.Patch)
	assert.Contains(t, first.Steps[1].Command, "php8.3-fpm")

	second := recipeFor(t, KindRuntime, map[string]any{"version": "8.2"}, OperationInstall, RecipeEnv{})
	assert.Len(t, second.Steps, len(first.Steps)-1)
	assert.Nil(t, second.Patch)

	removal := recipeFor(t, KindRuntime, map[string]any{"version": "8.3"}, OperationUninstall, RecipeEnv{})
	assert.Contains(t, removal.Steps[1].Command, "apt-get purge -y 'php8.3-*'")
}

func TestTaskRecipeUploadsScript(t *testing.T) {
	recipe := recipeFor(t, KindRecurringTask, map[string]any{
		"name": "backup", "command": "pg_dump app > /backups/app.sql", "frequency": "daily",
	}, OperationInstall, RecipeEnv{})

	require.NotNil(t, recipe.Steps[0].Upload)
	assert.Equal(t, TaskScriptPath("res-1"), recipe.Steps[0].Upload.Path)
	assert.Equal(t, os.FileMode(0755), recipe.Steps[0].Upload.Mode)
	assert.Contains(t, string(recipe.Steps[0].Upload.Content), "pg_dump app")
	assert.Equal(t, "test -x /var/lib/pilot/tasks/res-1.sh && id -u pilot", recipe.Steps[1].Command)
}

func TestWorkerRecipe(t *testing.T) {
	recipe := recipeFor(t, KindWorker, map[string]any{
		"name": "queue", "command": "php artisan queue:work", "processes": 3,
	}, OperationInstall, RecipeEnv{})

	conf := recipe.Steps[1].Upload
	require.NotNil(t, conf)
	assert.Equal(t, "/etc/supervisor/conf.d/pilot-queue.conf", conf.Path)
	assert.Contains(t, string(conf.Content), "[program:pilot-queue]")
	assert.Contains(t, string(conf.Content), "numprocs=3")
	assert.Contains(t, string(conf.Content), "process_name=%(program_name)s_%(process_num)02d")
	assert.Equal(t, "supervisorctl update", recipe.Steps[len(recipe.Steps)-1].Command)
}

func TestSiteRecipe(t *testing.T) {
	generic := recipeFor(t, KindSite, map[string]any{"domain": "example.com"}, OperationInstall, RecipeEnv{})
	for _, s := range generic.Steps {
		assert.NotEqual(t, "downloading_wordpress", s.Milestone)
	}
	vhost := generic.Steps[1].Upload
	require.NotNil(t, vhost)
	assert.Contains(t, string(vhost.Content), "root /srv/sites/example.com/current/public;")

	wordpress := recipeFor(t, KindSite, map[string]any{"domain": "blog.example.com", "site_type": "wordpress"}, OperationInstall, RecipeEnv{})
	assert.Equal(t, "downloading_wordpress", wordpress.Steps[1].Milestone)
	assert.Contains(t, wordpress.Steps[1].Command, "wordpress.org/latest.tar.gz")
}

func TestDatabaseRecipe(t *testing.T) {
	mysql := recipeFor(t, KindDatabase, map[string]any{"engine": "mysql", "port": 3307}, OperationInstall, RecipeEnv{})
	require.NotNil(t, mysql.Steps[1].Upload)
	assert.Contains(t, string(mysql.Steps[1].Upload.Content), "port = 3307")

	redis := recipeFor(t, KindDatabase, map[string]any{"engine": "redis"}, OperationInstall, RecipeEnv{})
	assert.Contains(t, redis.Steps[1].Command, "port 6379")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
