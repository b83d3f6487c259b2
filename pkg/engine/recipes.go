package engine

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"
)

// Remote layout managed by pilot.
const (
	PilotUser = "pilot"
	TasksDir  = "/var/lib/pilot/tasks"
	SitesRoot = "/srv/sites"

	supervisorDir   = "/etc/supervisor/conf.d"
	nginxAvailable  = "/etc/nginx/sites-available"
	nginxEnabled    = "/etc/nginx/sites-enabled"
	aptEnv          = "DEBIAN_FRONTEND=noninteractive"
	wordpressTarURL = "https://wordpress.org/latest.tar.gz"
)

// FileUpload is a file written to the host over sftp.
type FileUpload struct {
	Path    string
	Content []byte
	Mode    os.FileMode
}

// Step is one remote action of an operation. Exactly one of Command and
// Upload is set.
type Step struct {
	Milestone string
	Command   string
	Upload    *FileUpload

	// Timeout overrides the job timeout when positive.
	Timeout time.Duration
}

// Describe returns a short label for logs and error messages.
func (s Step) Describe() string {
	if s.Upload != nil {
		return "upload " + s.Upload.Path
	}
	return s.Command
}

// Recipe is the ordered step list of one operation on one resource.
type Recipe struct {
	Steps []Step

	// Patch is merged into the resource payload when the operation succeeds.
	Patch map[string]any
}

// RecipeEnv carries host facts that change the step list.
type RecipeEnv struct {
	// FirstRuntime is set when no other runtime is active on the host.
	FirstRuntime bool
}

// BuildRecipe returns the steps that perform op on res.
func BuildRecipe(res *Resource, op Operation, env RecipeEnv) (*Recipe, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	cfg, err := decodeKindConfig(res)
	if err != nil {
		return nil, err
	}

	recipe := &Recipe{}
	install := op == OperationInstall

	switch c := cfg.(type) {
	case *RuntimeConfig:
		recipe.Steps = runtimeSteps(c, install, env)
		if install && env.FirstRuntime {
			recipe.Patch = map[string]any{"cli_default": true, "site_default": true}
		}
	case *DatabaseConfig:
		recipe.Steps = databaseSteps(c, install)
	case *FirewallConfig:
		recipe.Steps = firewallSteps(c, install)
	case *WorkerConfig:
		recipe.Steps = workerSteps(c, install)
	case *RecurringTaskConfig:
		recipe.Steps = taskSteps(res.ID, c, install)
	case *ProxyConfig:
		recipe.Steps = proxySteps(c, install)
	case *SiteConfig:
		recipe.Steps = siteSteps(c, install)
	default:
		return nil, NewFatalJobFault(fmt.Sprintf("no recipe for %s", res.Kind), nil)
	}
	return recipe, nil
}

func command(milestone, format string, args ...any) Step {
	return Step{Milestone: milestone, Command: fmt.Sprintf(format, args...)}
}

func upload(milestone, remotePath string, mode os.FileMode, content string) Step {
	return Step{Milestone: milestone, Upload: &FileUpload{Path: remotePath, Content: []byte(content), Mode: mode}}
}

func runtimeSteps(c *RuntimeConfig, install bool, env RecipeEnv) []Step {
	name := "php" + c.Version
	if !install {
		return []Step{
			command("stopping_service", "systemctl disable --now %s-fpm", name),
			command("removing_packages", "%s apt-get purge -y '%s-*' && apt-get autoremove -y", aptEnv, name),
		}
	}

	packages := make([]string, 0, len(c.Extensions))
	for _, ext := range c.Extensions {
		packages = append(packages, name+"-"+ext)
	}
	steps := []Step{
		command("adding_repository", "%s add-apt-repository -y ppa:ondrej/php && apt-get update -y", aptEnv),
		command("installing_packages", "%s apt-get install -y %s", aptEnv, strings.Join(packages, " ")),
		command("enabling_service", "systemctl enable --now %s-fpm", name),
	}
	if env.FirstRuntime {
		steps = append(steps, command("setting_defaults",
			"update-alternatives --set php /usr/bin/%s && update-alternatives --set php-fpm.sock /run/php/%s-fpm.sock", name, name))
	}
	return steps
}

func databaseSteps(c *DatabaseConfig, install bool) []Step {
	engine := databaseEngines[c.Engine]
	pkg := engine.pkg
	if c.Engine == "postgresql" && c.Version != "" {
		pkg = "postgresql-" + c.Version
	}

	if !install {
		return []Step{
			command("stopping_service", "systemctl disable --now %s", engine.service),
			command("removing_packages", "%s apt-get purge -y %s && apt-get autoremove -y", aptEnv, pkg),
		}
	}

	var port Step
	switch c.Engine {
	case "mysql", "mariadb":
		port = upload("configuring_port", "/etc/mysql/conf.d/pilot.cnf", 0644,
			fmt.Sprintf("[mysqld]\nport = %d\n", c.Port))
	case "postgresql":
		port = command("configuring_port",
			`sed -i -E 's/^#?port = [0-9]+/port = %d/' /etc/postgresql/*/main/postgresql.conf`, c.Port)
	case "redis":
		port = command("configuring_port", `sed -i -E 's/^port [0-9]+/port %d/' /etc/redis/redis.conf`, c.Port)
	}

	return []Step{
		command("installing_packages", "%s apt-get install -y %s", aptEnv, pkg),
		port,
		command("enabling_service", "systemctl enable %s && systemctl restart %s", engine.service, engine.service),
	}
}

func firewallSteps(c *FirewallConfig, install bool) []Step {
	rule := fmt.Sprintf("%s %s/tcp", c.RuleType, c.ufwPort())
	if c.FromIP != "" {
		rule = fmt.Sprintf("%s from %s to any port %s proto tcp", c.RuleType, c.FromIP, c.ufwPort())
	}

	if !install {
		return []Step{
			command("removing_rule", "ufw delete %s", rule),
			command("reloading_firewall", "ufw reload"),
		}
	}
	return []Step{
		command("adding_rule", "ufw %s", rule),
		command("reloading_firewall", "ufw reload"),
	}
}

const supervisorProgram = `[program:pilot-%[1]s]
command=%[2]s
directory=%[3]s
user=%[4]s
numprocs=%[5]d
process_name=%%(program_name)s_%%(process_num)02d
autostart=true
autorestart=true
stopasgroup=true
killasgroup=true
redirect_stderr=true
stdout_logfile=/var/log/pilot/worker-%[1]s.log
`

func workerSteps(c *WorkerConfig, install bool) []Step {
	confPath := path.Join(supervisorDir, "pilot-"+c.Name+".conf")
	if !install {
		return []Step{
			command("stopping_worker", "supervisorctl stop 'pilot-%s:*' || true", c.Name),
			command("removing_config", "rm -f %s", confPath),
			command("updating_supervisor", "supervisorctl update"),
		}
	}

	dir := c.Directory
	if dir == "" {
		dir = "/home/" + c.User
	}
	return []Step{
		command("preparing_logs", "mkdir -p /var/log/pilot"),
		upload("writing_config", confPath, 0644,
			fmt.Sprintf(supervisorProgram, c.Name, c.Command, dir, c.User, c.Processes)),
		command("rereading_config", "supervisorctl reread"),
		command("updating_supervisor", "supervisorctl update"),
	}
}

// TaskScriptPath is where the wrapper script of a recurring task lives.
func TaskScriptPath(taskID string) string {
	return path.Join(TasksDir, taskID+".sh")
}

func taskScript(c *RecurringTaskConfig) string {
	return "#!/bin/sh\n# pilot recurring task: " + c.Name + "\ncd \"$HOME\" 2>/dev/null || cd /\n" + c.Command + "\n"
}

func taskSteps(taskID string, c *RecurringTaskConfig, install bool) []Step {
	script := TaskScriptPath(taskID)
	if !install {
		return []Step{
			command("removing_script", "rm -f %s", script),
		}
	}
	return []Step{
		upload("writing_script", script, 0755, taskScript(c)),
		command("verifying_script", "test -x %s && id -u %s", script, c.User),
	}
}

func proxySteps(c *ProxyConfig, install bool) []Step {
	if !install {
		return []Step{
			command("stopping_service", "systemctl disable --now %s", c.Type),
			command("removing_packages", "%s apt-get purge -y %s && apt-get autoremove -y", aptEnv, c.Type),
		}
	}
	return []Step{
		command("installing_packages", "%s apt-get install -y %s", aptEnv, c.Type),
		command("enabling_service", "systemctl enable --now %s", c.Type),
	}
}

// SiteDir is the root of a site on its host.
func SiteDir(domain string) string { return path.Join(SitesRoot, domain) }

// SiteReleasesDir holds one directory per deployment.
func SiteReleasesDir(domain string) string { return path.Join(SiteDir(domain), "releases") }

// SiteCurrentLink points at the live release.
func SiteCurrentLink(domain string) string { return path.Join(SiteDir(domain), "current") }

const nginxVhost = `server {
    listen 80;
    listen [::]:80;
    server_name %[1]s;
    root %[2]s;
    index index.php index.html;

    location / {
        try_files $uri $uri/ /index.php?$query_string;
    }

    location ~ \.php$ {
        include snippets/fastcgi-php.conf;
        fastcgi_pass unix:/run/php/php-fpm.sock;
    }
}
`

func siteSteps(c *SiteConfig, install bool) []Step {
	dir := SiteDir(c.Domain)
	available := path.Join(nginxAvailable, c.Domain+".conf")
	enabled := path.Join(nginxEnabled, c.Domain+".conf")

	if !install {
		return []Step{
			command("removing_vhost", "rm -f %s %s && systemctl reload nginx", enabled, available),
			command("removing_files", "rm -rf %s", dir),
		}
	}

	steps := []Step{
		command("creating_directories", "mkdir -p %s/releases %s/shared && chown -R %s:%s %s",
			dir, dir, PilotUser, PilotUser, dir),
	}
	if c.SiteType == "wordpress" {
		initial := path.Join(SiteReleasesDir(c.Domain), "initial")
		steps = append(steps, command("downloading_wordpress",
			"mkdir -p %s && curl -fsSL %s | tar -xz -C %s --strip-components=1 && ln -sfn %s %s && chown -R %s:%s %s",
			initial, wordpressTarURL, initial, initial, SiteCurrentLink(c.Domain), PilotUser, PilotUser, dir))
	}

	root := path.Join(SiteCurrentLink(c.Domain), c.DocumentRoot)
	steps = append(steps,
		upload("writing_vhost", available, 0644, fmt.Sprintf(nginxVhost, c.Domain, root)),
		command("enabling_site", "ln -sfn %s %s && nginx -t && systemctl reload nginx", available, enabled),
	)
	return steps
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
