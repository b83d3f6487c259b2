package engine

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	runtimeVersionPattern = regexp.MustCompile(`^\d+\.\d+$`)
	serverVersionPattern  = regexp.MustCompile(`^\d+(\.\d+)?$`)
	namePattern           = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	userPattern           = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	extensionPattern      = regexp.MustCompile(`^[a-z0-9_]+$`)
	domainPattern         = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
	branchPattern         = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,255}$`)
	commitPattern         = regexp.MustCompile(`^[0-9a-f]{7,40}$`)
	hostnamePattern       = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]{0,251}[A-Za-z0-9])?$`)
)

// DefaultTaskTimeoutSeconds applies to recurring tasks that set no timeout.
const DefaultTaskTimeoutSeconds = 300

// kindConfig is the typed payload of one resource kind.
type kindConfig interface {
	applyDefaults()
	validate() error

	// key is the identifying key that must be unique per host among live
	// resources of the kind.
	key() string
}

func newKindConfig(kind Kind) (kindConfig, error) {
	switch kind {
	case KindRuntime:
		return &RuntimeConfig{}, nil
	case KindDatabase:
		return &DatabaseConfig{}, nil
	case KindFirewallRule:
		return &FirewallConfig{}, nil
	case KindWorker:
		return &WorkerConfig{}, nil
	case KindRecurringTask:
		return &RecurringTaskConfig{}, nil
	case KindProxy:
		return &ProxyConfig{}, nil
	case KindSite:
		return &SiteConfig{}, nil
	default:
		return nil, kind.Validate()
	}
}

// decodeKindConfig decodes and validates the payload of res.
func decodeKindConfig(res *Resource) (kindConfig, error) {
	cfg, err := newKindConfig(res.Kind)
	if err != nil {
		return nil, err
	}
	if err := res.DecodeConfig(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NormalizeConfig validates the payload of a new resource, fills defaults and
// returns the normalized payload together with the identifying key.
func NormalizeConfig(kind Kind, config map[string]any) (map[string]any, string, error) {
	res := &Resource{Kind: kind, Config: config}
	cfg, err := decodeKindConfig(res)
	if err != nil {
		return nil, "", err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode config: %w", err)
	}
	normalized := make(map[string]any)
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, "", fmt.Errorf("failed to decode config: %w", err)
	}
	return normalized, cfg.key(), nil
}

func invalid(format string, args ...any) *Fault {
	return NewValidationFault(fmt.Sprintf(format, args...), nil)
}

// RuntimeConfig is a language runtime version with its extensions.
type RuntimeConfig struct {
	Version    string   `json:"version"`
	Extensions []string `json:"extensions,omitempty"`

	// Set by the installer on the first runtime of a host.
	CLIDefault  bool `json:"cli_default"`
	SiteDefault bool `json:"site_default"`
}

var defaultRuntimeExtensions = []string{"cli", "fpm", "mbstring", "xml", "curl", "zip", "mysql", "intl"}

func (c *RuntimeConfig) applyDefaults() {
	if len(c.Extensions) == 0 {
		c.Extensions = append([]string(nil), defaultRuntimeExtensions...)
	}
}

func (c *RuntimeConfig) validate() error {
	if !runtimeVersionPattern.MatchString(c.Version) {
		return invalid("invalid runtime version %q (expected X.Y)", c.Version)
	}
	for _, ext := range c.Extensions {
		if !extensionPattern.MatchString(ext) {
			return invalid("invalid extension name %q", ext)
		}
	}
	return nil
}

func (c *RuntimeConfig) key() string { return c.Version }

// DatabaseConfig is one database server per engine.
type DatabaseConfig struct {
	Engine  string `json:"engine"`
	Version string `json:"version,omitempty"`
	Port    int    `json:"port"`
}

type databaseEngine struct {
	pkg         string
	service     string
	defaultPort int
}

var databaseEngines = map[string]databaseEngine{
	"mysql":      {pkg: "mysql-server", service: "mysql", defaultPort: 3306},
	"mariadb":    {pkg: "mariadb-server", service: "mariadb", defaultPort: 3306},
	"postgresql": {pkg: "postgresql", service: "postgresql", defaultPort: 5432},
	"redis":      {pkg: "redis-server", service: "redis-server", defaultPort: 6379},
}

func (c *DatabaseConfig) applyDefaults() {
	if engine, ok := databaseEngines[c.Engine]; ok && c.Port == 0 {
		c.Port = engine.defaultPort
	}
}

func (c *DatabaseConfig) validate() error {
	if _, ok := databaseEngines[c.Engine]; !ok {
		return invalid("invalid database engine %q (must be mysql, mariadb, postgresql or redis)", c.Engine)
	}
	if c.Port < 1 || c.Port > 65535 {
		return invalid("invalid port: %d", c.Port)
	}
	if c.Version != "" && !serverVersionPattern.MatchString(c.Version) {
		return invalid("invalid database version %q", c.Version)
	}
	return nil
}

func (c *DatabaseConfig) key() string { return c.Engine }

// FirewallConfig opens or closes a TCP port or port range.
type FirewallConfig struct {
	// Port is "N" or "N-M".
	Port     string `json:"port"`
	RuleType string `json:"rule_type"`
	FromIP   string `json:"from_ip,omitempty"`
}

func (c *FirewallConfig) applyDefaults() {
	c.Port = strings.TrimSpace(c.Port)
	if c.RuleType == "" {
		c.RuleType = "allow"
	}
}

func (c *FirewallConfig) validate() error {
	if _, _, err := ParsePortRange(c.Port); err != nil {
		return err
	}
	if c.RuleType != "allow" && c.RuleType != "deny" {
		return invalid("invalid rule type %q (must be allow or deny)", c.RuleType)
	}
	if c.FromIP != "" {
		if net.ParseIP(c.FromIP) == nil {
			if _, _, err := net.ParseCIDR(c.FromIP); err != nil {
				return invalid("invalid source address %q", c.FromIP)
			}
		}
	}
	return nil
}

func (c *FirewallConfig) key() string { return c.Port }

// ufwPort renders the port in ufw syntax.
func (c *FirewallConfig) ufwPort() string {
	return strings.Replace(c.Port, "-", ":", 1)
}

// ParsePortRange parses "N" or "N-M" with 1 <= N <= M <= 65535.
func ParsePortRange(s string) (int, int, error) {
	lo, hi, isRange := strings.Cut(s, "-")
	from, err := strconv.Atoi(lo)
	if err != nil || from < 1 || from > 65535 {
		return 0, 0, invalid("invalid port %q", s)
	}
	if !isRange {
		return from, from, nil
	}
	to, err := strconv.Atoi(hi)
	if err != nil || to < 1 || to > 65535 {
		return 0, 0, invalid("invalid port %q", s)
	}
	if to < from {
		return 0, 0, invalid("invalid port range %q: end before start", s)
	}
	return from, to, nil
}

// WorkerConfig is a long-running background process kept alive by supervisor.
type WorkerConfig struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Processes int    `json:"processes"`
	User      string `json:"user"`
	Directory string `json:"directory,omitempty"`
}

func (c *WorkerConfig) applyDefaults() {
	if c.Processes == 0 {
		c.Processes = 1
	}
	if c.User == "" {
		c.User = PilotUser
	}
}

func (c *WorkerConfig) validate() error {
	if !namePattern.MatchString(c.Name) {
		return invalid("invalid worker name %q", c.Name)
	}
	if strings.TrimSpace(c.Command) == "" || strings.ContainsAny(c.Command, "\n\r") {
		return invalid("worker command must be a single non-empty line")
	}
	if c.Processes < 1 || c.Processes > 64 {
		return invalid("processes must be between 1 and 64, got %d", c.Processes)
	}
	if !userPattern.MatchString(c.User) {
		return invalid("invalid user %q", c.User)
	}
	if c.Directory != "" && !strings.HasPrefix(c.Directory, "/") {
		return invalid("directory must be absolute")
	}
	return nil
}

func (c *WorkerConfig) key() string { return c.Name }

// RecurringTaskConfig is a command fired on a schedule by the task runner.
type RecurringTaskConfig struct {
	Name    string `json:"name"`
	Command string `json:"command"`

	// Exactly one of Frequency and Cron is set.
	Frequency string `json:"frequency,omitempty"`
	Cron      string `json:"cron,omitempty"`

	User           string `json:"user"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (c *RecurringTaskConfig) applyDefaults() {
	if c.User == "" {
		c.User = PilotUser
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTaskTimeoutSeconds
	}
}

func (c *RecurringTaskConfig) validate() error {
	if !namePattern.MatchString(c.Name) {
		return invalid("invalid task name %q", c.Name)
	}
	if strings.TrimSpace(c.Command) == "" {
		return invalid("task command is required")
	}
	if !userPattern.MatchString(c.User) {
		return invalid("invalid user %q", c.User)
	}
	if c.TimeoutSeconds < 1 || c.TimeoutSeconds > 3600 {
		return invalid("timeout must be between 1 and 3600 seconds, got %d", c.TimeoutSeconds)
	}
	if _, err := c.Spec(); err != nil {
		return err
	}
	return nil
}

func (c *RecurringTaskConfig) key() string { return c.Name }

// Spec returns the cron expression the task fires on.
func (c *RecurringTaskConfig) Spec() (string, error) {
	if c.Frequency != "" && c.Cron != "" {
		return "", invalid("set either frequency or cron, not both")
	}
	if c.Frequency != "" {
		spec, ok := frequencySpecs[c.Frequency]
		if !ok {
			return "", invalid("invalid frequency %q", c.Frequency)
		}
		return spec, nil
	}
	if c.Cron == "" {
		return "", invalid("frequency or cron is required")
	}
	if _, err := ParseSchedule(c.Cron); err != nil {
		return "", err
	}
	return c.Cron, nil
}

// ProxyConfig is the host's reverse proxy. A host has at most one.
type ProxyConfig struct {
	Type string `json:"type"`
}

func (c *ProxyConfig) applyDefaults() {
	if c.Type == "" {
		c.Type = "nginx"
	}
}

func (c *ProxyConfig) validate() error {
	if c.Type != "nginx" && c.Type != "caddy" {
		return invalid("invalid proxy type %q (must be nginx or caddy)", c.Type)
	}
	return nil
}

func (c *ProxyConfig) key() string { return "proxy" }

// SiteConfig is an application served from a git repository.
type SiteConfig struct {
	Domain       string `json:"domain"`
	SiteType     string `json:"site_type"`
	Repository   string `json:"repository,omitempty"`
	Branch       string `json:"branch"`
	DocumentRoot string `json:"document_root"`

	// BuildScript runs inside each new release directory.
	BuildScript string `json:"build_script,omitempty"`

	AutoDeploy    bool   `json:"auto_deploy"`
	WebhookSecret string `json:"webhook_secret,omitempty"`

	// KeepReleases is how many old releases survive a deployment.
	KeepReleases int `json:"keep_releases"`
}

func (c *SiteConfig) applyDefaults() {
	c.Domain = strings.ToLower(c.Domain)
	if c.SiteType == "" {
		c.SiteType = "generic"
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.DocumentRoot == "" {
		c.DocumentRoot = "public"
		if c.SiteType == "wordpress" {
			c.DocumentRoot = "."
		}
	}
	if c.KeepReleases == 0 {
		c.KeepReleases = 5
	}
}

func (c *SiteConfig) validate() error {
	if !domainPattern.MatchString(c.Domain) {
		return invalid("invalid domain %q", c.Domain)
	}
	if c.SiteType != "generic" && c.SiteType != "wordpress" {
		return invalid("invalid site type %q (must be generic or wordpress)", c.SiteType)
	}
	if c.Repository != "" && strings.ContainsAny(c.Repository, " \t\n'\"`$;") {
		return invalid("invalid repository %q", c.Repository)
	}
	if !branchPattern.MatchString(c.Branch) || strings.Contains(c.Branch, "..") {
		return invalid("invalid branch %q", c.Branch)
	}
	if strings.HasPrefix(c.DocumentRoot, "/") || strings.Contains(c.DocumentRoot, "..") {
		return invalid("document root must be relative to the release directory")
	}
	if c.AutoDeploy && c.WebhookSecret == "" {
		return invalid("auto deploy requires a webhook secret")
	}
	if c.KeepReleases < 1 || c.KeepReleases > 50 {
		return invalid("keep_releases must be between 1 and 50, got %d", c.KeepReleases)
	}
	return nil
}

func (c *SiteConfig) key() string { return c.Domain }
