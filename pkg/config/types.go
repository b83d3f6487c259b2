package config

import "time"

// ServerConfig is the configuration of a pilot server process.
type ServerConfig struct {
	Server    ServerSection    `yaml:"server"`
	Store     StoreSection     `yaml:"store"`
	SSH       SSHSection       `yaml:"ssh"`
	Engine    EngineSection    `yaml:"engine"`
	Lock      LockSection      `yaml:"lock"`
	Ingest    IngestSection    `yaml:"ingest"`
	Webhook   WebhookSection   `yaml:"webhook"`
	Policy    PolicySection    `yaml:"policy"`
	Telemetry TelemetrySection `yaml:"telemetry"`
}

// ServerSection configures the HTTP listener.
type ServerSection struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// PublicURL is where host collectors push metrics.
	PublicURL string `yaml:"public_url" validate:"required,url"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// StoreSection configures the SQLite database.
type StoreSection struct {
	Path         string `yaml:"path" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

// SSHSection configures the remote command runner.
type SSHSection struct {
	// KeyPath is the orchestrator's private key. Generated when missing.
	KeyPath        string        `yaml:"key_path" validate:"required"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	KeepAlive      time.Duration `yaml:"keep_alive" validate:"gte=0"`
}

// EngineSection sizes the worker pool and job timeouts.
type EngineSection struct {
	Workers   int `yaml:"workers" validate:"gte=1,lte=256"`
	QueueSize int `yaml:"queue_size" validate:"gte=1"`

	InstallerTimeout time.Duration `yaml:"installer_timeout" validate:"gt=0"`
	DeployTimeout    time.Duration `yaml:"deploy_timeout" validate:"gt=0"`

	// BootstrapStepTimeout bounds each bootstrap step. The bootstrap lock is
	// leased for all eight steps.
	BootstrapStepTimeout time.Duration `yaml:"bootstrap_step_timeout" validate:"gt=0"`
}

// LockSection selects the overlap lock backend.
type LockSection struct {
	Backend   string `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB   int    `yaml:"redis_db" validate:"gte=0"`
	Prefix    string `yaml:"prefix"`
}

// IngestSection configures metric ingestion tokens. Ingestion is disabled
// while JWTSecret is empty.
type IngestSection struct {
	JWTSecret string        `yaml:"jwt_secret" validate:"omitempty,min=16"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"gte=0"`
}

// WebhookSection bounds incoming push notifications. Secrets are per site.
type WebhookSection struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=1024"`
}

// PolicySection configures admission policies.
type PolicySection struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Watch   bool   `yaml:"watch"`

	// Limits overrides the built-in per-host quota of a kind.
	Limits map[string]int `yaml:"limits" validate:"dive,gte=0"`

	// Admins may act on hosts owned by someone else.
	Admins []string `yaml:"admins"`
}

// TelemetrySection configures logging, metrics and tracing.
type TelemetrySection struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`
	Metrics   bool   `yaml:"metrics"`

	// Tracing is none, stdout or otlp.
	Tracing      string `yaml:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Tracing otlp"`
}

// ValidationError is one problem found in a CUE document.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the CUE path to the error, e.g. "resources[2].config.port".
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc += ":" + itoa(e.Line) + ":" + itoa(e.Column)
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}
