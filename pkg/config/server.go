package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default returns a configuration usable for a single local server.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Listen:          "127.0.0.1:8420",
			PublicURL:       "http://127.0.0.1:8420",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreSection{
			Path:         "pilot.db",
			MaxOpenConns: 8,
		},
		SSH: SSHSection{
			KeyPath:        "pilot_ed25519",
			ConnectTimeout: 30 * time.Second,
			KeepAlive:      30 * time.Second,
		},
		Engine: EngineSection{
			Workers:              8,
			QueueSize:            256,
			InstallerTimeout:     600 * time.Second,
			DeployTimeout:        20 * time.Minute,
			BootstrapStepTimeout: 10 * time.Minute,
		},
		Lock: LockSection{
			Backend: "memory",
			Prefix:  "pilot:",
		},
		Ingest: IngestSection{
			TokenTTL: 0,
		},
		Webhook: WebhookSection{
			MaxBodyBytes: 1 << 20,
		},
		Telemetry: TelemetrySection{
			LogLevel:  "info",
			LogFormat: "console",
			Metrics:   true,
			Tracing:   "none",
		},
	}
}

// Load reads a YAML file over the defaults, applies PILOT_* environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (*ServerConfig, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides secrets and deployment-specific values from the environment.
func (c *ServerConfig) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str("PILOT_LISTEN", &c.Server.Listen)
	str("PILOT_PUBLIC_URL", &c.Server.PublicURL)
	str("PILOT_DB", &c.Store.Path)
	str("PILOT_SSH_KEY", &c.SSH.KeyPath)
	str("PILOT_LOCK_BACKEND", &c.Lock.Backend)
	str("PILOT_REDIS_ADDR", &c.Lock.RedisAddr)
	str("PILOT_JWT_SECRET", &c.Ingest.JWTSecret)
	str("PILOT_POLICY_DIR", &c.Policy.Dir)
	str("PILOT_LOG_LEVEL", &c.Telemetry.LogLevel)
	str("PILOT_TRACING", &c.Telemetry.Tracing)
	str("PILOT_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	if v, ok := lookup("PILOT_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PILOT_WORKERS %q: %w", v, err)
		}
		c.Engine.Workers = n
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of every section.
func (c *ServerConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "ServerConfig."), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func itoa(n int) string { return strconv.Itoa(n) }
