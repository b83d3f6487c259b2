package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// SchemaRegistry validates resource payloads against one CUE definition per
// kind. It implements engine.PayloadValidator.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[engine.Kind]cue.Value
	mu      sync.RWMutex
}

var _ engine.PayloadValidator = (*SchemaRegistry)(nil)

// NewSchemaRegistry creates a registry loaded with the built-in kind schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[engine.Kind]cue.Value),
	}
	for kind, src := range builtinSchemas {
		if err := sr.RegisterSchema(kind, src); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles src and installs its #Payload definition for kind,
// replacing any previous schema.
func (sr *SchemaRegistry) RegisterSchema(kind engine.Kind, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(string(kind)+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", kind, err)
	}
	def := val.LookupPath(cue.ParsePath("#Payload"))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no #Payload definition", kind)
	}
	sr.schemas[kind] = def
	return nil
}

// GetSchema retrieves the payload definition of kind.
func (sr *SchemaRegistry) GetSchema(kind engine.Kind) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[kind]
	return val, ok
}

// Kinds lists the kinds with a registered schema.
func (sr *SchemaRegistry) Kinds() []engine.Kind {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	kinds := make([]engine.Kind, 0, len(sr.schemas))
	for kind := range sr.schemas {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ValidatePayload unifies config with the schema of kind. Unknown fields and
// wrong types are rejected with a validation fault listing every problem.
func (sr *SchemaRegistry) ValidatePayload(kind engine.Kind, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	// Round trip through JSON so integral numbers compile as CUE ints.
	raw, err := json.Marshal(config)
	if err != nil {
		return engine.NewValidationFault("payload is not serializable", err)
	}

	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[kind]
	if !ok {
		return engine.NewValidationFault(fmt.Sprintf("unknown resource kind: %s", kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}

	data := sr.ctx.CompileBytes(raw)
	if err := data.Err(); err != nil {
		return engine.NewValidationFault("payload is not a JSON object", err)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		problems := convertCUEErrors(err)
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.String()
		}
		return engine.NewValidationFault(
			fmt.Sprintf("invalid %s payload: %s", kind, strings.Join(msgs, "; ")), nil).
			WithDetail("errors", problems)
	}
	return nil
}

// convertCUEErrors flattens a CUE error list with positions and paths.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		// Details repeats the path prefix.
		if ve.Path != "" {
			ve.Message = strings.TrimPrefix(ve.Message, ve.Path+": ")
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" && !isSchemaFile(pos[0].Filename()) {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func isSchemaFile(name string) bool {
	for kind := range builtinSchemas {
		if name == string(kind)+".cue" {
			return true
		}
	}
	return false
}

var builtinSchemas = map[engine.Kind]string{
	engine.KindRuntime: `
#Payload: {
	version: string & =~#"^\d+\.\d+$"#
	extensions?: [...string & =~#"^[a-z0-9_]+$"#]
	cli_default?:  bool
	site_default?: bool
}
`,
	engine.KindDatabase: `
#Payload: {
	engine:   "mysql" | "mariadb" | "postgresql" | "redis"
	version?: string & =~#"^\d+(\.\d+)?$"#
	port?:    int & >=1 & <=65535
}
`,
	engine.KindFirewallRule: `
#Payload: {
	// "N" or "N-M"
	port:       string & =~#"^\s*\d{1,5}(-\d{1,5})?\s*$"#
	rule_type?: "allow" | "deny"
	from_ip?:   string & !=""
}
`,
	engine.KindWorker: `
#Payload: {
	name:       string & =~#"^[a-z0-9][a-z0-9_-]{0,62}$"#
	command:    string & !=""
	processes?: int & >=1 & <=64
	user?:      string & =~#"^[a-z_][a-z0-9_-]{0,31}$"#
	directory?: string & =~"^/"
}
`,
	engine.KindRecurringTask: `
#Payload: {
	name:       string & =~#"^[a-z0-9][a-z0-9_-]{0,62}$"#
	command:    string & !=""
	frequency?: "minutely" | "hourly" | "daily" | "weekly" | "monthly"
	cron?:      string & =~#"^\S+(\s+\S+){4}$"#
	user?:      string & =~#"^[a-z_][a-z0-9_-]{0,31}$"#
	timeout_seconds?: int & >=1 & <=3600
}
`,
	engine.KindProxy: `
#Payload: {
	type?: "nginx" | "caddy"
}
`,
	engine.KindSite: `
#Payload: {
	domain:         string & =~#"^[A-Za-z0-9.-]+\.[A-Za-z]{2,}$"#
	site_type?:     "generic" | "wordpress"
	repository?:    string
	branch?:        string & !=""
	document_root?: string
	build_script?:  string
	auto_deploy?:   bool
	webhook_secret?: string
	keep_releases?: int & >=1 & <=50
}
`,
}
