package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Manifest is a declarative list of hosts and the resources they carry.
type Manifest struct {
	Hosts     []ManifestHost     `json:"hosts"`
	Resources []ManifestResource `json:"resources"`

	SourceFiles []string          `json:"source_files"`
	ParsedAt    time.Time         `json:"parsed_at"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

// ManifestHost declares a host by name.
type ManifestHost struct {
	Name          string            `json:"name" validate:"required"`
	Address       string            `json:"address" validate:"required"`
	Port          int               `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	BootstrapUser string            `json:"bootstrap_user,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// ManifestResource declares one resource on a host named in the manifest or
// already registered.
type ManifestResource struct {
	Host   string         `json:"host" validate:"required"`
	Kind   engine.Kind    `json:"kind" validate:"required"`
	Config map[string]any `json:"config"`

	// Install queues the install right after the record is created.
	Install bool `json:"install,omitempty"`
}

// Valid reports whether parsing found no problems.
func (m *Manifest) Valid() bool { return len(m.Errors) == 0 }

// Err folds the collected problems into one error.
func (m *Manifest) Err() error {
	if m.Valid() {
		return nil
	}
	msgs := make([]string, len(m.Errors))
	for i, e := range m.Errors {
		msgs[i] = e.String()
	}
	return fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
}

// CUEParser loads manifests from CUE files and checks resource payloads
// against the kind schemas.
type CUEParser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCUEParser creates a parser that validates payloads with schemas.
func NewCUEParser(schemas *SchemaRegistry) *CUEParser {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &CUEParser{
		ctx:       cuecontext.New(),
		schemas:   schemas,
		validator: validator.New(),
	}
}

// Parse loads and unifies every source. Files and directories may be mixed;
// a directory is loaded as one CUE package. Problems in the documents are
// reported on Manifest.Errors, I/O failures as the error.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*Manifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var value cue.Value
	var files []string
	var problems []ValidationError

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var dirFiles []string
			val, dirFiles, errs = cp.loadDirectory(source)
			files = append(files, dirFiles...)
		} else {
			val, errs = cp.loadFile(source)
			files = append(files, source)
		}
		problems = append(problems, errs...)

		if val.Exists() {
			if value.Exists() {
				value = value.Unify(val)
			} else {
				value = val
			}
		}
	}

	if len(problems) > 0 {
		return &Manifest{SourceFiles: files, ParsedAt: time.Now(), Errors: problems}, nil
	}
	if err := value.Validate(); err != nil {
		return &Manifest{SourceFiles: files, ParsedAt: time.Now(), Errors: convertCUEErrors(err)}, nil
	}
	return cp.extract(value, files), nil
}

// ParseInline parses a manifest held in memory.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*Manifest, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Validate(); err != nil {
		return &Manifest{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return cp.extract(val, []string{"inline"}), nil
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CUEParser) extract(val cue.Value, files []string) *Manifest {
	m := &Manifest{SourceFiles: files, ParsedAt: time.Now()}
	fail := func(path string, err error) {
		m.Errors = append(m.Errors, ValidationError{Path: path, Message: err.Error()})
	}

	// hosts is a struct keyed by host name.
	hostsVal := val.LookupPath(cue.ParsePath("hosts"))
	if hostsVal.Exists() {
		iter, err := hostsVal.Fields()
		if err != nil {
			fail("hosts", err)
		} else {
			for iter.Next() {
				name := iter.Selector().Unquoted()
				var host ManifestHost
				if err := iter.Value().Decode(&host); err != nil {
					fail("hosts."+name, err)
					continue
				}
				if host.Name == "" {
					host.Name = name
				}
				if err := cp.validator.Struct(host); err != nil {
					fail("hosts."+name, err)
					continue
				}
				m.Hosts = append(m.Hosts, host)
			}
		}
	}
	sort.Slice(m.Hosts, func(i, j int) bool { return m.Hosts[i].Name < m.Hosts[j].Name })

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		list, err := resourcesVal.List()
		if err != nil {
			fail("resources", err)
			return m
		}
		for idx := 0; list.Next(); idx++ {
			path := fmt.Sprintf("resources[%d]", idx)
			var res ManifestResource
			if err := list.Value().Decode(&res); err != nil {
				fail(path, err)
				continue
			}
			if err := cp.validator.Struct(res); err != nil {
				fail(path, err)
				continue
			}
			if err := res.Kind.Validate(); err != nil {
				fail(path+".kind", err)
				continue
			}
			if err := cp.schemas.ValidatePayload(res.Kind, res.Config); err != nil {
				fail(path+".config", err)
				continue
			}
			m.Resources = append(m.Resources, res)
		}
	}
	return m
}

// FindManifests lists the .cue files below dir.
func FindManifests(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}
