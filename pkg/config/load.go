package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// controllerSchema constrains a CUE controller file and supplies defaults.
const controllerSchema = `
#Controller: {
	listen:         string | *"127.0.0.1:10105"
	max_frame_size: int & >=0 | *16777216
	history_path:   string | *""
	history_limit:  int & >=0 | *0

	notify: {
		enabled: bool | *true
		timeout: string | *"5s"
	}

	logging: {
		level:  "trace" | "debug" | *"info" | "warn" | "error" | "fatal"
		format: *"console" | "json"
		output: string | *"stderr"
	}

	metrics: {
		enabled: bool | *false
		listen:  string | *"127.0.0.1:10190"
		path:    string | *"/metrics"
	}

	tracing: {
		enabled:       bool | *false
		exporter:      *"none" | "stdout" | "otlp"
		endpoint:      string | *""
		sampling_rate: number & >=0 & <=1 | *1.0
		insecure:      bool | *true
	}
}
`

// Load reads a controller configuration file. The format follows the
// extension: .cue for CUE, .yaml, .yml or .json for YAML.
func Load(path string) (*ControllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return ParseCUE(data, path)
	case ".yaml", ".yml", ".json":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ParseYAML decodes a YAML (or JSON) document over the defaults. Unknown
// fields are rejected.
func ParseYAML(data []byte) (*ControllerConfig, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseCUE unifies a CUE document with the controller schema and decodes the
// result. filename is used in error positions.
func ParseCUE(data []byte, filename string) (*ControllerConfig, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(controllerSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile controller schema: %w", err)
	}

	val := ctx.CompileString(string(data), cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cueError("failed to parse CUE config", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Controller")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError("invalid CUE config", err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, cueError("failed to export CUE config", err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode CUE config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cueError flattens CUE errors into one message with positions.
func cueError(msg string, err error) error {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		line := cueerrors.Details(e, nil)
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			line = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(line))
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	if len(lines) == 0 {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %s", msg, strings.Join(lines, "; "))
}
