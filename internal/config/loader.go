package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v2"

	"github.com/zesk/ipban/internal/errors"
)

// Load reads, decodes, defaults and validates a config file.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a config file without applying defaults. The format is
// chosen by extension; unknown extensions are tried as HCL, then JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "failed to read config file")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCL(data, path)
	case ".json":
		return LoadJSON(data)
	case ".yaml", ".yml":
		return LoadYAML(data)
	default:
		cfg, err := LoadHCL(data, path)
		if err != nil {
			if jcfg, jerr := LoadJSON(data); jerr == nil {
				return jcfg, nil
			}
			return nil, err
		}
		return cfg, nil
	}
}

// LoadHCL decodes HCL bytes. ${env.NAME} expands to the environment variable.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindConfiguration, "HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, envContext(), &cfg); diags.HasErrors() {
		return nil, errors.Errorf(errors.KindConfiguration, "HCL decode error: %s", diags.Error())
	}
	return &cfg, nil
}

// LoadJSON decodes JSON bytes.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "JSON parse error")
	}
	return &cfg, nil
}

// LoadYAML decodes YAML bytes.
func LoadYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "YAML parse error")
	}
	return &cfg, nil
}

func envContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}
