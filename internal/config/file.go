package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// readConfigFile parses a flat YAML mapping whose keys are environment
// variable names (matched case-insensitively). Lists are joined with commas
// so they feed the same parsers as comma-separated env values.
func readConfigFile(path string) (func(string) (string, bool), error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseConfigFile(raw)
}

func parseConfigFile(raw []byte) (func(string) (string, bool), error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	values := make(map[string]string, len(doc))
	for k, v := range doc {
		s, err := scalarString(v)
		if err != nil {
			return nil, fmt.Errorf("config file key %q: %w", k, err)
		}
		values[strings.ToUpper(strings.TrimSpace(k))] = s
	}
	return func(key string) (string, bool) {
		v, ok := values[strings.ToUpper(key)]
		return v, ok
	}, nil
}

func scalarString(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := scalarString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

// layered consults primary first and falls back to secondary.
func layered(primary, secondary func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && v != "" {
			return v, true
		}
		return secondary(key)
	}
}

// withConfigFile wraps lookup with the YAML file named by --config or
// MESH_CONFIG_FILE, if any. The flag wins over the env var.
func withConfigFile(lookup func(string) (string, bool), args []string) (func(string) (string, bool), error) {
	path := configFileFromArgs(args)
	if path == "" {
		path = envOrDefault(lookup, envVarConfigFile, "")
	}
	if path == "" {
		return lookup, nil
	}
	file, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	return layered(lookup, file), nil
}

func configFileFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			return ""
		}
		switch {
		case arg == "--"+flagConfigFile && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--"+flagConfigFile+"="):
			return strings.TrimPrefix(arg, "--"+flagConfigFile+"=")
		}
	}
	return ""
}
