package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads and parses an experiment file. YAML and JSON documents are
// decoded with yaml.v3; files ending in .toml are decoded as TOML.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	exp, err := Parse(os.ExpandEnv(string(data)), filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return exp, nil
}

// Parse decodes an experiment document. ext selects the format (".toml"
// for TOML, anything else for YAML/JSON).
func Parse(doc, ext string) (*Experiment, error) {
	var exp Experiment
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(doc, &exp); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(doc), &exp); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	exp.applyDefaults()
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

// Size is a byte count that decodes from plain integers or
// human-readable strings such as "4k", "1m" or "2GB".
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: size must be a scalar, line %d", n.Line)
	}
	return s.UnmarshalText([]byte(n.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (s *Size) UnmarshalText(b []byte) error {
	v, err := ParseSize(string(b))
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

// ParseSize converts a human-readable size like "2TB", "500g", "4k" to bytes.
// All multipliers are powers of two.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"PB", 1 << 50},
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"P", 1 << 50},
		{"T", 1 << 40},
		{"G", 1 << 30},
		{"M", 1 << 20},
		{"K", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
			}
			return int64(num * float64(m.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
	}
	return n, nil
}
