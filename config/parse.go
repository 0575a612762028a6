package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// format is the encoding of a settings file, chosen by its extension.
type format int

const (
	formatYAML format = iota
	formatJSON
)

func formatOf(path string) (format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		return formatYAML, nil
	case ".json":
		return formatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// decode unmarshals data into out. Both formats reject unknown keys so that
// a misspelled setting is reported instead of silently keeping its default.
func decode(data []byte, f format, out any) error {
	if f == formatJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(out)
	}
	return yaml.UnmarshalWithOptions(data, out, yaml.Strict())
}

func decodeFile(path string, out any) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decode(data, f, out); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ParseFile loads a Config from a YAML or JSON file. Settings missing from
// the file keep their defaults.
func ParseFile(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML loads a Config from YAML.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, formatYAML, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseJSON loads a Config from JSON.
func ParseJSON(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, formatJSON, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
