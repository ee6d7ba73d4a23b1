package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Format of a configuration file.
type Format uint8

const (
	// FormatYAML is the only supported format.
	FormatYAML Format = iota
)

// ParseFile loads the configuration stored at filename.
func ParseFile(filename string) (Config, error) {
	f, err := GetTypeFromFileExtension(filename)
	if err != nil {
		return Config{}, err
	}

	content, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config file")
	}

	return Parse(f, content)
}

// Parse decodes content. A document without any key yields the default configuration.
func Parse(f Format, content []byte) (cfg Config, err error) {
	if f != FormatYAML {
		return cfg, fmt.Errorf("unsupported config type '%+v'", f)
	}

	err = yaml.NewDecoder(bytes.NewReader(content)).Decode(&cfg)
	if errors.Is(err, io.EOF) {
		return New(), nil
	}

	return cfg, errors.Wrap(err, "decoding yaml config")
}

// GetTypeFromFileExtension infers the Format from the extension of filename.
func GetTypeFromFileExtension(filename string) (Format, error) {
	if ext := filepath.Ext(filename); ext != ".yml" && ext != ".yaml" {
		return 0, fmt.Errorf("unsupported config type '%s', expected .y(a)ml", ext)
	}

	return FormatYAML, nil
}
