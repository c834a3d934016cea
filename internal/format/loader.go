package format

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlFormatsFile is the top-level YAML structure for template files.
type yamlFormatsFile struct {
	Formats Formats `yaml:"formats"`
}

// LoadFromFile reads a template file and normalizes empty categories.
// An empty path yields the built-in defaults.
//
// Postcondition: every category of the returned Formats is non-empty.
func LoadFromFile(path string) (Formats, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Formats{}, fmt.Errorf("reading formats file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses template YAML and normalizes empty categories.
func LoadFromBytes(data []byte) (Formats, error) {
	var file yamlFormatsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Formats{}, fmt.Errorf("parsing formats: %w", err)
	}
	f := file.Formats
	f.Normalize()
	return f, nil
}
