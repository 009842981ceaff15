package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of a written config file.
type fileConfig struct {
	Database  string            `yaml:"database"`
	Vault     string            `yaml:"vault"`
	Workers   int               `yaml:"workers"`
	DeepCheck bool              `yaml:"deep_check"`
	Debug     bool              `yaml:"debug"`
	Tracing   fileTracingConfig `yaml:"tracing"`
}

type fileTracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	FilePath    string  `yaml:"file_path,omitempty"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

const fileHeader = `# pipetrace configuration
#
# database:   path of the provenance database file
# vault:      directory for serialized resource payloads
# workers:    worker pool size for builder execution
# deep_check: compare MD5s (not just sizes) in integrity traversals
# tracing:    OpenTelemetry span export (stdout or file)
`

// WriteDefaultConfig writes a commented default config file at path,
// creating parent directories as needed. Fails if the file exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	defaults := Defaults()
	out := fileConfig{
		Database:  defaults.Database,
		Vault:     defaults.Vault,
		Workers:   defaults.Workers,
		DeepCheck: defaults.DeepCheck,
		Debug:     defaults.Debug,
		Tracing: fileTracingConfig{
			Enabled:     defaults.Tracing.Enabled,
			Exporter:    defaults.Tracing.Exporter,
			FilePath:    defaults.Tracing.FilePath,
			SampleRate:  defaults.Tracing.SampleRate,
			ServiceName: defaults.Tracing.ServiceName,
		},
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	return os.WriteFile(path, append([]byte(fileHeader), data...), 0600)
}
