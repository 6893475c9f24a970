// Package cli holds the command every demonstration program runs under: configuration
// loading, logger construction and database wiring.
package cli

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/saulfrancisco-ruizacevedo/go-relpersist"
)

// Config is the configuration shared by every demonstration.
type Config struct {
	Database relpersist.Config `yaml:"database"`
	Neo4j    Neo4jConfig       `yaml:"neo4j"`

	// Verbose switches the logger to debug level.
	Verbose bool `yaml:"verbose"`
	// Metrics prints the statement counters after the run.
	Metrics bool `yaml:"metrics"`
	// Graph prints the tracked entities of each published session as JSON.
	Graph bool `yaml:"graph"`
}

// Neo4jConfig enables the graph mirror when URI is set.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Enabled reports whether a Neo4j server is configured.
func (c Neo4jConfig) Enabled() bool {
	return c.URI != ""
}

// DefaultConfig returns the configuration of a demonstration called name: an sqlite
// file named after it in the working directory.
func DefaultConfig(name string) *Config {
	return &Config{
		Database: relpersist.Config{
			Driver: relpersist.DriverSQLite,
			DSN:    name + ".db",
		},
		Neo4j: Neo4jConfig{
			User:     "neo4j",
			Database: "neo4j",
		},
	}
}

// Load overlays the YAML file at path on cfg. A missing file leaves cfg unchanged.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrap(err, "failed to parse config")
	}
	return nil
}
