package retarget

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/drgolem/mrrb"
	"github.com/drgolem/mrrb/internal/logging"
)

// DefaultBufferSize is used when the configuration does not name one.
const DefaultBufferSize = 64 * datasize.KB

// Config describes a retarget instance: one ring buffer fanned out to a
// set of named sinks.
type Config struct {
	// BufferSize is the capacity of the shared ring buffer.
	BufferSize datasize.ByteSize `yaml:"buffer_size"`

	// Sinks are the consumers of the stream.
	Sinks []SinkConfig `yaml:"sinks"`

	// Logging configures the logging subsystem.
	Logging logging.Config `yaml:"logging"`
}

// SinkConfig describes a single sink.
type SinkConfig struct {
	// Name identifies the sink and its reader. Must be unique.
	Name string `yaml:"name"`

	// Type is one of "file", "stderr" or "udp".
	Type string `yaml:"type"`

	// Policy is the reader's overrun policy: "blocking" (default),
	// "disable" or "skip".
	Policy string `yaml:"policy"`

	// Path is the output path for file sinks.
	Path string `yaml:"path,omitempty"`

	// Addr is the destination address for udp sinks.
	Addr string `yaml:"addr,omitempty"`
}

// LoadConfig parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Sinks))
	for i, sc := range c.Sinks {
		if sc.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("sink %q: duplicate name", sc.Name)
		}
		seen[sc.Name] = struct{}{}

		if _, err := parsePolicy(sc.Policy); err != nil {
			return fmt.Errorf("sink %q: %w", sc.Name, err)
		}
		switch sc.Type {
		case "file":
			if sc.Path == "" {
				return fmt.Errorf("sink %q: file sink requires a path", sc.Name)
			}
		case "udp":
			if sc.Addr == "" {
				return fmt.Errorf("sink %q: udp sink requires an addr", sc.Name)
			}
		case "stderr":
		default:
			return fmt.Errorf("sink %q: unknown type %q", sc.Name, sc.Type)
		}
	}
	return nil
}

func parsePolicy(s string) (mrrb.Policy, error) {
	switch s {
	case "", "blocking":
		return mrrb.PolicyBlocking, nil
	case "disable":
		return mrrb.PolicyDisable, nil
	case "skip":
		return mrrb.PolicySkip, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}
