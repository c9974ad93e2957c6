package fleet

//
// Experiment configuration
//

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps [time.Duration] adding support for YAML and JSON
// values like "200ms" and "1.5s".
type Duration time.Duration

// D converts back to [time.Duration].
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// Timeouts bounds the phases of an experiment run.
type Timeouts struct {
	// Health bounds each unit's readiness wait. Zero implies 30s.
	Health Duration `yaml:"health"`

	// Probe bounds each connectivity probe. Zero implies 10s.
	Probe Duration `yaml:"probe"`

	// StopGrace is how long Stop waits before killing a unit.
	// Zero implies 5s.
	StopGrace Duration `yaml:"stop_grace"`

	// Run bounds the whole run wall clock. Zero means unbounded.
	Run Duration `yaml:"run"`
}

// Config is the top level experiment configuration.
type Config struct {
	// Name is the experiment name.
	Name string `yaml:"name"`

	// OutputDir is where run directories are created. Empty
	// implies "results".
	OutputDir string `yaml:"output_dir"`

	// Workdir is the working directory of the execution units and
	// the staging area for their log and readiness files. Empty
	// implies a fresh temporary directory.
	Workdir string `yaml:"workdir"`

	// Rounds is the number of training rounds. Zero implies one.
	Rounds int `yaml:"rounds"`

	// Capture enables per-link PCAP capture.
	Capture bool `yaml:"capture"`

	// MTU is the emulated network MTU. Zero implies 1500.
	MTU uint32 `yaml:"mtu"`

	// Nodes describes the topology nodes.
	Nodes []NodeSpec `yaml:"nodes"`

	// Links describes the topology links.
	Links []LinkSpec `yaml:"links"`

	// Profiles maps profile names to link profiles.
	Profiles map[string]LinkProfile `yaml:"profiles"`

	// Traffic describes the background traffic streams.
	Traffic []TrafficSpec `yaml:"traffic"`

	// Timeouts bounds the run phases.
	Timeouts Timeouts `yaml:"timeouts"`
}

// LoadConfig reads and validates an experiment configuration. Unknown
// fields in the file are an error.
func LoadConfig(path string) (*Config, error) {
	filep, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer filep.Close()

	config := &Config{}
	decoder := yaml.NewDecoder(filep)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("fleet: %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("fleet: config: empty experiment name")
	}
	if c.OutputDir == "" {
		c.OutputDir = "results"
	}
	if c.Rounds <= 0 {
		c.Rounds = 1
	}
	if c.Timeouts.Health <= 0 {
		c.Timeouts.Health = Duration(30 * time.Second)
	}
	if c.Timeouts.Probe <= 0 {
		c.Timeouts.Probe = Duration(10 * time.Second)
	}
	if c.Timeouts.StopGrace <= 0 {
		c.Timeouts.StopGrace = Duration(5 * time.Second)
	}

	for name, profile := range c.Profiles {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("fleet: config: profile %s: %w", name, err)
		}
	}
	for _, spec := range c.Traffic {
		switch spec.Pattern {
		case "", TrafficConstant, TrafficPoisson, TrafficBursty:
		default:
			return fmt.Errorf("fleet: config: unknown traffic pattern %q", spec.Pattern)
		}
		if spec.RateBps < 0 {
			return fmt.Errorf("fleet: config: negative traffic rate %d", spec.RateBps)
		}
	}
	return nil
}

// ProfileStore builds a [ProfileStore] from the configured profiles.
func (c *Config) ProfileStore() (*ProfileStore, error) {
	store := NewProfileStore()
	for name, profile := range c.Profiles {
		if err := store.Set(name, profile); err != nil {
			return nil, err
		}
	}
	return store, nil
}
