package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".maskregs"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
// Command line flags take precedence over every value.
type Config struct {
	// Marker is the substring selecting the variables to resolve.
	Marker string `yaml:"marker,omitempty"`
	// MarkerRegexp, if set, replaces the substring test with a regular
	// expression match.
	MarkerRegexp string `yaml:"marker-regexp,omitempty"`

	// RegisterWidth is the size in bytes reported for a variable that
	// occupies a whole register. Defaults to the pointer size of the binary.
	RegisterWidth *int `yaml:"register-width,omitempty"`
	// MaxTreeDepth bounds the nesting depth of debug_info entries.
	MaxTreeDepth *int `yaml:"max-tree-depth,omitempty"`
	// OriginCacheSize is the number of abstract origin names cached per binary.
	OriginCacheSize *int `yaml:"origin-cache-size,omitempty"`

	// OutputFormat is one of text, yaml or json.
	OutputFormat string `yaml:"output-format,omitempty"`
	// If Disasm is true the instruction at the queried address is printed.
	Disasm bool `yaml:"disasm,omitempty"`
	// FrameSection selects the unwind table: auto, debug_frame or eh_frame.
	FrameSection string `yaml:"frame-section,omitempty"`
}

// Validate checks the values that can not be checked by the yaml decoder.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case "", "text", "yaml", "json":
	default:
		return fmt.Errorf("unknown output-format %q", c.OutputFormat)
	}
	switch c.FrameSection {
	case "", "auto", "debug_frame", "eh_frame":
	default:
		return fmt.Errorf("unknown frame-section %q", c.FrameSection)
	}
	for name, v := range map[string]*int{"register-width": c.RegisterWidth, "max-tree-depth": c.MaxTreeDepth, "origin-cache-size": c.OriginCacheSize} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.Marker != "" && c.MarkerRegexp != "" {
		return fmt.Errorf("marker and marker-regexp are mutually exclusive")
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// Problems are reported on stderr and the zero Config is returned.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads and validates the configuration file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %v", path, err)
	}
	return &c, nil
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for maskregs.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Substring selecting the variables to resolve.
# marker: DATARANDO_DEBUG_HELP

# Regular expression selecting the variables to resolve, replaces marker.
# marker-regexp: "^DATARANDO_.*_HELP$"

# Size in bytes of a variable held in a whole register (default: pointer size).
# register-width: 8

# Maximum nesting depth of debug_info entries.
# max-tree-depth: 1024

# Number of abstract origin names cached per binary.
# origin-cache-size: 4096

# Output format: text, yaml or json.
# output-format: text

# Uncomment the following line to print the instruction at the queried address.
# disasm: true

# Unwind table to read: auto (.debug_frame, then .eh_frame), debug_frame or eh_frame.
# frame-section: auto
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
