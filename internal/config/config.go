// Package config loads the YAML study file: the onboarding section groups and
// the device data uploader tuning.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/batch"
	"github.com/BTreeMap/StudyPipe/internal/device"
	"github.com/BTreeMap/StudyPipe/internal/onboarding"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("90s", "15m").
type Duration time.Duration

// UnmarshalYAML parses a duration string. Bare integers are read as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// OnboardingConfig lists the configured section groups in order.
type OnboardingConfig struct {
	SectionGroups []string `yaml:"section_groups"`
}

// UploaderConfig tunes the device data uploader.
type UploaderConfig struct {
	RecordInterval      Duration `yaml:"record_interval"`
	UploadInterval      Duration `yaml:"upload_interval"`
	UploadRetryInterval Duration `yaml:"upload_retry_interval"`
	BufferLimit         int      `yaml:"buffer_limit"`
}

// ReachabilityConfig tunes the backend reachability probe.
type ReachabilityConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Config is the study file.
type Config struct {
	Onboarding   OnboardingConfig   `yaml:"onboarding"`
	DeviceData   UploaderConfig     `yaml:"device_data"`
	Reachability ReachabilityConfig `yaml:"reachability"`
}

// DefaultSectionGroups is the onboarding order used when none is configured.
var DefaultSectionGroups = []string{"intro_video", "screening", "consent", "integration"}

// Default returns the configuration used when no study file exists.
func Default() *Config {
	return &Config{
		Onboarding: OnboardingConfig{
			SectionGroups: append([]string(nil), DefaultSectionGroups...),
		},
		DeviceData: UploaderConfig{
			RecordInterval:      Duration(15 * time.Minute),
			UploadInterval:      Duration(time.Hour),
			UploadRetryInterval: Duration(5 * time.Minute),
			BufferLimit:         100,
		},
		Reachability: ReachabilityConfig{
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
	}
}

// Load reads the study file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config.Load: study file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read study file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse study file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid study file %s: %w", path, err)
	}
	slog.Debug("config.Load: study file loaded", "path", path, "section_groups", cfg.Onboarding.SectionGroups)
	return cfg, nil
}

// Validate checks the uploader tuning.
func (c *Config) Validate() error {
	if c.DeviceData.RecordInterval < 0 {
		return errors.New("device_data.record_interval must not be negative")
	}
	if c.DeviceData.UploadInterval < 0 {
		return errors.New("device_data.upload_interval must not be negative")
	}
	if c.DeviceData.UploadRetryInterval <= 0 {
		return errors.New("device_data.upload_retry_interval must be positive")
	}
	if c.DeviceData.BufferLimit < 0 {
		return errors.New("device_data.buffer_limit must not be negative")
	}
	if c.Reachability.Interval <= 0 {
		return errors.New("reachability.interval must be positive")
	}
	return nil
}

// SectionGroups returns the configured groups. Unknown tags are dropped.
func (c *Config) SectionGroups() []onboarding.SectionGroup {
	return onboarding.ParseSectionGroups(strings.Join(c.Onboarding.SectionGroups, ";"))
}

// DeviceUploaderConfig returns the uploader configuration for device data.
func (c *Config) DeviceUploaderConfig() batch.UploaderConfig {
	return batch.UploaderConfig{
		Identifier:            device.UploaderIdentifier,
		DefaultRecordInterval: c.DeviceData.RecordInterval.Std(),
		UploadInterval:        c.DeviceData.UploadInterval.Std(),
		UploadRetryInterval:   c.DeviceData.UploadRetryInterval.Std(),
		BufferLimit:           c.DeviceData.BufferLimit,
	}
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal study file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write study file: %w", err)
	}
	return nil
}
