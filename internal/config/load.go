package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StdinPath selects standard input as the config source.
const StdinPath = "-"

// Overrides carries values given explicitly on the command line. A nil
// field leaves the file value (or the default) in place.
type Overrides struct {
	Server                  *string
	Username                *string
	Password                *string
	VMNames                 *[]string
	VMMiddle                *string
	SnapshotDescription     *string
	ClusterName             *string
	ExportDomain            *string
	StorageDomain           *string
	Timeout                 *int
	BackupKeepCount         *int
	BackupKeepCountByNumber *int
	DryRun                  *bool
	VMNameMaxLength         *int
	UseShortSuffix          *bool
	StorageSpaceThreshold   *float64
	PersistMemoryState      *bool
	SnapshotGracePeriod     *time.Duration
	MaxPollAttempts         *int
	ReconnectAttempts       *int
	LogFormat               *string
	LogFile                 *string
	JournalPath             *string
	MetricsFile             *string
}

// Apply layers the overrides onto c.
func (o *Overrides) Apply(c *Config) {
	if o == nil {
		return
	}
	setString(&c.Server, o.Server)
	setString(&c.Username, o.Username)
	setString(&c.Password, o.Password)
	if o.VMNames != nil {
		c.VMNames = append([]string(nil), (*o.VMNames)...)
	}
	setString(&c.VMMiddle, o.VMMiddle)
	setString(&c.SnapshotDescription, o.SnapshotDescription)
	setString(&c.ClusterName, o.ClusterName)
	setString(&c.ExportDomain, o.ExportDomain)
	setString(&c.StorageDomain, o.StorageDomain)
	setInt(&c.Timeout, o.Timeout)
	setInt(&c.BackupKeepCount, o.BackupKeepCount)
	setInt(&c.BackupKeepCountByNumber, o.BackupKeepCountByNumber)
	setBool(&c.DryRun, o.DryRun)
	setInt(&c.VMNameMaxLength, o.VMNameMaxLength)
	setBool(&c.UseShortSuffix, o.UseShortSuffix)
	if o.StorageSpaceThreshold != nil {
		c.StorageSpaceThreshold = *o.StorageSpaceThreshold
	}
	setBool(&c.PersistMemoryState, o.PersistMemoryState)
	if o.SnapshotGracePeriod != nil {
		c.SnapshotGracePeriod = Duration(*o.SnapshotGracePeriod)
	}
	setInt(&c.MaxPollAttempts, o.MaxPollAttempts)
	setInt(&c.ReconnectAttempts, o.ReconnectAttempts)
	setString(&c.LogFormat, o.LogFormat)
	setString(&c.LogFile, o.LogFile)
	setString(&c.JournalPath, o.JournalPath)
	setString(&c.MetricsFile, o.MetricsFile)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// LoadFromFile loads a configuration file, or standard input when path is
// StdinPath, and layers the overrides on top.
func LoadFromFile(path string, overrides *Overrides) (*Config, error) {
	if path == StdinPath {
		return LoadFromReader(os.Stdin, overrides)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromYAML(data, overrides)
}

// LoadFromReader loads a configuration from r.
func LoadFromReader(r io.Reader, overrides *Overrides) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return LoadFromYAML(data, overrides)
}

// LoadFromYAML parses data over the defaults, applies overrides, then
// normalizes and validates the result.
// Precedence: explicit override > file value > built-in default.
func LoadFromYAML(data []byte, overrides *Overrides) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	overrides.Apply(cfg)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
