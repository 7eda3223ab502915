package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/vmbackup/internal/naming"
)

// Log formats accepted by log_format.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config is the complete backup run configuration.
type Config struct {
	Server   string `yaml:"server"`             // libvirt URI or unix socket path
	Username string `yaml:"username,omitempty"` // optional, embedded into the URI
	Password string `yaml:"password,omitempty"`

	VMNames             []string `yaml:"vm_names"`
	VMMiddle            string   `yaml:"vm_middle"`
	SnapshotDescription string   `yaml:"snapshot_description"`
	ClusterName         string   `yaml:"cluster_name"`
	ExportDomain        string   `yaml:"export_domain"`
	StorageDomain       string   `yaml:"storage_domain"`

	Timeout                 int      `yaml:"timeout"`                     // poll interval in seconds
	BackupKeepCount         int      `yaml:"backup_keep_count"`           // retention by age in days, 0 disables
	BackupKeepCountByNumber int      `yaml:"backup_keep_count_by_number"` // retention by count, 0 disables
	DryRun                  bool     `yaml:"dry_run"`
	VMNameMaxLength         int      `yaml:"vm_name_max_length"`
	UseShortSuffix          bool     `yaml:"use_short_suffix"`
	StorageSpaceThreshold   float64  `yaml:"storage_space_threshold"`
	PersistMemoryState      bool     `yaml:"persist_memorystate"`
	SnapshotGracePeriod     Duration `yaml:"snapshot_grace_period"`
	MaxPollAttempts         int      `yaml:"max_poll_attempts"` // 0 polls forever
	ReconnectAttempts       int      `yaml:"reconnect_attempts"`

	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file,omitempty"`
	JournalPath string `yaml:"journal_path,omitempty"`
	MetricsFile string `yaml:"metrics_file,omitempty"`
	LockFile    string `yaml:"lock_file,omitempty"`
}

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

// UnmarshalYAML accepts "90s", "1m30s" or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in defaults. File values and overrides are
// layered on top of it.
func Default() *Config {
	return &Config{
		Timeout:             5,
		VMNameMaxLength:     64,
		SnapshotGracePeriod: Duration(10 * time.Second),
		ReconnectAttempts:   3,
		LogFormat:           LogFormatConsole,
		LockFile:            filepath.Join(os.TempDir(), "vmbackup.lock"),
	}
}

// Validate checks the configuration for errors.
// It checks structure only; whether the named domains, cluster and VMs
// exist is checked against the platform before a run.
func (c *Config) Validate() error {
	required := []struct {
		key, value string
	}{
		{"server", c.Server},
		{"snapshot_description", c.SnapshotDescription},
		{"cluster_name", c.ClusterName},
		{"export_domain", c.ExportDomain},
		{"storage_domain", c.StorageDomain},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %d", c.Timeout)
	}
	if c.BackupKeepCount < 0 {
		return fmt.Errorf("backup_keep_count must be >= 0, got %d", c.BackupKeepCount)
	}
	if c.BackupKeepCountByNumber < 0 {
		return fmt.Errorf("backup_keep_count_by_number must be >= 0, got %d", c.BackupKeepCountByNumber)
	}
	if c.VMNameMaxLength <= 0 {
		return fmt.Errorf("vm_name_max_length must be > 0, got %d", c.VMNameMaxLength)
	}
	if c.StorageSpaceThreshold < 0 || c.StorageSpaceThreshold >= 1 {
		return fmt.Errorf("storage_space_threshold must be in [0, 1), got %g", c.StorageSpaceThreshold)
	}
	if c.SnapshotGracePeriod < 0 {
		return fmt.Errorf("snapshot_grace_period must be >= 0, got %s", c.SnapshotGracePeriod.Std())
	}
	if c.MaxPollAttempts < 0 {
		return fmt.Errorf("max_poll_attempts must be >= 0, got %d", c.MaxPollAttempts)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must be >= 0, got %d", c.ReconnectAttempts)
	}
	if c.LogFormat != LogFormatConsole && c.LogFormat != LogFormatJSON {
		return fmt.Errorf("log_format must be %q or %q, got %q", LogFormatConsole, LogFormatJSON, c.LogFormat)
	}

	seen := make(map[string]bool)
	for i, name := range c.VMNames {
		if name == "" {
			return fmt.Errorf("vm_names[%d]: empty name", i)
		}
		if seen[name] {
			return fmt.Errorf("vm_names[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}

	return nil
}

// Normalize sanitizes user input to consistent formats.
// This is called automatically by the loaders before validation.
func (c *Config) Normalize() {
	c.Server = strings.TrimSpace(c.Server)
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = LogFormatConsole
	}
	for i := range c.VMNames {
		c.VMNames[i] = strings.TrimSpace(c.VMNames[i])
	}
	// vm_middle is deliberately not trimmed: it is part of the clone name.
}

// PollInterval returns the configured timeout as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Suffix returns the clone name suffix for the given instant.
func (c *Config) Suffix(now time.Time) string {
	return naming.Suffix(now, c.UseShortSuffix)
}

// CloneName composes the clone name for vmName at the given instant.
func (c *Config) CloneName(vmName string, now time.Time) string {
	return naming.CloneName(vmName, c.VMMiddle, c.Suffix(now))
}

// ClonePrefix returns the name prefix shared by all clones and backups of vmName.
func (c *Config) ClonePrefix(vmName string) string {
	return naming.ClonePrefix(vmName, c.VMMiddle)
}
