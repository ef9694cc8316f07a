// Package config defines the process-wide backup configuration, its built-in
// template and validation.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/support"
)

// Metadata formats of the persisted record catalog.
const (
	MetadataJSON = "json"
	MetadataYAML = "yaml"
)

// DefaultJobID is the id of the job created from the default schedule when no
// storage config is enabled.
const DefaultJobID = "default"

// Config is the process-wide backup configuration.
type Config struct {
	Enabled         bool            `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	DefaultSchedule Schedule        `mapstructure:"defaultSchedule" json:"defaultSchedule" yaml:"defaultSchedule"`
	Destinations    []Destination   `mapstructure:"destinations" json:"destinations" yaml:"destinations"`
	RetentionPolicy RetentionPolicy `mapstructure:"retentionPolicy" json:"retentionPolicy" yaml:"retentionPolicy"`
	StorageConfigs  []StorageConfig `mapstructure:"storageConfigs" json:"storageConfigs" yaml:"storageConfigs"`
	Global          Global          `mapstructure:"global" json:"global" yaml:"global"`
}

// Schedule is a cron trigger with its run budget.
type Schedule struct {
	Cron           string `mapstructure:"cron" json:"cron" yaml:"cron"`
	Timezone       string `mapstructure:"timezone" json:"timezone" yaml:"timezone"`
	Enabled        bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	TimeoutSeconds int    `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	MaxRetries     int    `mapstructure:"retries" json:"retries" yaml:"retries"`
}

// Timeout returns the run budget, zero meaning unlimited.
func (s Schedule) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ScheduleOverride replaces fields of the default schedule for one storage config.
type ScheduleOverride struct {
	Cron           string `mapstructure:"cron" json:"cron,omitempty" yaml:"cron,omitempty"`
	Timezone       string `mapstructure:"timezone" json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Enabled        *bool  `mapstructure:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TimeoutSeconds *int   `mapstructure:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries     *int   `mapstructure:"retries" json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Destination is a sink an artifact is written to.
type Destination struct {
	Type       string            `mapstructure:"type" json:"type" yaml:"type"`
	Path       string            `mapstructure:"path" json:"path" yaml:"path"`
	Encryption bool              `mapstructure:"encryption" json:"encryption" yaml:"encryption"`
	Options    map[string]string `mapstructure:"options" json:"options,omitempty" yaml:"options,omitempty"`
}

// String identifies the destination in logs and warnings.
func (d Destination) String() string {
	return d.Type + ":" + d.Path
}

// RetentionPolicy bounds how many records are kept per retention window.
type RetentionPolicy struct {
	DailyRetentionDays     int  `mapstructure:"dailyRetentionDays" json:"dailyRetentionDays" yaml:"dailyRetentionDays"`
	WeeklyRetentionWeeks   int  `mapstructure:"weeklyRetentionWeeks" json:"weeklyRetentionWeeks" yaml:"weeklyRetentionWeeks"`
	MonthlyRetentionMonths int  `mapstructure:"monthlyRetentionMonths" json:"monthlyRetentionMonths" yaml:"monthlyRetentionMonths"`
	MaxBackups             int  `mapstructure:"maxBackups" json:"maxBackups" yaml:"maxBackups"`
	AutoCleanup            bool `mapstructure:"autoCleanup" json:"autoCleanup" yaml:"autoCleanup"`
}

// StorageConfig describes one protected backend.
type StorageConfig struct {
	Type            string             `mapstructure:"type" json:"type" yaml:"type"`
	Enabled         bool               `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	BackupType      backup.Type        `mapstructure:"backupType" json:"backupType" yaml:"backupType"`
	Compression     backup.Compression `mapstructure:"compression" json:"compression" yaml:"compression"`
	PreBackupHooks  []string           `mapstructure:"preBackupHooks" json:"preBackupHooks,omitempty" yaml:"preBackupHooks,omitempty"`
	PostBackupHooks []string           `mapstructure:"postBackupHooks" json:"postBackupHooks,omitempty" yaml:"postBackupHooks,omitempty"`
	Schedule        *ScheduleOverride  `mapstructure:"schedule" json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Options         map[string]string  `mapstructure:"options" json:"options,omitempty" yaml:"options,omitempty"`
}

// Global holds engine-wide settings.
type Global struct {
	MaxParallelJobs     int           `mapstructure:"maxParallelJobs" json:"maxParallelJobs" yaml:"maxParallelJobs"`
	EnableVerification  bool          `mapstructure:"enableVerification" json:"enableVerification" yaml:"enableVerification"`
	VerificationTypes   []string      `mapstructure:"verificationTypes" json:"verificationTypes" yaml:"verificationTypes"`
	MetadataFormat      string        `mapstructure:"metadataFormat" json:"metadataFormat" yaml:"metadataFormat"`
	Notifications       Notifications `mapstructure:"notifications" json:"notifications" yaml:"notifications"`
	CatalogPath         string        `mapstructure:"catalogPath" json:"catalogPath" yaml:"catalogPath"`
	StagingDir          string        `mapstructure:"stagingDir" json:"stagingDir" yaml:"stagingDir"`
	EncryptionKey       string        `mapstructure:"encryptionKey" json:"-" yaml:"-"`
	TickInterval        time.Duration `mapstructure:"tickInterval" json:"tickInterval" yaml:"tickInterval"`
	RetryBaseDelay      time.Duration `mapstructure:"retryBaseDelay" json:"retryBaseDelay" yaml:"retryBaseDelay"`
	RetryMaxDelay       time.Duration `mapstructure:"retryMaxDelay" json:"retryMaxDelay" yaml:"retryMaxDelay"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdownGracePeriod" json:"shutdownGracePeriod" yaml:"shutdownGracePeriod"`
}

// Notifications configures where run events are published.
type Notifications struct {
	OnSuccess bool    `mapstructure:"onSuccess" json:"onSuccess" yaml:"onSuccess"`
	OnFailure bool    `mapstructure:"onFailure" json:"onFailure" yaml:"onFailure"`
	MQTT      MQTT    `mapstructure:"mqtt" json:"mqtt" yaml:"mqtt"`
	Webhook   Webhook `mapstructure:"webhook" json:"webhook" yaml:"webhook"`
}

// MQTT is a broker notifications are published to.
type MQTT struct {
	URL      string `mapstructure:"url" json:"url,omitempty" yaml:"url,omitempty"`
	ClientID string `mapstructure:"clientID" json:"clientID,omitempty" yaml:"clientID,omitempty"`
	Topic    string `mapstructure:"topic" json:"topic,omitempty" yaml:"topic,omitempty"`
}

// Webhook is an HTTP endpoint notifications are posted to.
type Webhook struct {
	URL string `mapstructure:"url" json:"url,omitempty" yaml:"url,omitempty"`
}

// Default returns the built-in configuration template.
func Default() *Config {
	paths := support.DefaultPaths()
	return &Config{
		Enabled: true,
		DefaultSchedule: Schedule{
			Cron:           "0 2 * * *",
			Timezone:       "UTC",
			Enabled:        true,
			TimeoutSeconds: 3600,
			MaxRetries:     3,
		},
		Destinations: []Destination{
			{Type: "local", Path: paths.Staging + "-archive"},
		},
		RetentionPolicy: RetentionPolicy{
			DailyRetentionDays:     7,
			WeeklyRetentionWeeks:   4,
			MonthlyRetentionMonths: 12,
			MaxBackups:             50,
			AutoCleanup:            true,
		},
		Global: Global{
			MaxParallelJobs:     2,
			EnableVerification:  true,
			VerificationTypes:   []string{backup.VerifyChecksum, backup.VerifySize},
			MetadataFormat:      MetadataJSON,
			Notifications:       Notifications{OnFailure: true},
			CatalogPath:         paths.Catalog,
			StagingDir:          paths.Staging,
			TickInterval:        time.Second,
			RetryBaseDelay:      30 * time.Second,
			RetryMaxDelay:       30 * time.Minute,
			ShutdownGracePeriod: 30 * time.Second,
		},
	}
}

// EnvEncryptionKey holds the encryption passphrase, kept out of config files.
const EnvEncryptionKey = "BACKUP_ENCRYPTION_KEY"

// BindEnv binds the settings that are read from the environment. Unmarshal
// only sees environment variables viper knows about.
func BindEnv(v *viper.Viper) error {
	return v.BindEnv("global.encryptionKey", EnvEncryptionKey)
}

// Load decodes the configuration held by v on top of the built-in template
// and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	// Decoding reuses existing slice elements, so lists set by the source
	// replace the template instead of being merged into it.
	if v.IsSet("destinations") {
		cfg.Destinations = nil
	}
	if v.IsSet("global.verificationTypes") {
		cfg.Global.VerificationTypes = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, backup.NewError(backup.KindConfig, "config.load", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnabledStorageConfigs returns the storage configs that produce a job.
func (c *Config) EnabledStorageConfigs() []StorageConfig {
	var out []StorageConfig
	for _, sc := range c.StorageConfigs {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}

// ScheduleFor merges the override of sc onto the default schedule.
func (c *Config) ScheduleFor(sc StorageConfig) Schedule {
	s := c.DefaultSchedule
	o := sc.Schedule
	if o == nil {
		return s
	}
	if o.Cron != "" {
		s.Cron = o.Cron
	}
	if o.Timezone != "" {
		s.Timezone = o.Timezone
	}
	if o.Enabled != nil {
		s.Enabled = *o.Enabled
	}
	if o.TimeoutSeconds != nil {
		s.TimeoutSeconds = *o.TimeoutSeconds
	}
	if o.MaxRetries != nil {
		s.MaxRetries = *o.MaxRetries
	}
	return s
}

// RequiresEncryption reports whether any destination encrypts.
func (c *Config) RequiresEncryption() bool {
	for _, d := range c.Destinations {
		if d.Encryption {
			return true
		}
	}
	return false
}

// Validate checks the configuration and returns a config error listing every problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Global.MaxParallelJobs < 1 {
		add("global.maxParallelJobs must be at least 1, got %d", c.Global.MaxParallelJobs)
	}
	if c.Enabled && len(c.Destinations) == 0 {
		add("destinations must not be empty when backups are enabled")
	}
	for i, d := range c.Destinations {
		if d.Type == "" {
			add("destinations[%d].type is required", i)
		}
		if d.Path == "" {
			add("destinations[%d].path is required", i)
		}
	}

	rp := c.RetentionPolicy
	if rp.DailyRetentionDays < 0 || rp.WeeklyRetentionWeeks < 0 || rp.MonthlyRetentionMonths < 0 || rp.MaxBackups < 0 {
		add("retentionPolicy values must not be negative")
	}

	if err := validateSchedule(c.DefaultSchedule); err != nil {
		add("defaultSchedule: %v", err)
	}
	for i, sc := range c.StorageConfigs {
		if sc.Type == "" {
			add("storageConfigs[%d].type is required", i)
		}
		if sc.BackupType != "" && !sc.BackupType.Valid() {
			add("storageConfigs[%d].backupType %q is not one of full, incremental, differential", i, sc.BackupType)
		}
		if !sc.Compression.Valid() {
			add("storageConfigs[%d].compression %q is not one of none, gzip, brotli, lz4", i, sc.Compression)
		}
		if sc.Schedule != nil {
			if err := validateSchedule(c.ScheduleFor(sc)); err != nil {
				add("storageConfigs[%d].schedule: %v", i, err)
			}
		}
	}

	for _, vt := range c.Global.VerificationTypes {
		switch vt {
		case backup.VerifyChecksum, backup.VerifySize, backup.VerifyIntegrity:
		default:
			add("global.verificationTypes: unknown type %q", vt)
		}
	}
	switch c.Global.MetadataFormat {
	case "", MetadataJSON, MetadataYAML:
	default:
		add("global.metadataFormat %q is not one of json, yaml", c.Global.MetadataFormat)
	}

	if len(errs) == 0 {
		return nil
	}
	return backup.NewError(backup.KindConfig, "config.validate", errors.Join(errs...))
}

func validateSchedule(s Schedule) error {
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	_, err := ParseSchedule(s.Cron, s.Timezone)
	return err
}
