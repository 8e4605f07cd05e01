// Package config handles application configuration from defaults, an
// optional YAML file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/imedwei/docker-backup/internal/utils"
)

// Config holds all application configuration.
type Config struct {
	StagingDir string `koanf:"staging_dir"`

	Docker      DockerConfig         `koanf:"docker"`
	Backup      BackupConfig         `koanf:"backup"`
	BackupSets  map[string]BackupSet `koanf:"backup_sets"`
	Compression CompressionConfig    `koanf:"compression"`
	Retention   RetentionConfig      `koanf:"retention"`
	Encryption  EncryptionConfig     `koanf:"encryption"`
	Transfer    TransferConfig       `koanf:"transfer"`

	// Remotes lists the enabled remote types: local, s3, gcs, sftp.
	Remotes []string     `koanf:"remotes"`
	Local   LocalConfig  `koanf:"local"`
	S3      S3Config     `koanf:"s3"`
	GCS     GCSConfig    `koanf:"gcs"`
	SFTP    SFTPConfig   `koanf:"sftp"`
	Server  ServerConfig `koanf:"server"`
	Logging LogConfig    `koanf:"logging"`
}

// DockerConfig configures the Docker daemon connection.
type DockerConfig struct {
	Host         string `koanf:"host"` // empty uses DOCKER_HOST or the default socket
	HelperImage  string `koanf:"helper_image"`
	LogTailLines int    `koanf:"log_tail_lines"`
}

// BackupConfig holds defaults for backup runs.
type BackupConfig struct {
	Incremental bool `koanf:"incremental"`
	// Kinds limits the resource kinds captured: container, volume, network.
	Kinds      []string `koanf:"kinds"`
	Containers []string `koanf:"containers"`

	// Respawn protection
	RespawnProtectionHours int  `koanf:"respawn_protection_hours"`
	ForceBackup            bool `koanf:"force_backup"`
}

// BackupSet is a named selection of containers and scope.
type BackupSet struct {
	Description string   `koanf:"description"`
	Containers  []string `koanf:"containers"`
	Kinds       []string `koanf:"kinds"`
}

// CompressionConfig controls volume archive compression.
type CompressionConfig struct {
	Enabled bool   `koanf:"enabled"`
	Format  string `koanf:"format"` // gzip, bzip2, xz, zstd
	Level   int    `koanf:"level"`
}

// RetentionConfig mirrors the retention policy.
type RetentionConfig struct {
	Daily            int     `koanf:"daily"`
	Weekly           int     `koanf:"weekly"`
	Monthly          int     `koanf:"monthly"`
	MaxStorageGB     float64 `koanf:"max_storage_gb"` // 0 disables the quota
	WarningThreshold float64 `koanf:"warning_threshold"`
	CleanupThreshold float64 `koanf:"cleanup_threshold"`
	WeekStart        string  `koanf:"week_start"`
}

// EncryptionConfig selects the encryption method and key sources.
type EncryptionConfig struct {
	Enabled bool   `koanf:"enabled"`
	Method  string `koanf:"method"` // symmetric or asymmetric

	// Symmetric key source: file path, https URL or github: shortcut.
	Key         string `koanf:"key"`
	KeyPassword string `koanf:"key_password"`

	// Asymmetric key sources.
	PublicKey  string `koanf:"public_key"`
	PrivateKey string `koanf:"private_key"` // local file only

	CacheDir string `koanf:"cache_dir"`
}

// TransferConfig tunes remote transfers.
type TransferConfig struct {
	Concurrency    int    `koanf:"concurrency"`
	BandwidthLimit string `koanf:"bandwidth_limit"` // e.g. "10MB", empty for unlimited
	MaxAttempts    int    `koanf:"max_attempts"`
}

// LocalConfig configures a directory remote.
type LocalConfig struct {
	Path string `koanf:"path"`
}

// S3Config configures an S3 remote.
type S3Config struct {
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	Bucket          string `koanf:"bucket"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"` // Optional custom endpoint
	Prefix          string `koanf:"prefix"`
}

// GCSConfig configures a GCS remote.
type GCSConfig struct {
	Bucket             string `koanf:"bucket"`
	ProjectID          string `koanf:"project_id"`
	ServiceAccountJSON string `koanf:"service_account_json"`
	Prefix             string `koanf:"prefix"`
}

// SFTPConfig configures an SFTP remote.
type SFTPConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	User           string `koanf:"user"`
	Password       string `koanf:"password"`
	KeyFile        string `koanf:"key_file"`
	KnownHostsFile string `koanf:"known_hosts_file"`
	Path           string `koanf:"path"`
}

// ServerConfig configures the daemon: its schedule and its metrics and
// control endpoint.
type ServerConfig struct {
	MetricsPort int    `koanf:"metrics_port"` // 0 disables the server
	Schedule    string `koanf:"schedule"`     // standard five-field cron
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

var validKinds = map[string]bool{"container": true, "volume": true, "network": true}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.StagingDir == "" {
		return fmt.Errorf("STAGING_DIR is required")
	}

	if c.Docker.HelperImage == "" {
		return fmt.Errorf("HELPER_IMAGE is required")
	}
	if c.Docker.LogTailLines < 0 {
		return fmt.Errorf("LOG_TAIL_LINES must be non-negative")
	}

	for _, kind := range c.Backup.Kinds {
		if !validKinds[kind] {
			return fmt.Errorf("invalid BACKUP_KINDS entry: %s (must be container, volume or network)", kind)
		}
	}
	for name, set := range c.BackupSets {
		for _, kind := range set.Kinds {
			if !validKinds[kind] {
				return fmt.Errorf("backup set %s: invalid kind %s", name, kind)
			}
		}
	}
	if c.Backup.RespawnProtectionHours < 0 {
		return fmt.Errorf("RESPAWN_PROTECTION_HOURS must be non-negative")
	}

	if err := c.validateCompression(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	if err := c.validateEncryption(); err != nil {
		return err
	}

	if c.Transfer.Concurrency < 1 {
		return fmt.Errorf("TRANSFER_CONCURRENCY must be at least 1")
	}
	if _, err := utils.ParseBytes(c.Transfer.BandwidthLimit); err != nil {
		return fmt.Errorf("invalid UPLOAD_BANDWIDTH_LIMIT: %w", err)
	}

	for _, remote := range c.Remotes {
		var err error
		switch remote {
		case "local":
			err = c.validateLocal()
		case "s3":
			err = c.validateS3()
		case "gcs":
			err = c.validateGCS()
		case "sftp":
			err = c.validateSFTP()
		default:
			err = fmt.Errorf("invalid REMOTES entry: %s (must be 'local', 's3', 'gcs' or 'sftp')", remote)
		}
		if err != nil {
			return err
		}
	}

	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT must be between 0 and 65535")
	}
	if c.Server.Schedule != "" {
		if _, err := cron.ParseStandard(c.Server.Schedule); err != nil {
			return fmt.Errorf("invalid BACKUP_SCHEDULE %q: %w", c.Server.Schedule, err)
		}
	}

	return nil
}

func (c *Config) validateCompression() error {
	switch c.Compression.Format {
	case "gzip", "bzip2", "xz", "zstd":
	default:
		return fmt.Errorf("invalid COMPRESSION_FORMAT: %s (must be gzip, bzip2, xz or zstd)", c.Compression.Format)
	}
	if c.Compression.Level < 0 || c.Compression.Level > 22 {
		return fmt.Errorf("COMPRESSION_LEVEL must be between 0 and 22")
	}
	return nil
}

func (c *Config) validateRetention() error {
	r := c.Retention
	if r.Daily < 0 || r.Weekly < 0 || r.Monthly < 0 {
		return fmt.Errorf("RETENTION_DAILY, RETENTION_WEEKLY and RETENTION_MONTHLY must be non-negative")
	}
	if r.MaxStorageGB < 0 {
		return fmt.Errorf("RETENTION_MAX_STORAGE_GB must be non-negative")
	}
	if r.CleanupThreshold < 0 || r.CleanupThreshold > 1 {
		return fmt.Errorf("RETENTION_CLEANUP_THRESHOLD must be between 0.0 and 1.0")
	}
	if r.WarningThreshold < 0 || r.WarningThreshold > 1 {
		return fmt.Errorf("RETENTION_WARNING_THRESHOLD must be between 0.0 and 1.0")
	}
	if _, err := ParseWeekday(r.WeekStart); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateEncryption() error {
	e := c.Encryption
	if !e.Enabled {
		return nil
	}
	switch e.Method {
	case "symmetric":
		if e.Key == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required for symmetric encryption")
		}
	case "asymmetric":
		if e.PublicKey == "" && e.PrivateKey == "" {
			return fmt.Errorf("ENCRYPTION_PUBLIC_KEY or ENCRYPTION_PRIVATE_KEY is required for asymmetric encryption")
		}
		if isURL(e.PrivateKey) {
			return fmt.Errorf("ENCRYPTION_PRIVATE_KEY must be a local file")
		}
	default:
		return fmt.Errorf("invalid ENCRYPTION_METHOD: %s (must be 'symmetric' or 'asymmetric')", e.Method)
	}
	return nil
}

func (c *Config) validateLocal() error {
	if c.Local.Path == "" {
		return fmt.Errorf("LOCAL_REMOTE_PATH is required for local remote")
	}
	return nil
}

func (c *Config) validateS3() error {
	if c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required for S3 storage")
	}
	if c.S3.AccessKeyID != "" && c.S3.SecretAccessKey == "" {
		return fmt.Errorf("AWS_SECRET_ACCESS_KEY is required when AWS_ACCESS_KEY_ID is set")
	}
	if c.S3.Region == "" && c.S3.Endpoint == "" {
		return fmt.Errorf("S3_REGION is required for S3 storage (unless S3_ENDPOINT is set)")
	}
	return nil
}

func (c *Config) validateGCS() error {
	if c.GCS.Bucket == "" {
		return fmt.Errorf("GCS_BUCKET is required for GCS storage")
	}
	if c.GCS.ProjectID == "" {
		return fmt.Errorf("GOOGLE_PROJECT_ID is required for GCS storage")
	}
	return nil
}

func (c *Config) validateSFTP() error {
	if c.SFTP.Host == "" {
		return fmt.Errorf("SFTP_HOST is required for SFTP storage")
	}
	if c.SFTP.User == "" {
		return fmt.Errorf("SFTP_USER is required for SFTP storage")
	}
	if c.SFTP.Password == "" && c.SFTP.KeyFile == "" {
		return fmt.Errorf("SFTP_PASSWORD or SFTP_KEY_FILE is required for SFTP storage")
	}
	return nil
}

// GetRespawnProtectionDuration returns the respawn protection as a Duration.
func (c *Config) GetRespawnProtectionDuration() time.Duration {
	return time.Duration(c.Backup.RespawnProtectionHours) * time.Hour
}

// MaxStorageBytes converts the configured quota to bytes.
func (r RetentionConfig) MaxStorageBytes() int64 {
	return int64(r.MaxStorageGB * float64(1<<30))
}

// BandwidthLimitBytes returns the upload limit in bytes per second.
func (t TransferConfig) BandwidthLimitBytes() int64 {
	n, _ := utils.ParseBytes(t.BandwidthLimit)
	return n
}

// ParseWeekday parses a weekday name; empty means Monday.
func ParseWeekday(s string) (time.Weekday, error) {
	if s == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("invalid RETENTION_WEEK_START: %s", s)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "github:")
}
