package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "DOCKER_BACKUP_CONFIG"

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority.
var DefaultConfigPaths = []string{
	"docker-backup.yaml",
	"docker-backup.yml",
	"/etc/docker-backup/config.yaml",
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StagingDir: "/var/lib/docker-backup/staging",
		Docker: DockerConfig{
			HelperImage:  "alpine:latest",
			LogTailLines: 1000,
		},
		Backup: BackupConfig{
			Incremental:            true,
			Kinds:                  []string{"container", "volume", "network"},
			RespawnProtectionHours: 0,
		},
		Compression: CompressionConfig{
			Enabled: false,
			Format:  "gzip",
			Level:   6,
		},
		Retention: RetentionConfig{
			Daily:            7,
			Weekly:           4,
			Monthly:          12,
			MaxStorageGB:     0,
			WarningThreshold: 0.8,
			CleanupThreshold: 0.9,
			WeekStart:        "monday",
		},
		Encryption: EncryptionConfig{
			Method:   "symmetric",
			CacheDir: filepath.Join(home, ".cache", "docker-backup", "keys"),
		},
		Transfer: TransferConfig{
			Concurrency: 4,
			MaxAttempts: 3,
		},
		SFTP: SFTPConfig{Port: 22},
		Server: ServerConfig{
			Schedule: "0 2 * * *",
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with the precedence ENV > file > defaults and
// validates the result.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated environment values.
var sliceConfigPaths = []string{
	"remotes",
	"backup.kinds",
	"backup.containers",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"staging_dir": "staging_dir",

	"docker_host":    "docker.host",
	"helper_image":   "docker.helper_image",
	"log_tail_lines": "docker.log_tail_lines",

	"incremental":              "backup.incremental",
	"backup_kinds":             "backup.kinds",
	"backup_containers":        "backup.containers",
	"respawn_protection_hours": "backup.respawn_protection_hours",
	"force_backup":             "backup.force_backup",

	"compression_enabled": "compression.enabled",
	"compression_format":  "compression.format",
	"compression_level":   "compression.level",

	"retention_daily":             "retention.daily",
	"retention_weekly":            "retention.weekly",
	"retention_monthly":           "retention.monthly",
	"retention_max_storage_gb":    "retention.max_storage_gb",
	"retention_warning_threshold": "retention.warning_threshold",
	"retention_cleanup_threshold": "retention.cleanup_threshold",
	"retention_week_start":        "retention.week_start",

	"encryption_enabled":      "encryption.enabled",
	"encryption_method":       "encryption.method",
	"encryption_key":          "encryption.key",
	"encryption_key_password": "encryption.key_password",
	"encryption_public_key":   "encryption.public_key",
	"encryption_private_key":  "encryption.private_key",
	"key_cache_dir":           "encryption.cache_dir",

	"transfer_concurrency":   "transfer.concurrency",
	"upload_bandwidth_limit": "transfer.bandwidth_limit",
	"transfer_max_attempts":  "transfer.max_attempts",

	"remotes":           "remotes",
	"local_remote_path": "local.path",

	"aws_access_key_id":     "s3.access_key_id",
	"aws_secret_access_key": "s3.secret_access_key",
	"s3_bucket":             "s3.bucket",
	"s3_region":             "s3.region",
	"s3_endpoint":           "s3.endpoint",
	"s3_prefix":             "s3.prefix",

	"gcs_bucket":                  "gcs.bucket",
	"google_project_id":           "gcs.project_id",
	"google_service_account_json": "gcs.service_account_json",
	"gcs_prefix":                  "gcs.prefix",

	"sftp_host":             "sftp.host",
	"sftp_port":             "sftp.port",
	"sftp_user":             "sftp.user",
	"sftp_password":         "sftp.password",
	"sftp_key_file":         "sftp.key_file",
	"sftp_known_hosts_file": "sftp.known_hosts_file",
	"sftp_path":             "sftp.path",

	"metrics_port":    "server.metrics_port",
	"backup_schedule": "server.schedule",
	"log_level":       "logging.level",
	"log_format":      "logging.format",
}

// envTransformFunc maps environment variable names to koanf paths.
// Unknown variables are dropped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
