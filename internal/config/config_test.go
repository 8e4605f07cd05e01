package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "defaults only",
			env:  map[string]string{},
		},
		{
			name: "valid S3 remote",
			env: map[string]string{
				"REMOTES":               "s3",
				"AWS_ACCESS_KEY_ID":     "test-key",
				"AWS_SECRET_ACCESS_KEY": "test-secret",
				"S3_BUCKET":             "test-bucket",
				"S3_REGION":             "us-east-1",
			},
		},
		{
			name: "valid GCS remote",
			env: map[string]string{
				"REMOTES":                     "gcs",
				"GCS_BUCKET":                  "test-bucket",
				"GOOGLE_PROJECT_ID":           "test-project",
				"GOOGLE_SERVICE_ACCOUNT_JSON": `{"type": "service_account"}`,
			},
		},
		{
			name: "multiple remotes",
			env: map[string]string{
				"REMOTES":           "local, sftp",
				"LOCAL_REMOTE_PATH": "/mnt/backups",
				"SFTP_HOST":         "backup.example.com",
				"SFTP_USER":         "backup",
				"SFTP_PASSWORD":     "secret",
			},
		},
		{
			name:    "unknown remote",
			env:     map[string]string{"REMOTES": "rclone"},
			wantErr: true,
		},
		{
			name:    "S3 without bucket",
			env:     map[string]string{"REMOTES": "s3", "S3_REGION": "us-east-1"},
			wantErr: true,
		},
		{
			name:    "cleanup threshold above one",
			env:     map[string]string{"RETENTION_CLEANUP_THRESHOLD": "1.5"},
			wantErr: true,
		},
		{
			name:    "negative daily retention",
			env:     map[string]string{"RETENTION_DAILY": "-1"},
			wantErr: true,
		},
		{
			name:    "invalid compression format",
			env:     map[string]string{"COMPRESSION_FORMAT": "lz4"},
			wantErr: true,
		},
		{
			name:    "symmetric encryption without key",
			env:     map[string]string{"ENCRYPTION_ENABLED": "true", "ENCRYPTION_METHOD": "symmetric"},
			wantErr: true,
		},
		{
			name: "asymmetric encryption with github key",
			env: map[string]string{
				"ENCRYPTION_ENABLED":    "true",
				"ENCRYPTION_METHOD":     "asymmetric",
				"ENCRYPTION_PUBLIC_KEY": "github:octocat",
			},
		},
		{
			name: "private key from url is rejected",
			env: map[string]string{
				"ENCRYPTION_ENABLED":     "true",
				"ENCRYPTION_METHOD":      "asymmetric",
				"ENCRYPTION_PRIVATE_KEY": "https://example.com/key.pem",
			},
			wantErr: true,
		},
		{
			name:    "invalid kind",
			env:     map[string]string{"BACKUP_KINDS": "container,image"},
			wantErr: true,
		},
		{
			name:    "invalid schedule",
			env:     map[string]string{"BACKUP_SCHEDULE": "every night"},
			wantErr: true,
		},
		{
			name: "hourly schedule",
			env:  map[string]string{"BACKUP_SCHEDULE": "@hourly"},
		},
		{
			name:    "invalid bandwidth limit",
			env:     map[string]string{"UPLOAD_BANDWIDTH_LIMIT": "fast"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadFile("")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cfg)
		})
	}
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retention.Daily)
	assert.Equal(t, 4, cfg.Retention.Weekly)
	assert.Equal(t, 12, cfg.Retention.Monthly)
	assert.Equal(t, 0.9, cfg.Retention.CleanupThreshold)
	assert.Equal(t, 0.8, cfg.Retention.WarningThreshold)
	assert.Equal(t, "alpine:latest", cfg.Docker.HelperImage)
	assert.Equal(t, 1000, cfg.Docker.LogTailLines)
	assert.True(t, cfg.Backup.Incremental)
	assert.Equal(t, []string{"container", "volume", "network"}, cfg.Backup.Kinds)
	assert.Empty(t, cfg.Remotes)
	assert.Equal(t, "0 2 * * *", cfg.Server.Schedule)
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
staging_dir: /srv/staging
remotes: [local]
local:
  path: /mnt/backups
retention:
  daily: 3
backup_sets:
  web:
    description: Web tier
    containers: [nginx, app]
    kinds: [container, volume]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("RETENTION_DAILY", "5")
	t.Setenv("BACKUP_CONTAINERS", "db, cache")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/staging", cfg.StagingDir)
	assert.Equal(t, []string{"local"}, cfg.Remotes)
	assert.Equal(t, 5, cfg.Retention.Daily)
	assert.Equal(t, []string{"db", "cache"}, cfg.Backup.Containers)
	require.Contains(t, cfg.BackupSets, "web")
	assert.Equal(t, []string{"nginx", "app"}, cfg.BackupSets["web"].Containers)
}

func TestGetRespawnProtectionDuration(t *testing.T) {
	cfg := &Config{Backup: BackupConfig{RespawnProtectionHours: 6}}
	assert.Equal(t, 6*time.Hour, cfg.GetRespawnProtectionDuration())
}

func TestRetentionConfig_MaxStorageBytes(t *testing.T) {
	assert.Equal(t, int64(0), RetentionConfig{}.MaxStorageBytes())
	assert.Equal(t, int64(1<<30), RetentionConfig{MaxStorageGB: 1}.MaxStorageBytes())
	assert.Equal(t, int64(1<<29), RetentionConfig{MaxStorageGB: 0.5}.MaxStorageBytes())
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Weekday
		wantErr bool
	}{
		{in: "", want: time.Monday},
		{in: "sunday", want: time.Sunday},
		{in: "Sat", want: time.Saturday},
		{in: "someday", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseWeekday(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
