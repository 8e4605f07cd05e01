package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imedwei/docker-backup/internal/config"
	"github.com/imedwei/docker-backup/internal/generation"
)

func testConfig() *config.Config {
	return &config.Config{
		Backup: config.BackupConfig{
			Incremental: true,
			Kinds:       []string{"container", "volume", "network"},
		},
		BackupSets: map[string]config.BackupSet{
			"web": {Containers: []string{"nginx", "app"}},
			"db":  {Containers: []string{"postgres"}, Kinds: []string{"volume"}},
		},
	}
}

func TestBackupRequest(t *testing.T) {
	all := []generation.Kind{generation.KindContainer, generation.KindVolume, generation.KindNetwork}

	tests := []struct {
		name            string
		flags           backupFlags
		incrementalSet  bool
		wantContainers  []string
		wantKinds       []generation.Kind
		wantIncremental bool
		wantErr         bool
	}{
		{
			name:            "defaults",
			wantKinds:       all,
			wantIncremental: true,
		},
		{
			name:            "containers flag",
			flags:           backupFlags{containers: []string{"redis"}},
			wantContainers:  []string{"redis"},
			wantKinds:       all,
			wantIncremental: true,
		},
		{
			name:            "backup set",
			flags:           backupFlags{set: "web"},
			wantContainers:  []string{"nginx", "app"},
			wantKinds:       all,
			wantIncremental: true,
		},
		{
			name:            "backup set with kinds",
			flags:           backupFlags{set: "db"},
			wantContainers:  []string{"postgres"},
			wantKinds:       []generation.Kind{generation.KindVolume},
			wantIncremental: true,
		},
		{
			name:            "containers flag overrides set",
			flags:           backupFlags{set: "web", containers: []string{"app"}},
			wantContainers:  []string{"app"},
			wantKinds:       all,
			wantIncremental: true,
		},
		{
			name:            "configs only",
			flags:           backupFlags{configsOnly: true},
			wantKinds:       []generation.Kind{generation.KindContainer},
			wantIncremental: true,
		},
		{
			name:            "volumes only",
			flags:           backupFlags{volumesOnly: true},
			wantKinds:       []generation.Kind{generation.KindVolume},
			wantIncremental: true,
		},
		{
			name:            "no networks",
			flags:           backupFlags{noNetworks: true},
			wantKinds:       []generation.Kind{generation.KindContainer, generation.KindVolume},
			wantIncremental: true,
		},
		{
			name:            "full backup",
			flags:           backupFlags{incremental: false},
			incrementalSet:  true,
			wantKinds:       all,
			wantIncremental: false,
		},
		{
			name:    "unknown set",
			flags:   backupFlags{set: "missing"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := backupRequest(testConfig(), tt.flags, tt.incrementalSet)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantContainers, req.Containers)
			assert.Equal(t, tt.wantKinds, req.Kinds)
			assert.Equal(t, tt.wantIncremental, req.Incremental)
		})
	}
}

func TestBackupRequest_NothingLeft(t *testing.T) {
	cfg := testConfig()
	cfg.Backup.Kinds = []string{"network"}

	_, err := backupRequest(cfg, backupFlags{noNetworks: true}, false)
	assert.Error(t, err)
}

func TestBackupRequest_ForceFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Backup.ForceBackup = true

	req, err := backupRequest(cfg, backupFlags{}, false)
	require.NoError(t, err)
	assert.True(t, req.Force)
}

func TestBackupRequest_NoNetworksWithDefaultKinds(t *testing.T) {
	cfg := testConfig()
	cfg.Backup.Kinds = nil

	req, err := backupRequest(cfg, backupFlags{}, false)
	require.NoError(t, err)
	assert.Empty(t, req.Kinds, "no kinds selects everything")

	req, err = backupRequest(cfg, backupFlags{noNetworks: true}, false)
	require.NoError(t, err)
	assert.Equal(t, []generation.Kind{generation.KindContainer, generation.KindVolume}, req.Kinds)
	assert.Nil(t, cfg.Backup.Kinds, "configuration is left untouched")
}
