package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imedwei/docker-backup/internal/generation"
)

func TestParseRef(t *testing.T) {
	ref, err := parseRef("volume/app_data")
	require.NoError(t, err)
	assert.Equal(t, generation.ResourceRef{Kind: generation.KindVolume, Name: "app_data"}, ref)

	for _, bad := range []string{"app_data", "volume/", "image/nginx", ""} {
		_, err := parseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestRestoreRequest(t *testing.T) {
	restoreCmdFlags.remote = "s3"
	restoreCmdFlags.targets = []string{"volume/app_data", "container/web"}
	restoreCmdFlags.renames = []string{"volume/app_data=app_data_copy"}
	restoreCmdFlags.force = true
	t.Cleanup(func() {
		restoreCmdFlags.remote = ""
		restoreCmdFlags.targets = nil
		restoreCmdFlags.renames = nil
		restoreCmdFlags.force = false
	})

	req, err := restoreRequest("20260115_143000")
	require.NoError(t, err)

	assert.Equal(t, "20260115_143000", req.GenerationID)
	assert.Equal(t, "s3", req.Remote)
	assert.True(t, req.Force)
	assert.Equal(t, []generation.ResourceRef{
		{Kind: generation.KindVolume, Name: "app_data"},
		{Kind: generation.KindContainer, Name: "web"},
	}, req.Targets)
	assert.Equal(t, map[generation.ResourceRef]string{
		{Kind: generation.KindVolume, Name: "app_data"}: "app_data_copy",
	}, req.Renames)
}

func TestRestoreRequest_InvalidRename(t *testing.T) {
	for _, bad := range []string{"volume/app_data", "volume/app_data=", "app_data=copy"} {
		restoreCmdFlags.renames = []string{bad}
		_, err := restoreRequest("20260115_143000")
		assert.Error(t, err, bad)
	}
	restoreCmdFlags.renames = nil
}
