package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeebo/errs"

	"github.com/imedwei/docker-backup/internal/backup"
	"github.com/imedwei/docker-backup/internal/config"
	"github.com/imedwei/docker-backup/internal/docker"
	"github.com/imedwei/docker-backup/internal/envelope"
	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/logging"
	"github.com/imedwei/docker-backup/internal/storage"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	docker       *docker.Client
	staging      *generation.Staging
	remotes      []storage.Storage
	status       *backup.Status
	orchestrator *backup.Orchestrator
}

func loadConfig() (*config.Config, error) {
	if rootFlags.configPath != "" {
		return config.LoadFile(rootFlags.configPath)
	}
	return config.Load()
}

// newApp loads the configuration and connects every collaborator.
func newApp(ctx context.Context) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, status: backup.NewStatus(backup.DefaultMaxErrors)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.staging, err = generation.NewStaging(cfg.StagingDir); err != nil {
		return nil, err
	}
	if a.docker, err = docker.NewClient(cfg.Docker.Host, cfg.Docker.HelperImage, logger); err != nil {
		return nil, err
	}
	if a.remotes, err = storage.NewStorages(ctx, cfg, logger); err != nil {
		return nil, err
	}

	keys, err := resolveKeys(ctx, cfg.Encryption, logger)
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = backup.NewOrchestrator(cfg, backup.Dependencies{
		Backend:     a.docker,
		Staging:     a.staging,
		Remotes:     a.remotes,
		Keys:        keys,
		Status:      a.status,
		ToolVersion: version,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		"staging_dir", cfg.StagingDir,
		"remotes", cfg.Remotes,
		"encryption", cfg.Encryption.Enabled,
		"incremental", cfg.Backup.Incremental,
		"respawn_protection_hours", cfg.Backup.RespawnProtectionHours)
	return a, nil
}

// resolveKeys returns nil when encryption is disabled.
func resolveKeys(ctx context.Context, cfg config.EncryptionConfig, logger *slog.Logger) (*envelope.KeyMaterial, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	method, err := envelope.ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	keys, err := envelope.NewKeySource(cfg.CacheDir, logger).Resolve(ctx, envelope.Spec{
		Method:      method,
		Key:         cfg.Key,
		KeyPassword: cfg.KeyPassword,
		PublicKey:   cfg.PublicKey,
		PrivateKey:  cfg.PrivateKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption keys: %w", err)
	}
	logger.Info("Encryption keys resolved", "method", keys.Method, "key_id", keys.KeyID(),
		"can_encrypt", keys.CanEncrypt(), "can_decrypt", keys.CanDecrypt())
	return keys, nil
}

// storageTargets returns the staging root followed by every remote, limited
// to name when it is not empty.
func (a *app) storageTargets(name string) ([]storage.Storage, error) {
	local, err := storage.NewLocalStorage("staging", a.staging.Root(), a.logger)
	if err != nil {
		return nil, err
	}
	all := append([]storage.Storage{local}, a.remotes...)
	if name == "" {
		return all, nil
	}
	for _, s := range all {
		if s.Name() == name {
			return []storage.Storage{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown remote %q", name)
}

// Close releases the Docker client and remote connections.
func (a *app) Close() error {
	var group errs.Group
	if a.docker != nil {
		group.Add(a.docker.Close())
	}
	for _, r := range a.remotes {
		if c, ok := r.(io.Closer); ok {
			group.Add(c.Close())
		}
	}
	return group.Err()
}

// cancelOnSignal requests cancellation of the current run on SIGINT or
// SIGTERM. The run stops at the next item boundary.
func cancelOnSignal(status *backup.Status, logger *slog.Logger) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Signal received, cancelling at the next item boundary", "signal", sig.String())
			status.RequestCancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
