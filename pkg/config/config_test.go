package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dossiers.yaml")
	yaml := `
artifactRoot: /srv/dossiers
hashAlgorithm: sha512
queue:
  backend: postgres
  postgresDsn: postgres://localhost/dossiers
  leaseTTL: 10m
upload:
  backend: s3
  s3Bucket: evidence
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(artifactRootEnv, "")
	t.Setenv(queueBackendEnv, "")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ArtifactRoot != "/srv/dossiers" || cfg.HashAlgorithm != "sha512" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Queue.Backend != BackendPostgres || cfg.Queue.LeaseTTL != 10*time.Minute {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Upload.S3Prefix != "dossiers" {
		t.Errorf("S3Prefix = %q, want default kept", cfg.Upload.S3Prefix)
	}
	if cfg.Worker.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want default 5", cfg.Worker.BatchSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv(artifactRootEnv, "/tmp/dossiers")
	t.Setenv(toolTimeoutEnv, "2.5")
	t.Setenv(leaseTTLEnv, "90s")
	t.Setenv(uploadBackendEnv, UploadNone)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ArtifactRoot != "/tmp/dossiers" {
		t.Errorf("ArtifactRoot = %q", cfg.ArtifactRoot)
	}
	if cfg.ToolTimeout != 2500*time.Millisecond {
		t.Errorf("ToolTimeout = %v", cfg.ToolTimeout)
	}
	if cfg.Queue.LeaseTTL != 90*time.Second {
		t.Errorf("LeaseTTL = %v", cfg.Queue.LeaseTTL)
	}
	if cfg.Upload.Backend != UploadNone {
		t.Errorf("Upload.Backend = %q", cfg.Upload.Backend)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty root", func(c *Config) { c.ArtifactRoot = " " }, "artifactRoot"},
		{"unknown hash", func(c *Config) { c.HashAlgorithm = "crc32" }, "hashAlgorithm"},
		{"zero tool timeout", func(c *Config) { c.ToolTimeout = 0 }, "toolTimeout"},
		{"negative lease", func(c *Config) { c.Queue.LeaseTTL = -time.Second }, "leaseTTL"},
		{"postgres without dsn", func(c *Config) { c.Queue.Backend = BackendPostgres }, "postgresDsn"},
		{"firestore without project", func(c *Config) { c.Queue.Backend = BackendFirestore }, "projectId"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "redis" }, "queue backend"},
		{"unknown upload", func(c *Config) { c.Upload.Backend = "ftp" }, "upload backend"},
		{"zero batch", func(c *Config) { c.Worker.BatchSize = 0 }, "batchSize"},
		{"zero poll", func(c *Config) { c.Worker.PollInterval = 0 }, "pollInterval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestResolvedArtifactRootIsAbsolute(t *testing.T) {
	root, err := Default().ResolvedArtifactRoot()
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(root) {
		t.Errorf("root = %q, want absolute", root)
	}
}
