package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TASKSYNC_DEFAULT_PLAN_ID", "plan-1")
	t.Setenv("TASKSYNC_WEBHOOK_PUBLIC_URL", "https://sync.example.com/webhook")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UploadWorkers != 4 || cfg.DownloadWorkers != 4 {
		t.Fatalf("worker defaults = %d/%d, want 4/4", cfg.UploadWorkers, cfg.DownloadWorkers)
	}
	if cfg.ConflictGraceWindow != 30*time.Second {
		t.Fatalf("ConflictGraceWindow = %v, want 30s", cfg.ConflictGraceWindow)
	}
	if cfg.PollIntervalQuiet != 30*time.Minute {
		t.Fatalf("PollIntervalQuiet = %v, want 30m", cfg.PollIntervalQuiet)
	}
	if cfg.PendingOpsSoftLimit != 10000 {
		t.Fatalf("PendingOpsSoftLimit = %d, want 10000", cfg.PendingOpsSoftLimit)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("TASKSYNC_UPLOAD_WORKERS", "8")
	t.Setenv("TASKSYNC_CONFLICT_GRACE_WINDOW", "45s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UploadWorkers != 8 {
		t.Fatalf("UploadWorkers = %d, want 8", cfg.UploadWorkers)
	}
	if cfg.ConflictGraceWindow != 45*time.Second {
		t.Fatalf("ConflictGraceWindow = %v, want 45s", cfg.ConflictGraceWindow)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	setRequired(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "tasksync.yaml")
	body := "upload_workers: 2\ndownload_workers: 6\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("TASKSYNC_UPLOAD_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DownloadWorkers != 6 {
		t.Fatalf("DownloadWorkers = %d, want 6 (file layer)", cfg.DownloadWorkers)
	}
	if cfg.UploadWorkers != 3 {
		t.Fatalf("UploadWorkers = %d, want 3 (env overrides file)", cfg.UploadWorkers)
	}
}

func TestLoadRejectsMissingRequiredOptions(t *testing.T) {
	t.Setenv("TASKSYNC_DEFAULT_PLAN_ID", "")
	t.Setenv("TASKSYNC_WEBHOOK_PUBLIC_URL", "")
	if _, err := Load(""); err == nil {
		t.Fatal("Load without default_plan_id should fail")
	}

	t.Setenv("TASKSYNC_DEFAULT_PLAN_ID", "plan-1")
	if _, err := Load(""); err == nil {
		t.Fatal("Load without webhook_public_url should fail")
	}
}
