package archive

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Config{Root: filepath.Join(t.TempDir(), "a")})
	if err != nil || fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected default fs driver, got %v %v", fsStore, err)
	}
	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("expected memory driver, got %v", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PHARMACHAIN_ARCHIVE_DRIVER", "s3")
	t.Setenv("PHARMACHAIN_ARCHIVE_S3_BUCKET", "exports")
	t.Setenv("PHARMACHAIN_ARCHIVE_S3_PATH_STYLE", "TRUE")
	cfg := ConfigFromEnv()
	if cfg.Driver != DriverS3 || cfg.S3.Bucket != "exports" || !cfg.S3.PathStyle {
		t.Fatalf("unexpected config %+v", cfg)
	}
	t.Setenv("PHARMACHAIN_ARCHIVE_DRIVER", "memory")
	store, err := OpenFromEnv(context.Background())
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("expected memory store from env, got %v", err)
	}
}
