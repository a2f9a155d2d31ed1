// Package archive re-exports the archive abstractions and selects a backend.
package archive

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pharmachain/internal/archive/core"
	"pharmachain/internal/infra/archive/fs"
	"pharmachain/internal/infra/archive/memory"
	infraS3 "pharmachain/internal/infra/archive/s3"
)

type (
	// Driver identifies an archive backend driver.
	Driver = core.Driver
	// PutOptions configures an object write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored object metadata.
	Info = core.Info
	// Store is the interface for archive backends.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// ErrUnsupported indicates an operation isn't supported by a driver.
var ErrUnsupported = core.ErrUnsupported

// ErrExists indicates a Put on an existing key.
var ErrExists = core.ErrExists

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	Root   string
	S3     S3Config
}

// ConfigFromEnv reads the archive settings.
//
//	PHARMACHAIN_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	PHARMACHAIN_ARCHIVE_FS_ROOT: directory root when driver=fs (default ./archive)
//	PHARMACHAIN_ARCHIVE_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE: S3 settings
func ConfigFromEnv() Config {
	return Config{
		Driver: Driver(os.Getenv("PHARMACHAIN_ARCHIVE_DRIVER")),
		Root:   os.Getenv("PHARMACHAIN_ARCHIVE_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("PHARMACHAIN_ARCHIVE_S3_BUCKET"),
			Region:    os.Getenv("PHARMACHAIN_ARCHIVE_S3_REGION"),
			Endpoint:  os.Getenv("PHARMACHAIN_ARCHIVE_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("PHARMACHAIN_ARCHIVE_S3_PATH_STYLE"), "true"),
		},
	}
}

// Open constructs the backend named by cfg.Driver (default fs).
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}

// OpenFromEnv is Open(ctx, ConfigFromEnv()).
func OpenFromEnv(ctx context.Context) (Store, error) {
	return Open(ctx, ConfigFromEnv())
}
