package core

import (
	"fmt"
	"os"

	"pharmachain/internal/infra/persistence/memory"
	"pharmachain/internal/infra/persistence/postgres"
	"pharmachain/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions selects and locates a backend.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	PHARMACHAIN_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	PHARMACHAIN_SQLITE_PATH: path to sqlite file (default ./pharmachain.db)
//	PHARMACHAIN_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	return OpenStore(StorageOptions{
		Driver:      StorageDriver(os.Getenv("PHARMACHAIN_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("PHARMACHAIN_SQLITE_PATH"),
		PostgresDSN: os.Getenv("PHARMACHAIN_POSTGRES_DSN"),
	}, engine)
}

// OpenStore opens the backend described by opts. A nil engine installs the
// default invariant rules.
func OpenStore(opts StorageOptions, engine *RulesEngine) (PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	driver := opts.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(opts.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(opts.PostgresDSN, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
