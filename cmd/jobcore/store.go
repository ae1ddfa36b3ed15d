package main

import (
	"fmt"

	"github.com/mengeric/jobcore/config"
	"github.com/mengeric/jobcore/storage"
	"github.com/mengeric/jobcore/storage/badgerstore"
	"github.com/mengeric/jobcore/storage/gormstore"
	"github.com/mengeric/jobcore/storage/memstore"
)

// openStore 按配置打开持久化镜像。
func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return memstore.New(), nil
	case "sqlite":
		dsn := cfg.Storage.DSN
		if dsn == "" {
			dsn = "jobcore.db"
		}
		s, err := gormstore.OpenSQLite(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
		}
		return s, nil
	case "badger":
		dir := cfg.Storage.Dir
		if dir == "" {
			dir = "jobcore-data"
		}
		s, err := badgerstore.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open badger %s: %w", dir, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
