package main

import (
	"context"

	"tileproxy/internal/overzoom"
	"tileproxy/internal/sources"
	"tileproxy/internal/store"
	"tileproxy/internal/substantial"
	"tileproxy/internal/tile"
)

// catalog lists the modules a configuration may enable.
func catalog() []*tile.Module {
	return store.Modules()
}

// builtins are always registered.
func builtins() []*tile.Module {
	return []*tile.Module{overzoom.Module(), substantial.Module()}
}

// InitRegistry loads every configured source. Sources that fail are logged
// and disabled; only an invalid registry configuration is an error.
func InitRegistry(ctx context.Context, cfgFile string) (*sources.Sources, error) {
	rc, err := loadRegistryConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	reg, err := sources.New(sources.Options{
		Logger:   log,
		Catalog:  catalog(),
		Builtins: builtins(),
		AppRoot:  appRoot(cfgFile),
	})
	if err != nil {
		return nil, err
	}
	// 注册安全退出
	SafeExitInst.Register(func() {
		if err := reg.Close(); err != nil {
			log.Warnf("close sources error, details: %s", err)
		}
	})
	if err := reg.Init(ctx, rc); err != nil {
		return nil, err
	}
	return reg, nil
}
