package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/fdcsuite/ledgercore/internal/config"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/registry"
	"github.com/fdcsuite/ledgercore/internal/service"
	"github.com/fdcsuite/ledgercore/internal/storage"
)

// initStorage opens the ledger database and brings the schema up to date.
func initStorage(ctx context.Context) (service.Storage, error) {
	dbPath := viper.GetString("database.path")
	if dbPath == "" {
		dbPath = "$HOME/.local/share/ledgercore/ledger.db"
	}
	dbPath = config.ExpandPath(dbPath)

	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// loadRegistry builds the source registry, applying any overrides from the
// config file.
func loadRegistry() (*registry.Registry, error) {
	reg, err := registry.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid source configuration: %w", err)
	}
	return reg, nil
}

// currentActor resolves the acting user from the global flags.
func currentActor() (model.Actor, error) {
	role := viper.GetString("actor.role")
	switch role {
	case model.RoleClient, model.RoleBookkeeper, model.RoleTaxAgent, model.RoleAdmin, model.RoleSystem:
	default:
		return model.Actor{}, fmt.Errorf("unrecognised role %q", role)
	}
	return model.Actor{UserID: viper.GetString("actor.user"), Role: role}, nil
}
