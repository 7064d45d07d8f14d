package main

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/plugin/ai/cache"
	"github.com/hrygo/agentmemory/plugin/ai/tools"
	"github.com/hrygo/agentmemory/plugin/fetch"
	"github.com/hrygo/agentmemory/server/service/memory"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/db"
)

// app wires one store with the facade and its collaborators.
type app struct {
	store   *store.Store
	cache   *cache.Service
	service *memory.Service
	tools   *tools.Registry
}

func newApp(_ context.Context, instanceProfile *profile.Profile) (*app, error) {
	if err := instanceProfile.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}

	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	storeInstance := store.New(dbDriver, instanceProfile)

	var primer *memory.Primer
	if instanceProfile.PrimerPath != "" {
		if primer, err = memory.LoadPrimer(instanceProfile.PrimerPath, instanceProfile); err != nil {
			_ = storeInstance.Close()
			return nil, err
		}
	}

	contentCache := cache.NewService(cache.ServiceConfig{
		Capacity:        instanceProfile.CacheCapacity,
		DefaultTTL:      instanceProfile.CacheTTL,
		CleanupInterval: instanceProfile.CacheTTL,
	})
	fetcher := fetch.NewClient(&fetch.Config{
		Timeout:  instanceProfile.FetchTimeout,
		RPS:      instanceProfile.FetchRPS,
		MaxBytes: instanceProfile.FetchMaxBytes,
	})
	service := memory.NewService(storeInstance, memory.Config{
		Fetcher:      fetcher,
		Cache:        contentCache,
		CacheTTL:     instanceProfile.CacheTTL,
		FetchTimeout: instanceProfile.FetchTimeout,
		Primer:       primer,
		Logger:       slog.Default(),
	})
	registry, err := tools.NewMemoryRegistry(service, slog.Default())
	if err != nil {
		contentCache.Close()
		_ = storeInstance.Close()
		return nil, err
	}

	return &app{
		store:   storeInstance,
		cache:   contentCache,
		service: service,
		tools:   registry,
	}, nil
}

func (a *app) Close() {
	a.cache.Close()
	if err := a.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
}
