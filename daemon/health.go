package daemon

import (
	"context"
	"fmt"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"

	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/store"
)

// Health wraps go-sundheit, grounded on server/server.go's
// gosundheit.Health wiring (HealthChecker field, /healthz handler backed by
// h.IsHealthy()). The daemon registers a Store-reachability check and a
// PluginRegistry-liveness check.
type Health struct {
	checker gosundheit.Health
}

// NewHealth builds a Health and registers its checks. period controls how
// often each check re-runs (server/server.go uses a similar fixed interval
// for its readiness probes).
func NewHealth(st store.Storage, registry plugin.Registry, period time.Duration) (*Health, error) {
	if period == 0 {
		period = 30 * time.Second
	}

	h := &Health{checker: gosundheit.New()}

	storeCheck := &storeReachableCheck{store: st}
	if err := h.checker.RegisterCheck(storeCheck,
		gosundheit.InitialDelay(0),
		gosundheit.ExecutionPeriod(period),
	); err != nil {
		return nil, fmt.Errorf("register store health check: %w", err)
	}

	registryCheck := &pluginRegistryLiveCheck{registry: registry}
	if err := h.checker.RegisterCheck(registryCheck,
		gosundheit.InitialDelay(0),
		gosundheit.ExecutionPeriod(period),
	); err != nil {
		return nil, fmt.Errorf("register plugin registry health check: %w", err)
	}

	return h, nil
}

// IsHealthy reports whether every registered check currently passes.
func (h *Health) IsHealthy() bool {
	_, healthy := h.checker.Results()
	return healthy
}

// Results exposes the raw per-check results for a debug endpoint.
func (h *Health) Results() map[string]gosundheit.Result {
	results, _ := h.checker.Results()
	return results
}

// storeReachableCheck implements gosundheit.Check directly (rather than via
// checks.NewPingCheck) because it needs a context.Context for
// store.Storage.IsSecretsDBOpen.
type storeReachableCheck struct {
	store store.Storage
}

func (c *storeReachableCheck) Name() string { return "store_reachable" }

func (c *storeReachableCheck) Execute() (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open := c.store.IsSecretsDBOpen(ctx)
	details := map[string]bool{"secretsDBOpen": open}
	if !open {
		return details, fmt.Errorf("secrets database is closed")
	}
	return details, nil
}

var _ gosundheit.Check = (*storeReachableCheck)(nil)

// pluginRegistryLiveCheck reports unhealthy if the PluginRegistry has no
// methods registered at all — a daemon with zero usable auth methods is not
// serving its purpose, even though no single call has errored.
type pluginRegistryLiveCheck struct {
	registry plugin.Registry
}

func (c *pluginRegistryLiveCheck) Name() string { return "plugin_registry" }

func (c *pluginRegistryLiveCheck) Execute() (interface{}, error) {
	methods := c.registry.Methods()
	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods registered")
	}
	return map[string]int{"methods": len(methods)}, nil
}

var _ gosundheit.Check = (*pluginRegistryLiveCheck)(nil)
