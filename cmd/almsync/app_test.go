package main

import (
	"context"
	"testing"

	"github.com/cuemby/almsync/pkg/config"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppWithoutCollaborators(t *testing.T) {
	metrics.ResetHealth()
	t.Cleanup(metrics.ResetHealth)

	cfg := config.Default()
	cfg.Warehouse.DataDir = t.TempDir()

	a, err := newApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.requireLifecycle())
	assert.Error(t, a.requireGenerator())
	assert.Nil(t, a.dispatcher)
	assert.Equal(t, "healthy", metrics.GetHealth().Components["warehouse"])

	require.NoError(t, a.store.CreateRequirement(context.Background(), &types.Requirement{ID: "r1", Text: "req"}))
	report, err := a.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requirements)
}

func TestNewAppWiresTrackerAndGeneration(t *testing.T) {
	cfg := config.Default()
	cfg.Warehouse.Driver = "sqlite"
	cfg.Warehouse.DSN = "file::memory:?cache=shared"
	cfg.Tracker.BaseURL = "https://example.atlassian.net"
	cfg.Tracker.ProjectKey = "HC"
	cfg.Generation.BaseURL = "http://localhost:8000"

	a, err := newApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.NoError(t, a.requireLifecycle())
	assert.NoError(t, a.requireGenerator())
	assert.NotNil(t, a.dispatcher)
	assert.NotNil(t, a.materializer)
	assert.NotNil(t, a.intake)
}

func TestOpenRejectsUnknownDrivers(t *testing.T) {
	_, err := openStore(config.WarehouseConfig{Driver: "bigquery"})
	assert.Error(t, err)
	_, err = openTransport(config.TransportConfig{Driver: "pubsub"})
	assert.Error(t, err)
}

func TestNewMonitorProbesConfiguredDependencies(t *testing.T) {
	cfg := config.Default()
	cfg.Warehouse.DataDir = t.TempDir()
	cfg.Generation.BaseURL = "http://127.0.0.1:1"

	a, err := newApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	m := a.newMonitor()
	_, ok := m.Status("generation")
	assert.True(t, ok)
	_, ok = m.Status("tracker")
	assert.False(t, ok)
}
