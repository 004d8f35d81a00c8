package sip

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkgw-server/pkg/metrics"
)

func testRegistry() *DialogRegistry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	metrics.Init(logger)
	return NewDialogRegistry(logger)
}

func TestDialogRegisterAndLookup(t *testing.T) {
	registry := testRegistry()

	dialog := registry.Register("call-1", "198.51.100.10:5060", "trunk.example.com:5060")
	require.NotNil(t, dialog)
	assert.Equal(t, 1, registry.Count())

	found := registry.Lookup("call-1")
	require.NotNil(t, found)
	assert.Equal(t, "198.51.100.10:5060", found.UpstreamSource)
	assert.Equal(t, "trunk.example.com:5060", found.DownstreamAddress)
	assert.False(t, found.Confirmed)

	assert.Nil(t, registry.Lookup("call-2"))
}

func TestDialogConfirmRecordsToTag(t *testing.T) {
	registry := testRegistry()
	registry.Register("call-1", "198.51.100.10:5060", "trunk.example.com:5060")

	registry.Confirm("call-1", "provider-tag")

	dialog := registry.Lookup("call-1")
	require.NotNil(t, dialog)
	assert.True(t, dialog.Confirmed)
	assert.Equal(t, "provider-tag", dialog.DownstreamToTag)
}

func TestDialogRegisterReplacesExisting(t *testing.T) {
	registry := testRegistry()
	registry.Register("call-1", "198.51.100.10:5060", "trunk.example.com:5060")
	registry.Confirm("call-1", "old-tag")

	registry.Register("call-1", "198.51.100.20:5060", "trunk.example.com:5060")

	dialog := registry.Lookup("call-1")
	require.NotNil(t, dialog)
	assert.Equal(t, "198.51.100.20:5060", dialog.UpstreamSource)
	assert.False(t, dialog.Confirmed)
	assert.Equal(t, 1, registry.Count())
}

func TestDialogRemove(t *testing.T) {
	registry := testRegistry()
	registry.Register("call-1", "198.51.100.10:5060", "trunk.example.com:5060")

	registry.Remove("call-1")
	assert.Nil(t, registry.Lookup("call-1"))
	assert.Equal(t, 0, registry.Count())

	// Removing again is a no-op
	registry.Remove("call-1")
}

func TestDialogEvictStale(t *testing.T) {
	registry := testRegistry()
	stale := registry.Register("call-stale", "198.51.100.10:5060", "trunk.example.com:5060")
	registry.Register("call-fresh", "198.51.100.11:5060", "trunk.example.com:5060")

	stale.lastActivity = time.Now().Add(-2 * time.Hour)
	registry.EvictStale(time.Hour)

	assert.Nil(t, registry.Lookup("call-stale"))
	assert.NotNil(t, registry.Lookup("call-fresh"))
	assert.Equal(t, 1, registry.Count())
}

func TestDialogEvictStaleDisabled(t *testing.T) {
	registry := testRegistry()
	dialog := registry.Register("call-1", "198.51.100.10:5060", "trunk.example.com:5060")
	dialog.lastActivity = time.Now().Add(-24 * time.Hour)

	registry.EvictStale(0)
	assert.NotNil(t, registry.Lookup("call-1"))
}

func TestDialogTouchKeepsAlive(t *testing.T) {
	registry := testRegistry()
	dialog := registry.Register("call-1", "198.51.100.10:5060", "trunk.example.com:5060")
	dialog.lastActivity = time.Now().Add(-2 * time.Hour)

	registry.Touch("call-1")
	registry.EvictStale(time.Hour)

	assert.NotNil(t, registry.Lookup("call-1"))
}
