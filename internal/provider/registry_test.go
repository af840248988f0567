package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	b := NewCLIBackend("claude", "claude")
	r.Register(b)

	got, err := r.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Name())
	assert.True(t, r.Exists("claude"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryGetUnknownFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.Error(t, err)
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCLIBackend("zeta", "zeta"))
	r.Register(NewCLIBackend("alpha", "alpha"))
	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}
