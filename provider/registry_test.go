package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayRegistry_Register(t *testing.T) {
	registry := NewGatewayRegistry()

	var got Credential
	registry.Register("test-gateway", func(cred Credential, _ Settings) (Gateway, error) {
		got = cred
		return nil, nil
	})

	factory, err := registry.Get("test-gateway")
	require.NoError(t, err)
	assert.NotNil(t, factory)

	_, err = registry.New("test-gateway", Credential{APIKey: "k", Mode: ModeSandbox}, Settings{})
	require.NoError(t, err)
	assert.Equal(t, "k", got.APIKey)
}

func TestGatewayRegistry_NotFound(t *testing.T) {
	registry := NewGatewayRegistry()

	factory, err := registry.Get("non-existent")
	assert.Error(t, err)
	assert.Nil(t, factory)
	assert.Contains(t, err.Error(), "is not registered")

	_, err = registry.New("non-existent", Credential{}, Settings{})
	assert.Error(t, err)
}

func TestGatewayRegistry_FactoryError(t *testing.T) {
	registry := NewGatewayRegistry()
	boom := errors.New("bad credential")
	registry.Register("broken", func(Credential, Settings) (Gateway, error) { return nil, boom })

	_, err := registry.New("broken", Credential{}, Settings{})
	assert.ErrorIs(t, err, boom)
}

func TestGatewayRegistry_Names(t *testing.T) {
	registry := NewGatewayRegistry()
	assert.Empty(t, registry.Names())

	factory := func(Credential, Settings) (Gateway, error) { return nil, nil }
	registry.Register("zeta", factory)
	registry.Register("alpha", factory)

	assert.Equal(t, []string{"alpha", "zeta"}, registry.Names())
}

func TestDefaultRegistry(t *testing.T) {
	Register("default-test", func(Credential, Settings) (Gateway, error) { return nil, nil })

	assert.Contains(t, DefaultRegistry.Names(), "default-test")
	_, err := NewGateway("default-test", Credential{}, Settings{})
	assert.NoError(t, err)
}
