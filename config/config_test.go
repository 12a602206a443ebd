package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PAYMENT_NETWORK", "base-sepolia")
	t.Setenv("PAYMENT_ASSET", "0xusdc")
	t.Setenv("PAYMENT_ADDRESS", "0xAAA")
	t.Setenv("PER_SECOND_RATE", "10")
	t.Setenv("FACILITATOR_URL", "https://facilitator.example")
	t.Setenv("SAMSAR_API_URL", "https://samsar.example")
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_TIMEOUT_SECONDS", "120")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", config.ServerAddr)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "exact", config.PaymentScheme)
	assert.Equal(t, "base-sepolia", config.PaymentNetwork)
	assert.Equal(t, float64(10), config.PerSecondRate)
	assert.Equal(t, 120, config.PaymentTimeout)
	assert.Equal(t, "video/mp4", config.ResourceMimeType)
	assert.False(t, config.ListenerEnabled)
	assert.Equal(t, 5*time.Second, config.ListenerInterval)
	assert.Equal(t, 10*time.Second, config.PollInterval)
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_NETWORK", "")
	t.Setenv("FACILITATOR_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_NETWORK")
	assert.Contains(t, err.Error(), "FACILITATOR_URL")
}

func TestLoad_ListenerRequiresRPCURLs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LISTENER_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAIN_RPC_URLS")

	t.Setenv("CHAIN_RPC_URLS", "base-sepolia=https://rpc.example")
	config, err := Load()
	require.NoError(t, err)
	assert.True(t, config.ListenerEnabled)
}

func TestRPCEndpoints(t *testing.T) {
	config := Config{ChainRPCURLs: "base-sepolia=https://rpc.example, optimism = https://op.example ,malformed,=nourl,noval="}

	endpoints := config.RPCEndpoints()
	assert.Equal(t, map[string]string{
		"base-sepolia": "https://rpc.example",
		"optimism":     "https://op.example",
	}, endpoints)

	assert.Empty(t, Config{}.RPCEndpoints())
}
