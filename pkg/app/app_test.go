package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/dca-executor/pkg/config"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/runner"
)

func testConfig() *config.Config {
	return &config.Config{
		Chain: config.ChainConfig{
			// http endpoints are dialed lazily
			RPCURL:     "http://127.0.0.1:1",
			DCAAddress: "0x1111111111111111111111111111111111111111",
		},
	}
}

func TestNewRequiresExecutionSettings(t *testing.T) {
	_, err := New(context.Background(), testConfig(), &logger.EmptyLogger{}, true)
	assert.ErrorContains(t, err, "PRIVATE_KEY")
}

func TestDiscoveryOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Chain.PrivateKey = "not used for discovery"

	a, err := New(context.Background(), cfg, &logger.EmptyLogger{}, false)
	require.NoError(t, err)
	assert.Nil(t, a.runner)
	assert.Empty(t, a.client.Executor())

	_, err = a.Execute(context.Background(), runner.ExecuteRequest{})
	assert.ErrorContains(t, err, "not configured")
	assert.ErrorContains(t, a.Serve(context.Background(), false), "not configured")

	// no-op without a runner
	a.Shutdown()
}

func TestNewRejectsBadContractAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Chain.DCAAddress = "nope"
	_, err := New(context.Background(), cfg, &logger.EmptyLogger{}, false)
	assert.Error(t, err)
}
