package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DefaultAgentHost(t *testing.T) {
	t.Parallel()

	cfg := Config{
		AgentHost:   "",
		Environment: "test",
		ServiceName: "test-service",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg)

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	err = shutdown(ctx)
	assert.NoError(t, err)
}

func TestSetup_AgentUnavailable_GracefulDegradation(t *testing.T) {
	t.Parallel()

	// Point to a non-existent agent; spans fail to export silently instead
	// of failing startup.
	cfg := Config{
		AgentHost:   "localhost:1",
		Environment: "test",
		ServiceName: "graceful-test",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg)

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	err = shutdown(ctx)
	assert.NoError(t, err)
}
