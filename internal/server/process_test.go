package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procd/internal/processing"
	"procd/internal/server"
)

func TestNewContextValidation(t *testing.T) {
	ctx := context.Background()
	_, err := server.NewContext("", ctx, ctx, nil)
	require.ErrorIs(t, err, server.ErrInvalidArgument)
	_, err = server.NewContext("a", nil, ctx, nil) //nolint:staticcheck
	require.ErrorIs(t, err, server.ErrInvalidArgument)
	_, err = server.NewContext("a", ctx, nil, nil) //nolint:staticcheck
	require.ErrorIs(t, err, server.ErrInvalidArgument)

	props := map[string]any{"queue": "default"}
	pc, err := server.NewContext("a", ctx, ctx, props)
	require.NoError(t, err)
	props["queue"] = "changed"
	assert.Equal(t, "default", pc.Properties["queue"])
	assert.NotEqual(t, uuid.Nil, pc.ExecutionID)
}

func TestContextWait(t *testing.T) {
	pc, cancelStop, _ := newTestContext(t)

	assert.False(t, pc.Wait(5*time.Millisecond))
	assert.False(t, pc.IsStopping())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancelStop()
	}()
	start := time.Now()
	assert.True(t, pc.Wait(time.Hour))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, pc.IsStopping())
	assert.False(t, pc.IsAborted())
	assert.True(t, pc.Wait(time.Hour))
	assert.ErrorIs(t, pc.StopRequested(), processing.ErrStopRequested)
}

func TestContextAbortImpliesStopping(t *testing.T) {
	pc, _, cancelAbort := newTestContext(t)
	cancelAbort()
	assert.True(t, pc.IsAborted())
	assert.True(t, pc.IsStopping())
	assert.True(t, pc.Wait(time.Hour))
}
