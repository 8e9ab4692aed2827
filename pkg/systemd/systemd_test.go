package systemd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := New()
	sent, err := n.Ready()
	require.NoError(t, err)
	assert.False(t, sent)
	sent, err = n.Status("queues=%d", 6)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, time.Duration(0), WatchdogInterval())
	require.NoError(t, New().Watchdog(ctx, nil))
}
