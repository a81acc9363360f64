package ambassador

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalNotifier(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()

	assert.False(t, a.publish(ctx, notifyStop, ""), "nothing to publish with")

	notifier, err := newDBNotifier(a)
	require.NoError(t, err)
	require.IsType(t, &localNotifier{}, notifier)
	a.dbNotifier = notifier

	require.True(t, a.publish(ctx, notifyServerUpdated, testGuildID))
	select {
	case guildID := <-a.triggerServerUpdatedCh:
		assert.Equal(t, testGuildID, guildID)
	default:
		t.Fatal("server update wasn't delivered")
	}

	require.True(t, a.publish(ctx, notifyRuntimeConfig, ""))
	assert.True(t, <-a.triggerRuntimeConfigRefreshCh, "notifications force a reload")

	require.True(t, a.publish(ctx, notifyStop, ""))
	select {
	case <-a.signalStop:
	default:
		t.Fatal("stop wasn't delivered")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	cancel()
	assert.NoError(t, notifier.Listen(listenCtx))
}

func TestDeliver_Invalid(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()

	assert.Error(t, a.deliver(ctx, notification{Kind: "bogus"}))
	assert.Error(t, a.deliver(ctx, notification{Kind: notifyServerUpdated}))
}

func TestDeliver_Timeout(t *testing.T) {
	a, _ := newTestAmbassador(t)
	a.signalStop <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.deliver(ctx, notification{Kind: notifyStop}), context.DeadlineExceeded)
}
