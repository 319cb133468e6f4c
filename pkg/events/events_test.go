package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin-mind/nopo-steward/test/util"
)

type capture struct {
	mu       sync.Mutex
	received []notification
}

type notification struct {
	channel string
	payload []byte
}

func (c *capture) handler(channel string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, notification{channel, payload})
}

func (c *capture) find(channel string) []notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notification
	for _, n := range c.received {
		if n.channel == channel {
			out = append(out, n)
		}
	}
	return out
}

func TestPublishAndReceive(t *testing.T) {
	pool, connStr := util.SetupTestPool(t)
	ctx := context.Background()

	cap := &capture{}
	l := NewListener(connStr, cap.handler)
	require.NoError(t, l.Start(ctx))
	t.Cleanup(func() { l.Stop(context.Background()) })
	require.NoError(t, l.Subscribe(ctx, ChannelDispatchCreated))
	require.NoError(t, l.Subscribe(ctx, ChannelDispatchCancel))

	pub := NewPublisher(pool)
	require.NoError(t, pub.DispatchCreated(ctx, DispatchCreatedPayload{
		ID:               "d-1",
		Job:              "issue-triage",
		ConcurrencyGroup: "claude-job-issue-42",
	}))
	require.NoError(t, pub.DispatchCancel(ctx, DispatchCancelPayload{
		ConcurrencyGroup: "claude-job-issue-42",
		DispatchIDs:      []string{"d-0"},
	}))

	require.Eventually(t, func() bool {
		return len(cap.find(ChannelDispatchCreated)) > 0 &&
			len(cap.find(ChannelDispatchCancel)) > 0
	}, 5*time.Second, 20*time.Millisecond)

	var created DispatchCreatedPayload
	require.NoError(t, json.Unmarshal(cap.find(ChannelDispatchCreated)[0].payload, &created))
	assert.Equal(t, "d-1", created.ID)
	assert.Equal(t, "claude-job-issue-42", created.ConcurrencyGroup)

	var cancel DispatchCancelPayload
	require.NoError(t, json.Unmarshal(cap.find(ChannelDispatchCancel)[0].payload, &cancel))
	assert.Equal(t, []string{"d-0"}, cancel.DispatchIDs)
}

func TestUnsubscribedChannelIsSilent(t *testing.T) {
	pool, connStr := util.SetupTestPool(t)
	ctx := context.Background()

	cap := &capture{}
	l := NewListener(connStr, cap.handler)
	require.NoError(t, l.Start(ctx))
	t.Cleanup(func() { l.Stop(context.Background()) })
	require.NoError(t, l.Subscribe(ctx, ChannelDispatchCreated))

	pub := NewPublisher(pool)
	require.NoError(t, pub.DispatchCompleted(ctx, DispatchCompletedPayload{ID: "d-1", Status: "completed"}))
	require.NoError(t, pub.DispatchCreated(ctx, DispatchCreatedPayload{ID: "d-2"}))

	// The created notification arriving proves completed was already ordered
	// before it and silently dropped.
	require.Eventually(t, func() bool {
		return len(cap.find(ChannelDispatchCreated)) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, cap.find(ChannelDispatchCompleted))
}

func TestSubscribeBeforeStart(t *testing.T) {
	l := NewListener("postgres://invalid", func(string, []byte) {})
	err := l.Subscribe(context.Background(), ChannelDispatchCreated)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestSubscribeTwiceIsIdempotent(t *testing.T) {
	_, connStr := util.SetupTestPool(t)
	ctx := context.Background()

	l := NewListener(connStr, func(string, []byte) {})
	require.NoError(t, l.Start(ctx))
	t.Cleanup(func() { l.Stop(context.Background()) })

	require.NoError(t, l.Subscribe(ctx, ChannelDispatchCreated))
	require.NoError(t, l.Subscribe(ctx, ChannelDispatchCreated))
}
