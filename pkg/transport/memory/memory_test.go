package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) add(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, string(p))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	ctx := context.Background()
	nw := NewNetwork(clock.NewMock())
	a, b := nw.Transport(), nw.Transport()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	var ca, cb collector
	_, err := a.Subscribe(ctx, "ch", ca.add)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "ch", cb.add)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "other", func([]byte) { t.Error("unexpected delivery on other channel") })
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, "ch", []byte("one")))
	require.NoError(t, a.Publish(ctx, "ch", []byte("two")))

	require.Eventually(t, func() bool {
		return len(ca.snapshot()) == 2 && len(cb.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, cb.snapshot())
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	nw := NewNetwork(clock.NewMock())
	tr := nw.Transport()

	var c collector
	sub, err := tr.Subscribe(ctx, "ch", c.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, tr.Publish(ctx, "ch", []byte("late")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestClosedTransportRejectsCalls(t *testing.T) {
	ctx := context.Background()
	nw := NewNetwork(clock.NewMock())
	tr := nw.Transport()
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Set(ctx, "k", "v"), ErrClosed)
	assert.ErrorIs(t, tr.Publish(ctx, "ch", nil), ErrClosed)
	_, err := tr.Subscribe(ctx, "ch", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)

	// Other handles on the same network keep working.
	other := nw.Transport()
	require.NoError(t, other.Set(ctx, "k", "v"))
}

func TestKeyValueTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	nw := NewNetwork(clk)
	tr := nw.Transport()

	require.NoError(t, tr.Set(ctx, "ns:nodes:a", "1"))
	ttl, err := tr.TTL(ctx, "ns:nodes:a")
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Duration(0), "no expiry reads as non-positive")

	require.NoError(t, tr.Expire(ctx, "ns:nodes:a", time.Minute))
	ttl, err = tr.TTL(ctx, "ns:nodes:a")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	keys, err := tr.Keys(ctx, "ns:nodes:")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns:nodes:a"}, keys)

	clk.Add(time.Minute)
	keys, err = tr.Keys(ctx, "ns:nodes:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSetTTLWritesValueAndExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	tr := NewNetwork(clk).Transport()

	require.NoError(t, tr.SetTTL(ctx, "ns:nodes:a", "1", time.Minute))
	ttl, err := tr.TTL(ctx, "ns:nodes:a")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	require.Error(t, tr.SetTTL(ctx, "ns:nodes:b", "1", 0))

	clk.Add(time.Minute)
	keys, err := tr.Keys(ctx, "ns:nodes:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFullQueueDrops(t *testing.T) {
	ctx := context.Background()
	nw := NewNetwork(clock.NewMock(), WithQueueSize(1))
	tr := nw.Transport()
	t.Cleanup(func() { _ = tr.Close() })

	release := make(chan struct{})
	var c collector
	_, err := tr.Subscribe(ctx, "ch", func(p []byte) {
		<-release
		c.add(p)
	})
	require.NoError(t, err)

	for range 10 {
		require.NoError(t, tr.Publish(ctx, "ch", []byte("x")))
	}
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Less(t, len(c.snapshot()), 10)
	assert.NotEmpty(t, c.snapshot())
}
