package etcd

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func TestLeaseSeconds(t *testing.T) {
	assert.Equal(t, int64(1), leaseSeconds(0))
	assert.Equal(t, int64(1), leaseSeconds(200*time.Millisecond))
	assert.Equal(t, int64(180), leaseSeconds(3*time.Minute))
	assert.Equal(t, int64(2), leaseSeconds(1500*time.Millisecond))
}

func TestChannelPrefix(t *testing.T) {
	assert.Equal(t, "ns:doc-referencing-status/", channelPrefix("ns:doc-referencing-status"))
}

// scriptedWatcher hands out pre-built watch channels in order and records
// the start revision of every Watch call.
type scriptedWatcher struct {
	clientv3.Watcher

	mu    sync.Mutex
	chans []chan clientv3.WatchResponse
	revs  []int64
}

func (w *scriptedWatcher) Watch(_ context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.revs = append(w.revs, clientv3.OpGet(key, opts...).Rev())
	if i := len(w.revs) - 1; i < len(w.chans) {
		return w.chans[i]
	}
	ch := make(chan clientv3.WatchResponse)
	close(ch)
	return ch
}

func (w *scriptedWatcher) requested() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.revs...)
}

func put(value string, rev int64) clientv3.WatchResponse {
	return clientv3.WatchResponse{Events: []*clientv3.Event{{
		Type: mvccpb.PUT,
		Kv:   &mvccpb.KeyValue{Value: []byte(value), ModRevision: rev},
	}}}
}

func TestWatchReopensClosedChannel(t *testing.T) {
	first := make(chan clientv3.WatchResponse, 1)
	first <- put("a", 5)
	close(first)
	compacted := make(chan clientv3.WatchResponse, 1)
	compacted <- clientv3.WatchResponse{CompactRevision: 9, Canceled: true}
	close(compacted)
	last := make(chan clientv3.WatchResponse, 1)
	w := &scriptedWatcher{chans: []chan clientv3.WatchResponse{first, compacted, last}}

	var (
		mu  sync.Mutex
		got []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watch(ctx, w, "ch/", 3, func(p []byte) {
			mu.Lock()
			got = append(got, string(p))
			mu.Unlock()
		}, zap.NewNop())
	}()

	require.Eventually(t, func() bool { return len(w.requested()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{3, 6, 9}, w.requested())

	last <- put("b", 10)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, got)
	mu.Unlock()

	cancel()
	close(last)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
	assert.Len(t, w.requested(), 3)
}

// The remaining tests need a running etcd, e.g.
// ZEPHYR_ETCD_ENDPOINTS=localhost:2379 go test ./pkg/transport/etcd
func newLiveTransport(t *testing.T) *Transport {
	t.Helper()
	endpoints := os.Getenv("ZEPHYR_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ZEPHYR_ETCD_ENDPOINTS not set")
	}
	tr, err := New(Config{Endpoints: strings.Split(endpoints, ",")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestLiveKeysAndTTL(t *testing.T) {
	tr := newLiveTransport(t)
	ctx := context.Background()
	prefix := "zephyr-test-" + uuid.NewString() + ":nodes:"

	require.NoError(t, tr.Set(ctx, prefix+"a", "1"))
	t.Cleanup(func() { _ = tr.Delete(ctx, prefix+"a") })

	ttl, err := tr.TTL(ctx, prefix+"a")
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Duration(0))

	require.NoError(t, tr.Expire(ctx, prefix+"a", time.Minute))
	ttl, err = tr.TTL(ctx, prefix+"a")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, tr.SetTTL(ctx, prefix+"b", "1", time.Minute))
	t.Cleanup(func() { _ = tr.Delete(ctx, prefix+"b") })
	ttl, err = tr.TTL(ctx, prefix+"b")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	require.Error(t, tr.SetTTL(ctx, prefix+"c", "1", 0))

	keys, err := tr.Keys(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "a", prefix + "b"}, keys)
}

func TestLivePublishSubscribe(t *testing.T) {
	tr := newLiveTransport(t)
	ctx := context.Background()
	channel := "zephyr-test-" + uuid.NewString() + ":doc-referencing-status"

	var (
		mu  sync.Mutex
		got []string
	)
	sub, err := tr.Subscribe(ctx, channel, func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, channel, []byte("hello")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "hello"
	}, 5*time.Second, 20*time.Millisecond)
}
