package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrrelay/pkg/docstore"
	"github.com/ryandielhenn/zephyrrelay/pkg/node"
	"github.com/ryandielhenn/zephyrrelay/pkg/transport/memory"
)

func TestRunClosesEditorsOnDialFailure(t *testing.T) {
	ctx := context.Background()
	n, err := node.New(node.Config{}, memory.NewNetwork(clock.New()).Transport(), docstore.NewMemory())
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { _ = n.Shutdown(ctx) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", n.Connect)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// The second client of the document is routed to a closed port.
	err = run([]string{srv.URL, "127.0.0.1:1"}, 1, 2, 1, time.Second)
	require.ErrorContains(t, err, "dial")

	require.Eventually(t, func() bool {
		return n.Stats().Clients == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, n.Documents())
}
