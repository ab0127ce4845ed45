package node

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

func newServer(t *testing.T, n *Node) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.HandleFunc("GET /info", n.Info)
	mux.HandleFunc("GET /docs/{id}", n.Doc)
	mux.HandleFunc("GET /ws", n.Connect)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	n := newCluster().start(t, "node-a", seededStore())
	srv := newServer(t, n)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestInfoAndDoc(t *testing.T) {
	n := newCluster().start(t, "node-a", seededStore())
	srv := newServer(t, n)

	resp, err := http.Get(srv.URL + "/docs/" + testDoc)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	attach(t, n, "c1", testDoc)

	resp, err = http.Get(srv.URL + "/docs/" + testDoc)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.JSONEq(t, `"first"`, string(snap["text"]))

	resp, err = http.Get(srv.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info struct {
		Stats Stats    `json:"stats"`
		Docs  []string `json:"docs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, Stats{NodeID: "node-a", Documents: 1, Clients: 1}, info.Stats)
	assert.Equal(t, []string{testDoc}, info.Docs)
}

// wsEditor drives a replica over a websocket connection.
type wsEditor struct {
	mu   sync.Mutex
	conn *websocket.Conn
	doc  *syncengine.Doc
	link syncengine.Link
}

func dialEditor(t *testing.T, srv *httptest.Server, clientID string) *wsEditor {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(WebsocketURL(srv.URL, testDoc, clientID), nil)
	require.NoError(t, err)

	e := &wsEditor{conn: conn, doc: syncengine.NewDoc(testDoc, clientID)}
	e.link = syncengine.NewLink(e.doc, func(m syncengine.Message) {
		data, err := syncengine.EncodeMessage(m)
		if err != nil {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		_ = e.conn.WriteMessage(websocket.TextMessage, data)
	})
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if m, err := syncengine.DecodeMessage(data); err == nil {
				e.link.ReceiveMessage(m)
			}
		}
	}()
	e.link.Open()
	return e
}

func (e *wsEditor) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = e.conn.Close()
}

func TestWebsocketClientSyncs(t *testing.T) {
	n := newCluster().start(t, "node-a", seededStore())
	srv := newServer(t, n)

	ed := dialEditor(t, srv, "editor-1")
	require.Eventually(t, func() bool { return text(ed.doc) == "first" }, waitFor, tick)
	require.True(t, n.HasClient("editor-1"))

	require.NoError(t, ed.doc.Set("text", "changed"))
	require.Eventually(t, func() bool {
		snap, ok := n.Snapshot(testDoc)
		return ok && string(snap["text"]) == `"changed"`
	}, waitFor, tick)

	ed.close()
	require.Eventually(t, func() bool { return !n.HasClient("editor-1") }, waitFor, tick)
	assert.Empty(t, n.Documents())
}

func TestWebsocketRejections(t *testing.T) {
	n := newCluster().start(t, "node-a", seededStore())
	srv := newServer(t, n)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ed := dialEditor(t, srv, "editor-1")
	t.Cleanup(ed.close)
	require.Eventually(t, func() bool { return n.HasClient("editor-1") }, waitFor, tick)

	_, resp, err = websocket.DefaultDialer.Dial(WebsocketURL(srv.URL, testDoc, "editor-1"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStalledClientDoesNotBlockSend(t *testing.T) {
	clients := make(chan *wsClient, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		ws := newWSClient(conn, zap.NewNop(), 4)
		go ws.run()
		clients <- ws
	}))
	t.Cleanup(srv.Close)

	// The peer never reads, so socket buffers fill and writes stall.
	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	ws := <-clients
	t.Cleanup(ws.shutdown)

	big := syncengine.Message{DocID: strings.Repeat("x", 64<<10)}
	start := time.Now()
	for range 2000 {
		ws.send(big)
	}
	assert.Less(t, time.Since(start), clientWriteWait/2)

	select {
	case <-ws.done:
	case <-time.After(waitFor):
		t.Fatal("overflowing client was not disconnected")
	}
	ws.send(big)
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws?client=c1&doc=d1", WebsocketURL("http://localhost", "d1", "c1"))
	assert.Equal(t, "ws://10.0.0.1:9000/ws?doc=d1", WebsocketURL("10.0.0.1:9000", "d1", ""))
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	var km keyedMutex
	var wg sync.WaitGroup
	counts := map[string]*int{"a": new(int), "b": new(int)}
	for i := range 200 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"a", "b"}[i%2]
			unlock := km.Lock(key)
			*counts[key]++
			unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, *counts["a"])
	assert.Equal(t, 100, *counts["b"])
	assert.Empty(t, km.locks)
}
