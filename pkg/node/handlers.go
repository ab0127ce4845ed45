package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/internal/telemetry"
	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

const (
	clientQueueSize = 256
	clientWriteWait = 10 * time.Second
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time and relay stats.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID   int                 `json:"pid"`
		Now   time.Time           `json:"now"`
		Stats Stats               `json:"stats"`
		Peers map[string][]string `json:"peers"`
		Docs  []string            `json:"docs"`
	}
	peers := make(map[string][]string)
	for id, docs := range n.PeerLinks() {
		peers[id.String()] = docs
	}
	writeJSON(w, resp{
		PID:   os.Getpid(),
		Now:   time.Now(),
		Stats: n.Stats(),
		Peers: peers,
		Docs:  n.Documents(),
	})
}

// Doc writes the replica snapshot of the document named by the {id} path
// value. Documents without local clients are not held and return 404.
func (n *Node) Doc(w http.ResponseWriter, req *http.Request) {
	snap, ok := n.Snapshot(req.PathValue("id"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	writeJSON(w, snap)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Connect upgrades to a websocket and attaches it as a client of the
// document named by the doc query parameter. Each text frame carries one
// sync message. The client is removed when the socket closes.
func (n *Node) Connect(w http.ResponseWriter, req *http.Request) {
	docID := req.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "missing doc", http.StatusBadRequest)
		return
	}
	clientID := req.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if n.HasClient(clientID) {
		http.Error(w, "client already attached", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		n.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	log := n.log.With(zap.String("client", clientID), zap.String("doc", docID))
	ws := newWSClient(conn, log, clientQueueSize)
	defer ws.shutdown()
	go ws.run()

	if err := n.AddClient(req.Context(), clientID, docID, ws.send); err != nil {
		log.Warn("attach failed", zap.Error(err))
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrNotStarted) {
			code = websocket.CloseTryAgainLater
		}
		ws.close(code, "attach failed")
		return
	}
	defer func() {
		if err := n.RemoveClient(context.WithoutCancel(req.Context()), clientID, docID); err != nil {
			log.Warn("detach failed", zap.Error(err))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		msg, err := syncengine.DecodeMessage(data)
		if err != nil {
			log.Warn("dropping client message", zap.Error(err))
			continue
		}
		n.ReceiveFromClient(clientID, msg)
	}
}

// wsClient queues outbound frames for a single writer goroutine, so send
// never waits on the socket. A client whose queue fills is disconnected.
type wsClient struct {
	conn *websocket.Conn
	log  *zap.Logger
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn, log *zap.Logger, queue int) *wsClient {
	return &wsClient{
		conn: conn,
		log:  log,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (c *wsClient) run() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write", zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsClient) send(m syncengine.Message) {
	data, err := syncengine.EncodeMessage(m)
	if err != nil {
		c.log.Error("encode client message", zap.Error(err))
		return
	}
	select {
	case c.out <- data:
	case <-c.done:
	default:
		telemetry.Dropped.WithLabelValues("client_overflow").Inc()
		c.log.Warn("client queue full, disconnecting", zap.Int("queued", len(c.out)))
		c.shutdown()
	}
}

// shutdown closes the socket, which also ends the read loop in Connect.
func (c *wsClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
