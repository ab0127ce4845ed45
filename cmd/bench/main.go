package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryandielhenn/zephyrrelay/pkg/node"
	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

func main() {
	addrs := flag.String("addrs", "http://localhost:8080", "comma separated relay addresses")
	docs := flag.Int("docs", 4, "documents")
	clients := flag.Int("clients", 8, "clients per document")
	edits := flag.Int("edits", 100, "edits per client")
	timeout := flag.Duration("timeout", 30*time.Second, "convergence timeout")
	flag.Parse()

	if err := run(strings.Split(*addrs, ","), *docs, *clients, *edits, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run closes every editor it opened before returning.
func run(targets []string, docs, clients, edits int, timeout time.Duration) error {
	var editors []*editor
	defer func() {
		for _, e := range editors {
			e.close()
		}
	}()
	for d := 0; d < docs; d++ {
		docID := fmt.Sprintf("bench-%d", d)
		for c := 0; c < clients; c++ {
			addr := targets[(d*clients+c)%len(targets)]
			e, err := dial(addr, docID, fmt.Sprintf("%s-c%d", docID, c))
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			editors = append(editors, e)
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, e := range editors {
		wg.Add(1)
		go func(e *editor) {
			defer wg.Done()
			for i := 1; i <= edits; i++ {
				_ = e.doc.Set(e.id, i)
			}
		}(e)
	}
	wg.Wait()
	wrote := time.Since(start)

	want := fmt.Sprint(edits)
	deadline := time.Now().Add(timeout)
	for !converged(editors, clients, want) {
		if time.Now().After(deadline) {
			return fmt.Errorf("no convergence after %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	total := time.Since(start)

	ops := len(editors) * edits
	fmt.Printf("Completed %d edits in %s (%.2f edits/s), converged in %s, %d frames received\n",
		ops, wrote, float64(ops)/wrote.Seconds(), total, received.Load())
	return nil
}

var received atomic.Int64

type editor struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
	doc  *syncengine.Doc
	link syncengine.Link
}

func dial(addr, docID, clientID string) (*editor, error) {
	conn, _, err := websocket.DefaultDialer.Dial(node.WebsocketURL(addr, docID, clientID), nil)
	if err != nil {
		return nil, err
	}
	e := &editor{id: clientID, conn: conn, doc: syncengine.NewDoc(docID, clientID)}
	e.link = syncengine.NewLink(e.doc, e.send)
	go e.read()
	e.link.Open()
	return e, nil
}

func (e *editor) send(m syncengine.Message) {
	data, err := syncengine.EncodeMessage(m)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *editor) read() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		received.Add(1)
		if m, err := syncengine.DecodeMessage(data); err == nil {
			e.link.ReceiveMessage(m)
		}
	}
}

func (e *editor) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = e.conn.Close()
}

// converged reports whether every editor sees the final value of every
// editor on its document.
func converged(editors []*editor, perDoc int, want string) bool {
	for _, e := range editors {
		snap := e.doc.Snapshot()
		if len(snap) < perDoc {
			return false
		}
		for k, v := range snap {
			if strings.HasPrefix(k, e.doc.ID()+"-c") && string(v) != want {
				return false
			}
		}
	}
	return true
}
