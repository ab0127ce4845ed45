package node

import (
	"net"
	"net/url"
	"strings"
	"sync"
)

// keyedMutex serialises work per key. Entries are dropped once no goroutine
// holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// NormalizeHostPort cuts the scheme from addr and adds defPort when addr
// carries no port.
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return addr + ":" + defPort
}

// WebsocketURL builds the client attach URL of a relay node.
func WebsocketURL(addr, docID, clientID string) string {
	q := url.Values{}
	q.Set("doc", docID)
	if clientID != "" {
		q.Set("client", clientID)
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     NormalizeHostPort(addr, "8080"),
		Path:     "/ws",
		RawQuery: q.Encode(),
	}
	return u.String()
}
