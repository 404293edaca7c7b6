package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// allTopics enumerates every topic the bridge relays to UI clients.
var allTopics = []string{
	TopicPrinterStatusUpdate,
	TopicPrinterConnected,
	TopicPrinterDisconnected,
	TopicPrinterMonitoringStarted,
	TopicPrinterMonitoringStopped,
	TopicPrinterConnectionProg,
	TopicPrinterDiscovered,
	TopicFilesDiscovered,
	TopicFileSyncComplete,
	TopicFileDownloadStarted,
	TopicFileDownloadComplete,
	TopicFileDownloadFailed,
	TopicFileThumbnailsProcessed,
	TopicFileMetadataExtracted,
	TopicFileDeleted,
	TopicJobAutoCreated,
	TopicSystemEvent,
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSBridge relays bus events to connected websocket clients. Each client has
// a buffered channel; when it is full, events are dropped for that client so
// a stalled UI tab cannot back up the bus.
type WSBridge struct {
	bus      *Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	unsubs  []func()
	logf    func(format string, args ...interface{})
}

type wsClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewWSBridge creates a bridge and subscribes it to every core topic.
func NewWSBridge(bus *Bus, logf func(format string, args ...interface{})) *WSBridge {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	b := &WSBridge{
		bus:     bus,
		clients: make(map[*wsClient]struct{}),
		logf:    logf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, topic := range allTopics {
		b.unsubs = append(b.unsubs, bus.Subscribe(topic, b.fanout))
	}
	return b
}

func (b *WSBridge) fanout(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- ev:
		default:
			b.logf("ws: client channel full, dropping %s", ev.Topic)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (b *WSBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logf("ws: upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan Event, 32)}

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	go b.writePump(client)
	b.readPump(client)
}

func (b *WSBridge) readPump(c *wsClient) {
	defer b.drop(c)
	c.conn.SetReadLimit(4096)
	for {
		// Clients only send pings/close; discard anything else.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *WSBridge) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				b.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.drop(c)
				return
			}
		}
	}
}

func (b *WSBridge) drop(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	c.conn.Close()
}

// Close unsubscribes from the bus and disconnects all clients.
func (b *WSBridge) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
		c.conn.Close()
	}
	b.mu.Unlock()
}
