package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"settlerail/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// adminClient is one connected operator console.
type adminClient struct {
	conn *websocket.Conn
	send chan []byte
}

// AdminFeed pushes window, checkpoint, and circuit-breaker transitions to
// connected operator consoles, the same push-feed shape the dashboard
// hub uses for liquidity updates, narrowed here to a Forwarder that only
// relays the subset of topics an operator needs to watch live.
type AdminFeed struct {
	mu         sync.RWMutex
	clients    map[*adminClient]bool
	register   chan *adminClient
	unregister chan *adminClient
	topics     map[Topic]bool
	log        logger.Logger
}

// adminFeedTopics is the subset of bus topics operators watch live.
var adminFeedTopics = map[Topic]bool{
	TopicWindowOpened:                        true,
	TopicWindowClosed:                        true,
	TopicWindowProcessing:                    true,
	TopicWindowCompleted:                     true,
	TopicWindowFailed:                        true,
	TopicLedgerCheckpointCreated:             true,
	TopicReconciliationCircuitBreakerTripped: true,
}

func NewAdminFeed(log logger.Logger) *AdminFeed {
	f := &AdminFeed{
		clients:    make(map[*adminClient]bool),
		register:   make(chan *adminClient),
		unregister: make(chan *adminClient),
		topics:     adminFeedTopics,
		log:        log,
	}
	go f.run()
	return f
}

func (f *AdminFeed) run() {
	for {
		select {
		case c := <-f.register:
			f.mu.Lock()
			f.clients[c] = true
			f.mu.Unlock()
		case c := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[c]; ok {
				delete(f.clients, c)
				close(c.send)
			}
			f.mu.Unlock()
		}
	}
}

// Forward implements Forwarder, pushing operator-relevant topics to every
// connected console. Full queues drop that client's message rather than
// blocking the dispatch loop; an admin feed is advisory, not the
// at-least-once contract the in-process bus itself guarantees.
func (f *AdminFeed) Forward(env Envelope) error {
	if !f.topics[env.Topic] {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- body:
		default:
			f.log.Warn("admin feed client send buffer full, dropping message", nil)
		}
	}
	return nil
}

// HandleWebSocket upgrades an HTTP connection into a registered console.
func (f *AdminFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("admin feed upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &adminClient{conn: conn, send: make(chan []byte, 256)}
	f.register <- c
	go f.writePump(c)
	f.readPump(c)
}

func (f *AdminFeed) writePump(c *adminClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *AdminFeed) readPump(c *adminClient) {
	defer func() {
		f.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
