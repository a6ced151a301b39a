package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/util"
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventClient is one connected operator UI. Its outbox is the bus
// subscriber channel itself (already bounded and drop-on-full), so
// this is just the write side and a sequence id for logging.
type eventClient struct {
	id   uint64
	conn *websocket.Conn

	writeMu sync.Mutex
}

var eventClientSeq uint64

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("api: event stream upgrade error: %v", err)
		return
	}

	client := &eventClient{id: atomic.AddUint64(&eventClientSeq, 1), conn: conn}
	util.Debugf("event stream client %d connected", client.id)

	ch, unsubscribe := s.bus.Subscribe()
	defer func() {
		unsubscribe()
		conn.Close()
		util.Debugf("event stream client %d disconnected", client.id)
	}()

	// Drain (and discard) reads so a dropped/closed connection is
	// detected promptly; operators never send anything over this
	// stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := client.send(ev); err != nil {
				return
			}
		}
	}
}

func (c *eventClient) send(ev events.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(ev)
}
