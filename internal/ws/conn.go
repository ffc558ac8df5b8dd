// Package ws holds the websocket plumbing: the single-writer connection
// wrapper and the message router with its fan-out primitives.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/brainbrawl/brainbrawl/internal/protocol"
)

// outBufferSize bounds the per-socket write queue. A full queue drops the
// message rather than blocking game logic.
const outBufferSize = 64

const writeTimeout = 5 * time.Second

// Conn wraps a websocket connection with a single writer goroutine so that
// concurrent sends preserve per-client ordering.
type Conn struct {
	c   *websocket.Conn
	out chan []byte
	log *logrus.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn starts the write pump for an accepted socket.
func NewConn(c *websocket.Conn, log *logrus.Logger) *Conn {
	conn := &Conn{
		c:    c,
		out:  make(chan []byte, outBufferSize),
		log:  log,
		done: make(chan struct{}),
	}
	go conn.writePump()
	return conn
}

// Send encodes an envelope and enqueues it. Best-effort: a closed or full
// queue logs and drops.
func (c *Conn) Send(msgType string, payload interface{}) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.log.Errorf("failed to encode %s envelope: %v", msgType, err)
		return
	}
	c.SendRaw(msgType, data)
}

// SendRaw enqueues pre-encoded bytes.
func (c *Conn) SendRaw(msgType string, data []byte) {
	select {
	case <-c.done:
	case c.out <- data:
	default:
		c.log.Warnf("write queue full, dropped message type %q", msgType)
	}
}

// Close shuts the writer down and closes the socket. Idempotent.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.c.Close(websocket.StatusNormalClosure, reason)
	})
}

// Read blocks for the next text frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			c.log.Warnf("ignoring non-text frame type %d", typ)
			continue
		}
		return data, nil
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			// Drain whatever is queued, best-effort.
			for {
				select {
				case data := <-c.out:
					c.write(data)
				default:
					return
				}
			}
		case data := <-c.out:
			c.write(data)
		}
	}
}

func (c *Conn) write(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.c.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debugf("socket write failed: %v", err)
	}
}
