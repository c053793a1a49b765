package signalrelay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

// wsConn adapts a websocket to registry.Conn. Frames go through a bounded queue drained
// by a single writer goroutine; Send never blocks.
type wsConn struct {
	ws           *websocket.Conn
	send         chan []byte
	closing      chan struct{}
	finished     chan struct{}
	writeTimeout time.Duration
	logger       *zap.Logger

	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *zap.Logger) *wsConn {
	c := &wsConn{
		ws:           ws,
		send:         make(chan []byte, queueSize),
		closing:      make(chan struct{}),
		finished:     make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}

	go c.writePump()

	return c
}

// Send queues data. It fails with ErrSendQueueFull when the peer is not keeping up and
// with ErrConnectionClosed once Close was called.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.closing:
		return sentinel.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return sentinel.ErrSendQueueFull
	}
}

// Close flushes the frames already queued, sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })

	return nil
}

// Done is closed once the socket is closed.
func (c *wsConn) Done() <-chan struct{} { return c.finished }

func (c *wsConn) writePump() {
	defer func() {
		_ = c.ws.Close()
		close(c.finished)
	}()

	for {
		select {
		case data := <-c.send:
			if !c.write(data) {
				_ = c.Close()

				return
			}
		case <-c.closing:
			c.drain()

			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))

			return
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case data := <-c.send:
			if !c.write(data) {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	err := c.ws.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))

		return false
	}

	return true
}
