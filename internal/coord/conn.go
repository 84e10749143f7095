package coord

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	pingInterval   = 30 * time.Second
	readTimeout    = 90 * time.Second
	writeTimeout   = 10 * time.Second
	writeQueueSize = 256
)

var (
	errConnClosed     = errors.New("connection closed")
	errWriteQueueFull = errors.New("write queue full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // peers and CLI clients do not send a browser origin
	},
}

// wsConn is one websocket connection, from a peer or a client. Writes are
// queued and performed by writeLoop so Send never blocks the caller.
type wsConn struct {
	conn      *websocket.Conn
	remote    string
	logger    zerolog.Logger
	writeChan chan []byte   // buffered channel for async writes
	closeChan chan struct{} // signals writer goroutine to stop
	closed    bool
	closeMu   sync.Mutex
}

func newWSConn(conn *websocket.Conn, remote string, logger zerolog.Logger) *wsConn {
	c := &wsConn{
		conn:      conn,
		remote:    remote,
		logger:    logger.With().Str("remote", remote).Logger(),
		writeChan: make(chan []byte, writeQueueSize),
		closeChan: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues msg for writing.
func (c *wsConn) Send(msg *proto.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.writeChan <- data:
		return nil
	default:
		return errWriteQueueFull
	}
}

// writeLoop processes queued writes and keepalive pings.
func (c *wsConn) writeLoop() {
	defer c.conn.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.markClosed()
				return
			}
		case data := <-c.writeChan:
			if err := c.write(data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.markClosed()
				return
			}
		}
	}
}

// flush writes whatever is still queued, so a final reply is not lost on close.
func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) markClosed() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

// Close flushes queued writes and closes the connection. It is safe to call
// more than once and from any goroutine.
func (c *wsConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	select {
	case <-c.closeChan:
		return nil
	default:
	}
	c.closed = true
	close(c.closeChan)
	return nil
}

// readFrame blocks for the next frame.
func (c *wsConn) readFrame() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// sendError answers an uninterpretable frame.
func (c *wsConn) sendError(id string, err error) {
	msg, mErr := proto.NewMessage(proto.TypeError, id, proto.ErrorPayload{Error: FailureFor(err)})
	if mErr != nil {
		return
	}
	if sErr := c.Send(msg); sErr != nil {
		c.logger.Debug().Err(sErr).Msg("send error frame")
	}
}
