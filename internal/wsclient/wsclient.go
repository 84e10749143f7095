// Package wsclient is the dialing side of the coordinator's websocket
// endpoint, shared by storage peers and CLI clients.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	// Path is the coordinator's websocket endpoint.
	Path = "/ws"

	pingInterval   = 30 * time.Second
	readTimeout    = 90 * time.Second
	writeTimeout   = 10 * time.Second
	writeQueueSize = 256
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrMalformed is returned by Read for a frame that is not a valid message.
	// The connection stays usable.
	ErrMalformed = errors.New("malformed message")
)

// HTTPToWSURL converts an HTTP(S) URL to a WebSocket URL.
func HTTPToWSURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u.String(), nil
}

// EndpointURL returns the websocket URL of the coordinator at serverURL.
func EndpointURL(serverURL string) (string, error) {
	wsURL, err := HTTPToWSURL(serverURL)
	if err != nil {
		return "", fmt.Errorf("convert URL: %w", err)
	}
	return strings.TrimRight(wsURL, "/") + Path, nil
}

// Conn is a websocket connection to the coordinator. Sends are queued and
// written by a single goroutine that also sends keepalive pings.
type Conn struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
}

// Dial connects to the coordinator at serverURL (http:// or https://).
func Dial(ctx context.Context, serverURL string, logger zerolog.Logger) (*Conn, error) {
	endpoint, err := EndpointURL(serverURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("connect to %s: %s - %s", endpoint, resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}

	c := &Conn{
		conn:      conn,
		logger:    logger,
		writeChan: make(chan []byte, writeQueueSize),
		closeChan: make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.writeLoop()
	return c, nil
}

// Send queues msg. It fails if the connection is closed or its queue is full.
func (c *Conn) Send(msg *proto.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.closeChan:
		return ErrClosed
	default:
	}
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrClosed
	default:
		return fmt.Errorf("write queue full")
	}
}

// SendWait queues msg, waiting for queue space until ctx is done.
func (c *Conn) SendWait(ctx context.Context, msg *proto.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.closeChan:
		return ErrClosed
	default:
	}
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read blocks for the next message from the coordinator.
func (c *Conn) Read() (*proto.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := proto.UnmarshalMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// SetReadLimit bounds the size of an incoming frame.
func (c *Conn) SetReadLimit(limit int64) {
	c.conn.SetReadLimit(limit)
}

func (c *Conn) writeLoop() {
	defer close(c.writeDone)
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			c.flush()
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				_ = c.conn.Close()
				return
			}
		case data := <-c.writeChan:
			if err := c.write(data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *Conn) flush() {
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

func (c *Conn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close flushes queued messages, sends a close frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		<-c.writeDone
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(5*time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// IsClosedError reports whether err is an expected end of connection.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
