// Package client talks to a peervault coordinator on behalf of the CLI:
// upload, list, download and delete.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peervault/peervault/internal/checksum"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/internal/coord"
	"github.com/peervault/peervault/internal/wsclient"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/rs/zerolog"
)

// ErrChecksumMismatch is returned by Download when the data received does not
// hash to the checksum the coordinator reported.
var ErrChecksumMismatch = coord.ErrChecksumMismatch

// Client is a connection to a coordinator. It is safe for concurrent use;
// replies are matched to requests by id.
type Client struct {
	conn   *wsclient.Conn
	logger zerolog.Logger

	mu       sync.Mutex
	requests map[string]chan *proto.Message // request id -> reply channel
	err      error                          // set once the read loop exits
	done     chan struct{}
}

// File is one catalog entry.
type File = proto.FileInfo

// Download is a fetched file.
type Download struct {
	FileID   string
	Name     string
	Data     []byte
	Checksum string
}

// Dial connects to the coordinator at serverURL.
func Dial(ctx context.Context, serverURL string, logger zerolog.Logger) (*Client, error) {
	logger = logger.With().Str("component", "client").Logger()
	conn, err := wsclient.Dial(ctx, serverURL, logger)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(proto.FrameLimit(config.DefaultMaxPayload))
	c := &Client{
		conn:     conn,
		logger:   logger,
		requests: make(map[string]chan *proto.Message),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Requests in flight fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if err == nil || wsclient.IsClosedError(err) {
			err = wsclient.ErrClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var msg *proto.Message
		msg, err = c.conn.Read()
		if errors.Is(err, wsclient.ErrMalformed) {
			c.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if err != nil {
			return
		}

		c.mu.Lock()
		ch, ok := c.requests[msg.ID]
		if ok {
			delete(c.requests, msg.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug().Str("id", msg.ID).Str("type", string(msg.Type)).Msg("reply for unknown request")
			continue
		}
		ch <- msg
	}
}

// roundTrip sends a request and waits for the reply with the same id.
func (c *Client) roundTrip(ctx context.Context, t proto.MessageType, payload any) (*proto.Message, error) {
	id := uuid.NewString()
	req, err := proto.NewMessage(t, id, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *proto.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.requests[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.requests, id)
		c.mu.Unlock()
	}()

	if err := c.conn.SendWait(ctx, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", t, err)
	}

	select {
	case reply := <-ch:
		if reply.Type == proto.TypeError {
			var e proto.ErrorPayload
			if err := reply.Decode(proto.TypeError, &e); err != nil {
				return nil, err
			}
			return nil, errorFromFailure(e.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("waiting for %s reply: %w", t, err)
	}
}

// errorFromFailure maps a wire failure to the coordinator's error values so
// callers can use errors.Is.
func errorFromFailure(f *proto.Failure) error {
	if f == nil {
		return fmt.Errorf("coordinator returned an empty error")
	}
	return coord.ErrorFromFailure(f)
}

// Upload stores data under name and returns the new file id.
func (c *Client) Upload(ctx context.Context, name string, data []byte, date time.Time) (fileID string, err error) {
	sum := checksum.Sum(data)
	reply, err := c.roundTrip(ctx, proto.TypeUpload, proto.UploadPayload{
		Name:     name,
		Size:     int64(len(data)),
		Date:     date,
		Checksum: sum,
		Data:     data,
	})
	if err != nil {
		return "", err
	}

	var ack proto.UploadAckPayload
	if err := reply.Decode(proto.TypeUploadAck, &ack); err != nil {
		return "", err
	}
	if ack.Error != nil {
		return "", errorFromFailure(ack.Error)
	}
	if ack.Checksum != "" && !strings.EqualFold(ack.Checksum, sum) {
		return ack.FileID, fmt.Errorf("%w: coordinator recorded %s, expected %s", ErrChecksumMismatch, ack.Checksum, sum)
	}
	return ack.FileID, nil
}

// List returns every file in the catalog.
func (c *Client) List(ctx context.Context) ([]File, error) {
	reply, err := c.roundTrip(ctx, proto.TypeList, nil)
	if err != nil {
		return nil, err
	}
	var resp proto.ListResponsePayload
	if err := reply.Decode(proto.TypeListResponse, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Download fetches a file and verifies its checksum.
func (c *Client) Download(ctx context.Context, fileID string) (*Download, error) {
	reply, err := c.roundTrip(ctx, proto.TypeDownload, proto.DownloadPayload{FileID: fileID})
	if err != nil {
		return nil, err
	}
	var ack proto.RetrieveAckPayload
	if err := reply.Decode(proto.TypeRetrieveAck, &ack); err != nil {
		return nil, err
	}
	if ack.Error != nil {
		return nil, errorFromFailure(ack.Error)
	}
	if !checksum.Verify(ack.Data, ack.Checksum) {
		return nil, fmt.Errorf("%w: file %s", ErrChecksumMismatch, fileID)
	}
	return &Download{
		FileID:   ack.FileID,
		Name:     ack.Name,
		Data:     ack.Data,
		Checksum: ack.Checksum,
	}, nil
}

// Delete removes a file.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	reply, err := c.roundTrip(ctx, proto.TypeDelete, proto.DeletePayload{FileID: fileID})
	if err != nil {
		return err
	}
	var ack proto.DeleteAckPayload
	if err := reply.Decode(proto.TypeDeleteAck, &ack); err != nil {
		return err
	}
	if ack.Error != nil {
		return errorFromFailure(ack.Error)
	}
	return nil
}
