package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peervault/peervault/internal/checksum"
	"github.com/peervault/peervault/internal/coord"
	"github.com/peervault/peervault/internal/wsclient"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer answers each request with whatever respond returns. A nil
// reply sends nothing.
func scriptedServer(t *testing.T, respond func(req *proto.Message) *proto.Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wsclient.Path {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := proto.UnmarshalMessage(data)
			if err != nil {
				return
			}
			// Reply out of order to exercise id matching.
			go func() {
				reply := respond(req)
				if reply == nil {
					return
				}
				out, err := reply.Marshal()
				if err != nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustMessage(t *testing.T, typ proto.MessageType, id string, payload any) *proto.Message {
	t.Helper()
	m, err := proto.NewMessage(typ, id, payload)
	assert.NoError(t, err)
	return m
}

func dialTest(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_UploadSendsChecksum(t *testing.T) {
	var got proto.UploadPayload
	srv := scriptedServer(t, func(req *proto.Message) *proto.Message {
		assert.NoError(t, req.Decode(proto.TypeUpload, &got))
		return mustMessage(t, proto.TypeUploadAck, req.ID, proto.UploadAckPayload{FileID: "ABCD1234", Checksum: got.Checksum})
	})
	c := dialTest(t, srv)

	id, err := c.Upload(context.Background(), "a.txt", []byte("hello"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", id)
	assert.Equal(t, checksum.Sum([]byte("hello")), got.Checksum)
	assert.Equal(t, int64(5), got.Size)
}

func TestClient_UploadFailureMapsToError(t *testing.T) {
	srv := scriptedServer(t, func(req *proto.Message) *proto.Message {
		return mustMessage(t, proto.TypeUploadAck, req.ID, proto.UploadAckPayload{
			Error: &proto.Failure{Code: proto.CodeInsufficientReplicas, Message: "1 live peer, need 2"},
		})
	})
	c := dialTest(t, srv)

	_, err := c.Upload(context.Background(), "a.txt", []byte("x"), time.Now())
	assert.ErrorIs(t, err, coord.ErrInsufficientReplicas)
	assert.Contains(t, err.Error(), "need 2")
}

func TestClient_ConcurrentRequestsAreMatchedByID(t *testing.T) {
	srv := scriptedServer(t, func(req *proto.Message) *proto.Message {
		var d proto.DownloadPayload
		assert.NoError(t, req.Decode(proto.TypeDownload, &d))
		data := []byte("content of " + d.FileID)
		return mustMessage(t, proto.TypeRetrieveAck, req.ID, proto.RetrieveAckPayload{
			FileID:   d.FileID,
			Data:     data,
			Checksum: checksum.Sum(data),
		})
	})
	c := dialTest(t, srv)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("F%03d", i)
			got, err := c.Download(context.Background(), id)
			if assert.NoError(t, err) {
				assert.Equal(t, id, got.FileID)
				assert.Equal(t, "content of "+id, string(got.Data))
			}
		}()
	}
	wg.Wait()
}

func TestClient_DownloadVerifiesChecksum(t *testing.T) {
	srv := scriptedServer(t, func(req *proto.Message) *proto.Message {
		return mustMessage(t, proto.TypeRetrieveAck, req.ID, proto.RetrieveAckPayload{
			FileID:   "X",
			Data:     []byte("tampered"),
			Checksum: checksum.Sum([]byte("original")),
		})
	})
	c := dialTest(t, srv)

	_, err := c.Download(context.Background(), "X")
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestClient_ListAndDelete(t *testing.T) {
	srv := scriptedServer(t, func(req *proto.Message) *proto.Message {
		switch req.Type {
		case proto.TypeList:
			return mustMessage(t, proto.TypeListResponse, req.ID, proto.ListResponsePayload{
				Files: []proto.FileInfo{{ID: "A1", Name: "one"}, {ID: "B2", Name: "two"}},
			})
		case proto.TypeDelete:
			var d proto.DeletePayload
			assert.NoError(t, req.Decode(proto.TypeDelete, &d))
			ack := proto.DeleteAckPayload{FileID: d.FileID}
			if d.FileID != "A1" {
				ack.Error = &proto.Failure{Code: proto.CodeNotFound, Message: "no such file"}
			}
			return mustMessage(t, proto.TypeDeleteAck, req.ID, ack)
		}
		return nil
	})
	c := dialTest(t, srv)
	ctx := context.Background()

	files, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "two", files[1].Name)

	require.NoError(t, c.Delete(ctx, "A1"))
	assert.ErrorIs(t, c.Delete(ctx, "ZZ"), coord.ErrNotFound)
}

func TestClient_ErrorReply(t *testing.T) {
	srv := scriptedServer(t, func(req *proto.Message) *proto.Message {
		return mustMessage(t, proto.TypeError, req.ID, proto.ErrorPayload{
			Error: &proto.Failure{Code: proto.CodeInvalidRequest, Message: "unexpected message type"},
		})
	})
	c := dialTest(t, srv)

	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, coord.ErrInvalidRequest)
}

func TestClient_ContextCancelledWhileWaiting(t *testing.T) {
	srv := scriptedServer(t, func(*proto.Message) *proto.Message { return nil })
	c := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.List(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_RequestsFailAfterClose(t *testing.T) {
	srv := scriptedServer(t, func(*proto.Message) *proto.Message { return nil })
	c := dialTest(t, srv)

	require.NoError(t, c.Close())
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, wsclient.ErrClosed)
}
