package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPToWSURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:8000", "ws://localhost:8000", false},
		{"https://coord.example.com", "wss://coord.example.com", false},
		{"ws://already:1", "ws://already:1", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := HTTPToWSURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointURL(t *testing.T) {
	got, err := EndpointURL("http://localhost:8000/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws", got)
}

// echoServer answers every frame by sending it back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConn_SendAndRead(t *testing.T) {
	srv := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	msg, err := proto.NewMessage(proto.TypeList, "req-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(msg))

	got, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, proto.TypeList, got.Type)
	assert.Equal(t, "req-1", got.ID)
}

func TestConn_SendAfterClose(t *testing.T) {
	srv := echoServer(t)

	c, err := Dial(context.Background(), srv.URL, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	msg, err := proto.NewMessage(proto.TypeList, "x", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(msg), ErrClosed)
}

func TestDial_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestConn_ReadLimit(t *testing.T) {
	srv := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	c.SetReadLimit(proto.FrameLimit(0))

	msg, err := proto.NewMessage(proto.TypeStore, "op-1", proto.StorePayload{
		FileID: "F",
		Data:   make([]byte, 128<<10),
	})
	require.NoError(t, err)
	require.NoError(t, c.Send(msg))

	_, err = c.Read()
	assert.ErrorIs(t, err, websocket.ErrReadLimit)
}
