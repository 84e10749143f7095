package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/checksum"
	"github.com/peervault/peervault/internal/wsclient"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/peervault/peervault/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCoordinator accepts peer connections, acks registration and lets the
// test drive requests over the most recent connection.
type fakeCoordinator struct {
	t      *testing.T
	srv    *httptest.Server
	reject bool

	registrations atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	replies chan *proto.Message
}

func newFakeCoordinator(t *testing.T, reject bool) *fakeCoordinator {
	t.Helper()
	f := &fakeCoordinator{t: t, reject: reject, replies: make(chan *proto.Message, 16)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wsclient.Path {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.UnmarshalMessage(data)
		if err != nil {
			return
		}
		var reg proto.RegisterNodePayload
		if err := msg.Decode(proto.TypeRegisterNode, &reg); err != nil {
			return
		}
		ack := proto.RegisterAckPayload{NodeID: reg.NodeID}
		if f.reject {
			ack.Error = &proto.Failure{Code: proto.CodeInvalidRequest, Message: "id refused"}
		}
		out, _ := proto.NewMessage(proto.TypeRegisterAck, "", ack)
		raw, _ := out.Marshal()
		f.mu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		f.conn = conn
		f.mu.Unlock()
		f.registrations.Add(1)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if m, err := proto.UnmarshalMessage(data); err == nil {
				f.replies <- m
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) send(typ proto.MessageType, id string, payload any) {
	f.t.Helper()
	msg, err := proto.NewMessage(typ, id, payload)
	require.NoError(f.t, err)
	raw, err := msg.Marshal()
	require.NoError(f.t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(f.t, f.conn)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, raw))
}

func (f *fakeCoordinator) sendRaw(data string) {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (f *fakeCoordinator) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

func (f *fakeCoordinator) reply(t *testing.T) *proto.Message {
	t.Helper()
	select {
	case m := <-f.replies:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from peer")
		return nil
	}
}

func newTestAgent(t *testing.T, serverURL string) (*Agent, *blobstore.Store) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	store, err := blobstore.New(dir)
	require.NoError(t, err)
	a, err := New(Config{
		ID:         "peer-1",
		ServerURL:  serverURL,
		Store:      store,
		Logger:     zerolog.Nop(),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return a, store
}

func runAgent(t *testing.T, a *Agent) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		result <- a.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return result
}

func TestNew_Validation(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	store, err := blobstore.New(dir)
	require.NoError(t, err)

	_, err = New(Config{ServerURL: "http://localhost:8000", Store: store})
	assert.Error(t, err)
	_, err = New(Config{ID: "p", ServerURL: "http://localhost:8000"})
	assert.Error(t, err)
	_, err = New(Config{ID: "p", ServerURL: "ftp://x", Store: store})
	assert.Error(t, err)
}

func TestAgent_StoreRetrieveDelete(t *testing.T) {
	f := newFakeCoordinator(t, false)
	a, store := newTestAgent(t, f.srv.URL)
	runAgent(t, a)
	testutil.Eventually(t, 5*time.Second, a.IsConnected, "agent did not register")

	data := []byte("replica bytes")
	f.send(proto.TypeStore, "op-1", proto.StorePayload{FileID: "F1", Name: "f.txt", Data: data})
	m := f.reply(t)
	assert.Equal(t, "op-1", m.ID)
	var sa proto.StoreAckPayload
	require.NoError(t, m.Decode(proto.TypeStoreAck, &sa))
	assert.Nil(t, sa.Error)
	assert.Equal(t, "F1", sa.FileID)
	assert.True(t, store.Has("F1"))

	f.send(proto.TypeRetrieve, "op-2", proto.RetrievePayload{FileID: "F1", Name: "f.txt"})
	m = f.reply(t)
	var ra proto.RetrieveAckPayload
	require.NoError(t, m.Decode(proto.TypeRetrieveAck, &ra))
	assert.Nil(t, ra.Error)
	assert.Equal(t, data, ra.Data)
	assert.Equal(t, checksum.Sum(data), ra.Checksum)

	f.send(proto.TypeDelete, "op-3", proto.DeletePayload{FileID: "F1"})
	m = f.reply(t)
	var da proto.DeleteAckPayload
	require.NoError(t, m.Decode(proto.TypeDeleteAck, &da))
	assert.Nil(t, da.Error)
	assert.False(t, store.Has("F1"))

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Stored)
	assert.Equal(t, uint64(1), st.Retrieved)
	assert.Equal(t, uint64(1), st.Deleted)
	assert.Equal(t, uint64(1), st.Sessions)
}

func TestAgent_RetrieveMissingBlob(t *testing.T) {
	f := newFakeCoordinator(t, false)
	a, _ := newTestAgent(t, f.srv.URL)
	runAgent(t, a)
	testutil.Eventually(t, 5*time.Second, a.IsConnected, "agent did not register")

	f.send(proto.TypeRetrieve, "op-1", proto.RetrievePayload{FileID: "NOPE"})
	var ra proto.RetrieveAckPayload
	require.NoError(t, f.reply(t).Decode(proto.TypeRetrieveAck, &ra))
	require.NotNil(t, ra.Error)
	assert.Equal(t, proto.CodeNotFound, ra.Error.Code)
	assert.Equal(t, uint64(1), a.Stats().Failed)
}

func TestAgent_StoreRejectsUnsafeKey(t *testing.T) {
	f := newFakeCoordinator(t, false)
	a, _ := newTestAgent(t, f.srv.URL)
	runAgent(t, a)
	testutil.Eventually(t, 5*time.Second, a.IsConnected, "agent did not register")

	f.send(proto.TypeStore, "op-1", proto.StorePayload{FileID: "../escape", Data: []byte("x")})
	var sa proto.StoreAckPayload
	require.NoError(t, f.reply(t).Decode(proto.TypeStoreAck, &sa))
	require.NotNil(t, sa.Error)
	assert.Equal(t, proto.CodeInvalidRequest, sa.Error.Code)
}

func TestAgent_SurvivesMalformedFrame(t *testing.T) {
	f := newFakeCoordinator(t, false)
	a, _ := newTestAgent(t, f.srv.URL)
	runAgent(t, a)
	testutil.Eventually(t, 5*time.Second, a.IsConnected, "agent did not register")

	f.sendRaw("{not json")
	f.send(proto.TypeDelete, "op-1", proto.DeletePayload{FileID: "F1"})
	assert.Equal(t, "op-1", f.reply(t).ID)
	assert.Equal(t, uint64(1), a.Stats().Sessions)
}

func TestAgent_ReconnectsAfterDrop(t *testing.T) {
	f := newFakeCoordinator(t, false)
	a, _ := newTestAgent(t, f.srv.URL)
	runAgent(t, a)
	testutil.Eventually(t, 5*time.Second, a.IsConnected, "agent did not register")

	f.dropConnection()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return f.registrations.Load() >= 2 && a.IsConnected()
	}, "agent did not reconnect")
	assert.GreaterOrEqual(t, a.Stats().Sessions, uint64(2))
}

func TestAgent_RegistrationRejected(t *testing.T) {
	f := newFakeCoordinator(t, true)
	a, _ := newTestAgent(t, f.srv.URL)
	done := runAgent(t, a)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRegistrationRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after rejection")
	}
	assert.False(t, a.IsConnected())
}

func TestAgent_RunReturnsNilOnCancel(t *testing.T) {
	// Nothing listens here; the agent keeps retrying until cancelled.
	a, _ := newTestAgent(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
