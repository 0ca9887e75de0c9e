package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/hookrelay/internal/events"
)

type harness struct {
	server     *httptest.Server
	clients    chan *Client
	heartbeats atomic.Int32
	closed     atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clients: make(chan *Client, 1)}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, Options{
			WebhookID:   "wh_1",
			OnHeartbeat: func(string) { h.heartbeats.Add(1) },
			OnClose:     func(string) { h.closed.Add(1) },
		})
		h.clients <- client
		client.Run()
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T) (*websocket.Conn, *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	select {
	case c := <-h.clients:
		return conn, c
	case <-time.After(5 * time.Second):
		t.Fatal("server did not accept connection")
		return nil, nil
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg *Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func TestClient_DeliverResponse(t *testing.T) {
	h := newHarness(t)
	conn, client := h.dial(t)

	type result struct {
		reply *Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		event := &events.Event{ID: "evt_1", WebhookID: "wh_1", Request: events.OriginRequest{Body: []byte(`{"a":1}`)}}
		reply, err := client.Deliver(context.Background(), EventMessage("", "local", event))
		done <- result{reply, err}
	}()

	pushed := readMessage(t, conn)
	require.Equal(t, TypeEvent, pushed.Type)
	require.NotEmpty(t, pushed.RequestID)
	assert.Equal(t, "local", pushed.Destination)
	require.NotNil(t, pushed.Event)
	assert.Equal(t, []byte(`{"a":1}`), pushed.Event.Request.Body)

	writeMessage(t, conn, &Message{
		Type:      TypeResponse,
		RequestID: pushed.RequestID,
		Status:    201,
		Headers:   map[string]string{"X-Ok": "1"},
		Body:      []byte("created"),
	})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, TypeResponse, r.reply.Type)
		assert.Equal(t, 201, r.reply.Status)
		assert.Equal(t, []byte("created"), r.reply.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("deliver did not return")
	}
	assert.Equal(t, int32(1), h.heartbeats.Load())
}

func TestClient_DeliverTimeout(t *testing.T) {
	h := newHarness(t)
	conn, client := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Deliver(ctx, EventMessage("req-1", "local", &events.Event{ID: "evt"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Late reply for an expired request is ignored.
	_ = readMessage(t, conn)
	writeMessage(t, conn, &Message{Type: TypeAck, RequestID: "req-1"})
	writeMessage(t, conn, &Message{Type: TypeHeartbeat})
	assert.Equal(t, TypeHeartbeat, readMessage(t, conn).Type)
}

func TestClient_HeartbeatEcho(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.dial(t)

	writeMessage(t, conn, &Message{Type: TypeHeartbeat})
	reply := readMessage(t, conn)

	assert.Equal(t, TypeHeartbeat, reply.Type)
	assert.Equal(t, int32(1), h.heartbeats.Load())
}

func TestClient_UnknownMessage(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.dial(t)

	writeMessage(t, conn, &Message{Type: "subscribe"})
	reply := readMessage(t, conn)

	assert.Equal(t, TypeError, reply.Type)
	assert.Zero(t, h.heartbeats.Load())
}

func TestClient_CloseFailsPendingDelivery(t *testing.T) {
	h := newHarness(t)
	_, client := h.dial(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Deliver(context.Background(), EventMessage("", "local", &events.Event{ID: "evt"}))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Close("test")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("deliver did not return after close")
	}

	assert.Eventually(t, func() bool { return h.closed.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, client.Send(&Message{Type: TypeHeartbeat}), ErrClosed)
}
