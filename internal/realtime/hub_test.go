package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBus is an in-memory pubsub.Subscriber.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]map[chan []byte]struct{})}
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(channel, ch)
	}()
	return ch, nil
}

func (b *fakeBus) remove(channel string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel][ch]; ok {
		delete(b.subs[channel], ch)
		close(ch)
	}
}

// kill ends every subscription of channel as if the connection dropped.
func (b *fakeBus) kill(channel string) {
	b.mu.Lock()
	var subs []chan []byte
	for ch := range b.subs[channel] {
		subs = append(subs, ch)
	}
	b.mu.Unlock()
	for _, ch := range subs {
		b.remove(channel, ch)
	}
}

func (b *fakeBus) publish(channel string, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		ch <- []byte(msg)
	}
}

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func setupHub(t *testing.T) (*Hub, *fakeBus) {
	bus := newFakeBus()
	hub := NewHub(bus, zap.NewNop())
	t.Cleanup(hub.Close)
	return hub, bus
}

func newTestClient(userID uint) *Client {
	return NewClient(nil, userID, zap.NewNop())
}

func waitSubscribed(t *testing.T, bus *fakeBus, channel string, n int) {
	require.Eventually(t, func() bool { return bus.count(channel) == n }, 2*time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, c *Client) string {
	select {
	case msg := <-c.send:
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestHub_RelaysToChannelClients(t *testing.T) {
	hub, bus := setupHub(t)
	a, b := newTestClient(1), newTestClient(2)

	require.NoError(t, hub.Connect(a, "group:1", "group:2"))
	require.NoError(t, hub.Connect(b, "group:2"))
	waitSubscribed(t, bus, "group:1", 1)
	waitSubscribed(t, bus, "group:2", 1)
	assert.Equal(t, 2, hub.ChannelCount())

	bus.publish("group:1", `{"type":"trade"}`)
	assert.Equal(t, `{"type":"trade"}`, receive(t, a))

	bus.publish("group:2", `{"type":"trade_update"}`)
	assert.Equal(t, `{"type":"trade_update"}`, receive(t, a))
	assert.Equal(t, `{"type":"trade_update"}`, receive(t, b))
	assert.Empty(t, b.send)
}

func TestHub_UnsubscribesWhenLastClientLeaves(t *testing.T) {
	hub, bus := setupHub(t)
	a, b := newTestClient(1), newTestClient(2)

	require.NoError(t, hub.Connect(a, "group:1"))
	require.NoError(t, hub.Connect(b, "group:1"))
	waitSubscribed(t, bus, "group:1", 1)

	hub.Disconnect(a)
	assert.Equal(t, 1, hub.ChannelCount())
	assert.Equal(t, 1, bus.count("group:1"))

	hub.Disconnect(b)
	assert.Zero(t, hub.ChannelCount())
	waitSubscribed(t, bus, "group:1", 0)
}

func TestHub_DisconnectIsIdempotentUnderConcurrency(t *testing.T) {
	hub, bus := setupHub(t)
	clients := make([]*Client, 10)
	for i := range clients {
		clients[i] = newTestClient(uint(i))
		require.NoError(t, hub.Connect(clients[i], "group:1"))
	}
	waitSubscribed(t, bus, "group:1", 1)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			hub.Disconnect(c)
		}(clients[i%len(clients)])
	}
	wg.Wait()

	assert.Zero(t, hub.ClientCount())
	assert.Zero(t, hub.ChannelCount())
	waitSubscribed(t, bus, "group:1", 0)
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub, bus := setupHub(t)
	slow := newTestClient(1)
	require.NoError(t, hub.Connect(slow, "group:1"))
	waitSubscribed(t, bus, "group:1", 1)

	for i := 0; i <= sendBuffer; i++ {
		hub.broadcast("group:1", []byte("x"))
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
	assert.Zero(t, hub.ClientCount())
}

func TestHub_SubscriptionLossClosesClients(t *testing.T) {
	hub, bus := setupHub(t)
	c := newTestClient(1)
	require.NoError(t, hub.Connect(c, "group:1"))
	waitSubscribed(t, bus, "group:1", 1)

	bus.kill("group:1")

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not closed")
	}
	assert.Eventually(t, func() bool { return hub.ChannelCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub, bus := setupHub(t)
	c := newTestClient(1)
	require.NoError(t, hub.Connect(c, "group:1"))
	waitSubscribed(t, bus, "group:1", 1)

	hub.Close()
	hub.Close()

	<-c.Done()
	waitSubscribed(t, bus, "group:1", 0)
	assert.ErrorIs(t, hub.Connect(newTestClient(2), "group:1"), ErrHubClosed)
}

func TestClient_WebsocketRoundTrip(t *testing.T) {
	hub, bus := setupHub(t)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		client := NewClient(conn, 7, zap.NewNop())
		if !assert.NoError(t, hub.Connect(client, "group:3")) {
			return
		}
		client.Serve(hub)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	waitSubscribed(t, bus, "group:3", 1)
	bus.publish("group:3", `{"type":"trade","data":{"id":1}}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"trade","data":{"id":1}}`, string(msg))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	waitSubscribed(t, bus, "group:3", 0)
}
