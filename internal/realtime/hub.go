package realtime

import (
	"context"
	"errors"
	"sync"

	"trade-mirror-go/internal/pubsub"

	"go.uber.org/zap"
)

// ErrHubClosed is returned when connecting to a hub that has shut down.
var ErrHubClosed = errors.New("realtime: hub closed")

type relay struct {
	clients map[*Client]struct{}
	cancel  context.CancelFunc
}

// Hub routes pub/sub channel messages to the local clients listening on them.
// It subscribes to a channel while at least one local client listens and
// unsubscribes when the last one leaves. A Hub lives for the whole process
// and is torn down with Close.
type Hub struct {
	subscriber pubsub.Subscriber
	logger     *zap.Logger

	mu       sync.RWMutex
	relays   map[string]*relay
	clients  map[*Client][]string
	closed   bool
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
}

// NewHub creates a Hub reading from subscriber.
func NewHub(subscriber pubsub.Subscriber, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subscriber: subscriber,
		logger:     logger.Named("hub"),
		relays:     make(map[string]*relay),
		clients:    make(map[*Client][]string),
		ctx:        ctx,
		shutdown:   cancel,
	}
}

// Connect registers client on channels. Connecting an already connected client
// adds the new channels to its set.
func (h *Hub) Connect(client *Client, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.clients[client]; !ok {
		h.clients[client] = nil
	}

	for _, ch := range channels {
		r, ok := h.relays[ch]
		if !ok {
			r = h.startRelay(ch)
		}
		if _, dup := r.clients[client]; dup {
			continue
		}
		r.clients[client] = struct{}{}
		h.clients[client] = append(h.clients[client], ch)
	}

	h.logger.Debug("Client connected",
		zap.String("client_id", client.ID()),
		zap.Strings("channels", channels),
		zap.Int("clients", len(h.clients)),
	)
	return nil
}

// Disconnect removes client from every channel. Repeated calls are no-ops.
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectLocked(client)
}

func (h *Hub) disconnectLocked(client *Client) {
	channels, ok := h.clients[client]
	if !ok {
		return
	}
	delete(h.clients, client)

	for _, ch := range channels {
		r, ok := h.relays[ch]
		if !ok {
			continue
		}
		delete(r.clients, client)
		if len(r.clients) == 0 {
			r.cancel()
			delete(h.relays, ch)
		}
	}
	h.logger.Debug("Client disconnected", zap.String("client_id", client.ID()), zap.Int("clients", len(h.clients)))
}

// startRelay must be called with h.mu held.
func (h *Hub) startRelay(channel string) *relay {
	ctx, cancel := context.WithCancel(h.ctx)
	r := &relay{clients: make(map[*Client]struct{}), cancel: cancel}
	h.relays[channel] = r

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runRelay(ctx, channel, r)
	}()
	return r
}

func (h *Hub) runRelay(ctx context.Context, channel string, r *relay) {
	l := h.logger.With(zap.String("channel", channel))

	msgs, err := h.subscriber.Subscribe(ctx, channel)
	if err != nil {
		if ctx.Err() == nil {
			l.Error("Failed to subscribe", zap.Error(err))
		}
		h.dropRelay(channel, r)
		return
	}
	l.Debug("Relay started")

	for msg := range msgs {
		h.broadcast(channel, msg)
	}

	if ctx.Err() == nil {
		l.Warn("Subscription ended unexpectedly")
	}
	h.dropRelay(channel, r)
}

// dropRelay closes the clients of a relay that stopped on its own, so they reconnect.
func (h *Hub) dropRelay(channel string, r *relay) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r.cancel()
	if h.relays[channel] != r {
		return
	}
	for c := range r.clients {
		h.disconnectLocked(c)
		c.Close()
	}
	delete(h.relays, channel)
}

func (h *Hub) broadcast(channel string, msg []byte) {
	h.mu.RLock()
	r, ok := h.relays[channel]
	var slow []*Client
	if ok {
		for c := range r.clients {
			if !c.Enqueue(msg) {
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow client", zap.String("client_id", c.ID()), zap.String("channel", channel))
		h.Disconnect(c)
		c.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelCount returns the number of channels with an active relay.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.relays)
}

// Close disconnects every client and stops all relays.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*Client][]string)
	h.relays = make(map[string]*relay)
	h.shutdown()
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("Hub closed")
}
