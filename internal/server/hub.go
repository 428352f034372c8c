package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/overlay-chat-server/internal/protocol"
	"github.com/Tyrowin/overlay-chat-server/internal/room"
	"github.com/Tyrowin/overlay-chat-server/internal/roomcode"
)

// ErrHubStopped is returned by requests made after the hub has shut down.
var ErrHubStopped = errors.New("hub stopped")

// RoomStore is the room registry as seen by the hub. Every call is made
// from the hub goroutine.
type RoomStore interface {
	Exists(code string) bool
	GetOrCreate(code string) *room.Room
	Admit(code string) (*room.Room, error)
	Add(m room.Member, code string) error
	Remove(m room.Member, code string) bool
	CleanupIfEmpty(code string) bool
	ListMembers(code string) []room.Profile
	Members(code string) []room.Member
	Codes() []string
	Stats() (rooms, members int)
}

// codeSource hands out room codes not yet taken.
type codeSource interface {
	Unique(taken func(code string) bool) string
}

// Hub owns every room and every connection's identity and room state.
// All of it is touched only from the Run goroutine, so commands, presence
// changes and broadcasts are applied one at a time.
type Hub struct {
	log     *zap.Logger
	rooms   RoomStore
	codes   codeSource
	metrics *Metrics
	now     func() time.Time

	maxMessageSize int64
	sendBufferSize int
	statsInterval  time.Duration

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	statsReq   chan chan Stats

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewHub creates a Hub ready to be started with Run. A nil cfg uses the
// defaults, a nil log discards output and nil metrics register with a
// private registry.
func NewHub(cfg *Config, log *zap.Logger, metrics *Metrics) *Hub {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	c := sanitizeConfig(*cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:            log,
		rooms:          room.NewRegistry(log),
		codes:          roomcode.NewGenerator(),
		metrics:        metrics,
		now:            time.Now,
		maxMessageSize: c.MaxMessageSize,
		sendBufferSize: c.SendBufferSize,
		statsInterval:  c.StatsInterval,
		clients:        make(map[*Client]struct{}),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		inbound:        make(chan inboundFrame),
		statsReq:       make(chan chan Stats),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Start runs the hub's event loop in a new goroutine.
func (h *Hub) Start() {
	h.started.Store(true)
	go h.Run()
	h.log.Info("hub started")
}

// Register hands a new client to the hub, which starts its pumps. It
// returns false if the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister tells the hub a client's transport has closed.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// submit queues a frame read from c. It returns false if the hub has stopped.
func (h *Hub) submit(c *Client, data []byte) bool {
	select {
	case h.inbound <- inboundFrame{client: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

// Stats asks the event loop for current counts.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case h.statsReq <- reply:
	case <-h.done:
		return Stats{}, ErrHubStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	return <-reply, nil
}

// Run starts the hub's main event loop. It returns after Shutdown, once
// every room has been told the server is going away.
func (h *Hub) Run() {
	h.started.Store(true)
	defer h.closeDone()

	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.addClient(client)
			if client.conn != nil {
				h.startPumps(client)
			}

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.inbound:
			h.dispatch(frame.client, frame.data)

		case reply := <-h.statsReq:
			reply <- h.snapshot()

		case <-ticker.C:
			h.logStats()
		}
	}
}

func (h *Hub) startPumps(c *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func (h *Hub) addClient(c *Client) {
	c.closed = false
	h.clients[c] = struct{}{}
	h.metrics.Connections.Set(float64(len(h.clients)))
	c.log.Info("client connected", zap.Int("connections", len(h.clients)))
}

// removeClient runs the disconnect hook and releases the client's queue.
func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	if code, ok := h.departRoom(c, protocol.DisconnectedNotice); ok {
		c.log.Info("client disconnected from room", zap.String("room", code))
	} else {
		c.log.Info("client disconnected (no room)")
	}

	delete(h.clients, c)
	c.closed = true
	close(c.send)
	h.metrics.Connections.Set(float64(len(h.clients)))
}

func (h *Hub) snapshot() Stats {
	rooms, users := h.rooms.Stats()
	return Stats{Rooms: rooms, Users: users, Connections: len(h.clients)}
}

func (h *Hub) logStats() {
	s := h.snapshot()
	if s.Rooms == 0 {
		return
	}
	h.log.Info("room stats",
		zap.Int("rooms", s.Rooms),
		zap.Int("users", s.Users),
		zap.Int("connections", s.Connections))
}

func (h *Hub) updateGauges() {
	rooms, members := h.rooms.Stats()
	h.metrics.Rooms.Set(float64(rooms))
	h.metrics.Members.Set(float64(members))
}

// shutdownClients tells every room the server is going away, then closes
// every client's queue so its write pump flushes and sends a close frame.
func (h *Hub) shutdownClients() {
	h.log.Info("notifying rooms of shutdown")

	for _, code := range h.rooms.Codes() {
		h.broadcast(code, protocol.NewSystem(protocol.MsgServerShutdown), nil)
	}

	for c := range h.clients {
		c.closed = true
		close(c.send)
		delete(h.clients, c)
	}
	h.metrics.Connections.Set(0)

	h.log.Info("closed client connections")
}

func (h *Hub) closeDone() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Shutdown stops the event loop and waits, up to timeout in total, for it
// and every client goroutine to finish. A hub that was never started is
// marked stopped without waiting.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	if !h.started.Load() {
		h.closeDone()
		h.log.Info("hub shutdown completed (never started)")
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.log.Warn("hub shutdown timeout reached before the event loop stopped")
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info("hub shutdown completed")
		return nil
	case <-timer.C:
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
