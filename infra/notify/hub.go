package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var ErrHubClosed = errors.New("notify: hub closed")

// Message is the frame pushed to subscribers.
type Message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// command is what a subscriber may send.
type command struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans events out to websocket subscribers grouped in rooms named
// after the event channel, e.g. "1:orders".
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log.With().Str("module", "ws").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Emit pushes an event to every subscriber of channel. Slow
// subscribers are disconnected rather than blocking the caller.
func (h *Hub) Emit(_ context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	frame, err := json.Marshal(Message{Channel: channel, Event: event, Data: data})
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for c := range h.rooms[channel] {
		select {
		case c.send <- frame:
		default:
			h.log.Warn().Str("channel", channel).Msg("subscriber too slow, dropping")
			c.stop()
		}
	}
	return nil
}

// ServeHTTP upgrades the request and subscribes the connection to the
// rooms listed in the "channel" query parameters. Further rooms are
// joined or left with {"action":"join"|"leave","channel":...}.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("failed handshake")
		return
	}

	c := &client{ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	if !h.register(c, req.URL.Query()["channel"]) {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		_ = ws.Close()
		return
	}

	go h.reader(c)
	go h.writer(c)
}

// register counts the client's goroutines under the lock Close takes,
// so Close never waits on a group that is still growing.
func (h *Hub) register(c *client, channels []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	for _, ch := range channels {
		h.joinLocked(c, ch)
	}
	h.wg.Add(2)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for name, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, name)
		}
	}
}

func (h *Hub) join(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(c, channel)
}

func (h *Hub) joinLocked(c *client, channel string) {
	room, ok := h.rooms[channel]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[channel] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[channel]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, channel)
		}
	}
}

// Subscribers returns the number of connections in a room.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channel])
}

func (h *Hub) reader(c *client) {
	defer h.wg.Done()
	defer c.stop()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Action {
		case "join":
			h.join(c, cmd.Channel)
		case "leave":
			h.leave(c, cmd.Channel)
		}
	}
}

func (h *Hub) writer(c *client) {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		h.unregister(c)
		_ = c.ws.Close()
		h.wg.Done()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Close disconnects every subscriber and waits for their goroutines.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for c := range h.clients {
		c.stop()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}
