package gateway

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-chatclient/internal/stats"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Authenticated
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	}
	return "unknown"
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	reconnectBaseDelay       = time.Second
	reconnectMaxDelay        = 30 * time.Second
	maxReconnectAttempts     = 10
)

// Server error codes that invalidate the credential. The client
// disconnects without retrying; every other ERROR leaves the
// connection open.
var fatalErrorCodes = map[string]bool{
	"INVALID_TOKEN":  true,
	"USER_NOT_FOUND": true,
}

type Handler func(*ServerEvent)

// Session identifies the authenticated user, populated from READY.
type Session struct {
	UserId   string
	Username string
}

// Client maintains one gateway connection: it identifies on open,
// heartbeats at the server-dictated interval, reconnects with
// exponential backoff, and fans decoded events out to registered
// handlers. One Client is shared by all consumers.
type Client struct {
	url   string
	dial  Dialer
	log   *log.Logger
	stats stats.StatsProvider

	mu             sync.Mutex
	state          ConnState
	token          string
	transport      Transport
	gen            uint64
	attempts       int
	reconnectTimer *time.Timer
	session        Session
	hbStop         chan struct{}
	hbInterval     time.Duration
	hbSeq          uint64

	handlersMu  sync.Mutex
	handlers    map[int]Handler
	nextHandler int
}

func NewClient(url string, dial Dialer, logger *log.Logger, sp stats.StatsProvider) *Client {
	c := &Client{
		url:      url,
		dial:     dial,
		log:      logger,
		stats:    sp,
		handlers: make(map[int]Handler),
	}

	sp.RegisterMetric("EventsReceived")
	sp.RegisterMetric("EventsSent")
	sp.RegisterMetric("HeartbeatsSent")
	sp.RegisterMetric("Reconnects")

	return c
}

// Connect stores the credential and dials the gateway. An already-open
// link is force-closed first, and a pending reconnect timer is
// canceled so only the explicit dial proceeds. The attempt counter
// restarts at zero.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	c.teardownLocked()
	c.token = token
	c.attempts = 0
	c.state = Connecting
	c.mu.Unlock()

	go c.dialOnce()
}

// Disconnect tears the connection down and clears the credential. No
// reconnect is attempted until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.token = ""
	c.teardownLocked()
	c.state = Disconnected
	c.session = Session{}
	c.mu.Unlock()
}

// teardownLocked stops the heartbeat and any pending reconnect, closes
// the transport, and bumps the generation so a stale read loop exits
// without side effects.
func (c *Client) teardownLocked() {
	c.stopHeartbeatLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.gen++
}

func (c *Client) dialOnce() {
	transport, err := c.dial(c.url)

	c.mu.Lock()
	if c.token == "" {
		// Disconnect raced the dial.
		c.mu.Unlock()
		if err == nil {
			transport.Close()
		}
		return
	}

	if err != nil {
		c.log.Println("gateway: connect:", err)
		c.state = Disconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.transport = transport
	c.gen++
	gen := c.gen
	c.state = Connected
	token := c.token
	c.mu.Unlock()

	c.log.Println("gateway: connected")
	c.Send(Identify(token))

	go c.readLoop(transport, gen)
}

func (c *Client) readLoop(t Transport, gen uint64) {
	for {
		event, err := t.ReadEvent()
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				c.log.Println("gateway:", err)
				continue
			}
			c.handleClose(gen, err)
			return
		}

		c.stats.Incr("EventsReceived")
		c.handleEvent(event)
	}
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// this connection was already replaced or torn down
		c.mu.Unlock()
		return
	}

	c.log.Println("gateway: disconnected:", err)
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.state = Disconnected
	c.stopHeartbeatLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

func (c *Client) scheduleReconnectLocked() {
	if c.token == "" || c.attempts >= maxReconnectAttempts {
		return
	}

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}

	c.attempts++
	delay := backoffDelay(c.attempts)
	c.log.Printf("gateway: reconnecting in %s (attempt %d)", delay, c.attempts)
	c.stats.Incr("Reconnects")

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.token == "" {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
		c.mu.Unlock()

		c.dialOnce()
	})
}

// backoffDelay returns the reconnect delay before attempt n (1-based):
// min(base*2^(n-1), cap).
func backoffDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay << (attempt - 1)
	if delay <= 0 || delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

func (c *Client) handleEvent(event *ServerEvent) {
	c.mu.Lock()
	switch event.Op {
	case OpHello:
		c.hbInterval = time.Duration(event.Hello.HeartbeatInterval) * time.Millisecond
		c.startHeartbeatLocked()
	case OpReady:
		c.state = Authenticated
		c.attempts = 0
		c.hbSeq = 0
		c.session = Session{UserId: event.Ready.UserId, Username: event.Ready.Username}
		c.log.Printf("gateway: authenticated as %q", event.Ready.Username)
	case OpError:
		c.log.Printf("gateway: server error %s: %s", event.Error.Code, event.Error.Message)
		if fatalErrorCodes[event.Error.Code] {
			c.mu.Unlock()
			c.Disconnect()
			return
		}
	}
	authed := c.state == Authenticated
	c.mu.Unlock()

	// subscriptions are meaningless before READY, so entity and
	// ephemeral pushes on an unauthenticated session are dropped
	if event.isPush() && !authed {
		c.log.Printf("gateway: discarding %s before authentication", event.Op)
		return
	}

	c.dispatch(event)
}

func (c *Client) dispatch(event *ServerEvent) {
	c.handlersMu.Lock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.Unlock()

	for _, h := range handlers {
		c.invoke(h, event)
	}
}

func (c *Client) invoke(h Handler, event *ServerEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Printf("gateway: handler panic on %s: %v", event.Op, r)
		}
	}()

	h(event)
}

// OnEvent registers a handler for every dispatched server event and
// returns its unsubscribe func.
func (c *Client) OnEvent(h Handler) func() {
	c.handlersMu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = h
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Client) startHeartbeatLocked() {
	c.stopHeartbeatLocked()

	interval := c.hbInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	stop := make(chan struct{})
	c.hbStop = stop
	go c.heartbeatLoop(interval, stop)
}

func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Client) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.transport == nil {
				c.mu.Unlock()
				continue
			}
			c.hbSeq++
			seq := c.hbSeq
			c.mu.Unlock()

			if c.Send(Heartbeat(seq)) {
				c.stats.Incr("HeartbeatsSent")
			}
		case <-stop:
			return
		}
	}
}

// Send transmits event if the transport is open. It reports whether the
// frame was handed to the transport; false means it was dropped.
func (c *Client) Send(event *ClientEvent) bool {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		c.log.Printf("gateway: dropping %s, transport not open", event.Op)
		return false
	}

	if err := t.WriteEvent(event); err != nil {
		c.log.Printf("gateway: write %s: %v", event.Op, err)
		return false
	}

	c.stats.Incr("EventsSent")
	return true
}

func (c *Client) SendMessage(channelId, content string) bool {
	return c.Send(SendMessage(channelId, content))
}

func (c *Client) TypingStart(channelId string) bool {
	return c.Send(TypingStart(channelId))
}

func (c *Client) TypingStop(channelId string) bool {
	return c.Send(TypingStop(channelId))
}

func (c *Client) UpdatePresence(status string) bool {
	return c.Send(PresenceUpdate(status))
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsConnected reports whether the session is authenticated and usable.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Authenticated && c.transport != nil
}
