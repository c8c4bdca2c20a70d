// Package hub speaks the player hub's WebSocket protocol: a persistent
// connection carrying request/response commands and server-pushed
// player events, kept alive across network interruptions.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
	"golang.org/x/time/rate"

	"heraldcast.app/herald/faults"
)

const (
	DefaultDialTimeout          = 10 * time.Second
	DefaultReadyTimeout         = 15 * time.Second
	DefaultHealthInterval       = 30 * time.Second
	DefaultHealthProbeTimeout   = 5 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectDelay    = 60 * time.Second
	DefaultMaxReconnectAttempts = 10

	closeWriteWait = time.Second
)

var (
	ErrNotConnected    = errors.New("hub: not connected")
	ErrReconnectFailed = errors.New("hub: reconnection gave up")
	ErrClosed          = errors.New("hub: client closed")
	ErrNoServerInfo    = errors.New("hub: first message is not server info")
	ErrServerVersion   = errors.New("hub: server version below supported minimum")
)

type stateObserver struct {
	id int
	fn func(old, new ConnState)
}

type eventSubscriber struct {
	id int
	fn func(Event)
}

type pendingReply struct {
	msg serverMessage
	err error
}

// Client maintains the connection to one player hub. Configuration
// fields must be set before Connect; NewClient fills in the defaults.
type Client struct {
	URL string

	DialTimeout          time.Duration
	ReadyTimeout         time.Duration
	HealthInterval       time.Duration
	HealthProbeTimeout   time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	// MinServerVersion rejects hubs whose advertised version compares
	// below it. Hubs reporting a non-semver version are let through.
	MinServerVersion string

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	mu            sync.RWMutex
	state         ConnState
	stateChanged  chan struct{}
	conn          *websocket.Conn
	generation    int
	serverID      string
	serverVersion string
	players       map[string]Player

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan pendingReply
	nextID    atomic.Int64

	transitionMu   sync.Mutex
	observerMu     sync.Mutex
	observers      []stateObserver
	nextObserverID int

	subMu     sync.Mutex
	subs      []eventSubscriber
	nextSubID int

	closed     atomic.Bool
	done       chan struct{}
	logLimiter *rate.Limiter
}

// NewClient prepares a client for the hub at the given WebSocket URL.
// No connection is made until Connect.
func NewClient(hubURL string) *Client {
	return &Client{
		URL:                  hubURL,
		DialTimeout:          DefaultDialTimeout,
		ReadyTimeout:         DefaultReadyTimeout,
		HealthInterval:       DefaultHealthInterval,
		HealthProbeTimeout:   DefaultHealthProbeTimeout,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectDelay:    DefaultMaxReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		stateChanged:         make(chan struct{}),
		players:              make(map[string]Player),
		pending:              make(map[int64]chan pendingReply),
		done:                 make(chan struct{}),
		logLimiter:           rate.NewLimiter(rate.Every(3*time.Second), 1),
	}
}

func (c *Client) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}

	return &c.Logger
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// ServerInfo reports the id and version the hub sent in its greeting.
func (c *Client) ServerInfo() (id, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverID, c.serverVersion
}

// Connect establishes the hub connection. It is a no-op when a
// connection already exists or is being made, including during
// reconnection. After Failed or Close it starts over from scratch;
// a closed client stays closed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return faults.New(faults.ConnectionRefused, ErrClosed)
	}
	if _, ok := c.transitionIf(Connecting, func(s ConnState) bool {
		return s == Disconnected || s == Failed
	}); !ok {
		return nil
	}

	if err := c.dial(ctx); err != nil {
		c.transition(Failed)
		return fmt.Errorf("connect %s: %w", c.URL, err)
	}

	return nil
}

// dial opens the transport, waits for the hub's server-info greeting
// and starts the per-connection loops. The transport handshake and the
// greeting run under separate timeouts.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.ReadyTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("arm ready deadline: %w", err)
	}
	var hello serverMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("await server info: %w", err)
	}
	if hello.ServerVersion == "" {
		conn.Close()
		return ErrNoServerInfo
	}
	if err := c.checkServerVersion(hello.ServerVersion); err != nil {
		conn.Close()
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("clear ready deadline: %w", err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.generation++
	gen := c.generation
	c.serverID = hello.ServerID
	c.serverVersion = hello.ServerVersion
	c.mu.Unlock()

	c.Log().Info().
		Str("server", hello.ServerID).
		Str("version", hello.ServerVersion).
		Msg("connected to hub")

	c.transition(Connected)
	go c.readLoop(conn, gen)
	go c.healthLoop(gen)

	return nil
}

func (c *Client) checkServerVersion(version string) error {
	if c.MinServerVersion == "" {
		return nil
	}
	v, minv := normalizeVersion(version), normalizeVersion(c.MinServerVersion)
	if !semver.IsValid(v) {
		c.Log().Warn().Str("version", version).Msg("hub version is not semver, accepting it anyway")
		return nil
	}
	if semver.Compare(v, minv) < 0 {
		return fmt.Errorf("%w: have %s, want at least %s", ErrServerVersion, version, c.MinServerVersion)
	}

	return nil
}

func normalizeVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}

	return "v" + v
}

// transition moves to the given state unconditionally.
func (c *Client) transition(to ConnState) {
	c.transitionIf(to, func(s ConnState) bool { return s != to })
}

// transitionIf performs one serialized state transition when allowed
// approves the current state. Observers run synchronously before it
// returns, so at most one transition is ever in flight.
func (c *Client) transitionIf(to ConnState, allowed func(ConnState) bool) (ConnState, bool) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	c.mu.Lock()
	from := c.state
	if !allowed(from) {
		c.mu.Unlock()
		return from, false
	}
	c.state = to
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.mu.Unlock()

	c.Log().Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("connection state changed")

	c.observerMu.Lock()
	observers := make([]stateObserver, len(c.observers))
	copy(observers, c.observers)
	c.observerMu.Unlock()
	for _, ob := range observers {
		c.notifyObserver(ob.fn, from, to)
	}

	return from, true
}

func (c *Client) notifyObserver(fn func(old, new ConnState), from, to ConnState) {
	defer func() {
		if r := recover(); r != nil {
			c.Log().Error().Interface("panic", r).Msg("state observer panicked")
		}
	}()
	fn(from, to)
}

// OnStateChange registers an observer for connection state transitions.
// Observers run synchronously on the transitioning goroutine and should
// return promptly. The returned func unregisters the observer.
func (c *Client) OnStateChange(fn func(old, new ConnState)) func() {
	c.observerMu.Lock()
	id := c.nextObserverID
	c.nextObserverID++
	c.observers = append(c.observers, stateObserver{id: id, fn: fn})
	c.observerMu.Unlock()

	return func() {
		c.observerMu.Lock()
		defer c.observerMu.Unlock()
		for i, ob := range c.observers {
			if ob.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Subscribe registers a callback for hub events. Callbacks run in
// event-arrival order on the connection's read goroutine. The returned
// func unregisters the callback.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs = append(c.subs, eventSubscriber{id: id, fn: fn})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, sub := range c.subs {
			if sub.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// awaitConnected suspends the caller while a connection attempt is in
// progress and fails fast when no attempt is running.
func (c *Client) awaitConnected(ctx context.Context) error {
	for {
		c.mu.RLock()
		state := c.state
		changed := c.stateChanged
		c.mu.RUnlock()

		switch state {
		case Connected:
			return nil
		case Disconnected:
			return faults.New(faults.ConnectionRefused, ErrNotConnected)
		case Failed:
			return faults.New(faults.ConnectionRefused, ErrReconnectFailed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return faults.New(faults.ConnectionRefused, ErrClosed)
		case <-changed:
		}
	}
}

// Command sends one command and waits for the hub's reply. While the
// client is connecting or reconnecting the call queues until the
// connection is usable; when it is disconnected or failed the call
// fails fast with a connection_refused fault.
func (c *Client) Command(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	for {
		if err := c.awaitConnected(ctx); err != nil {
			return nil, err
		}

		c.mu.RLock()
		conn := c.conn
		gen := c.generation
		changed := c.stateChanged
		c.mu.RUnlock()

		if conn != nil {
			return c.roundTrip(ctx, conn, gen, command, args)
		}

		// The connection dropped right after the wait; block until the
		// reconnect loop moves the state machine.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, faults.New(faults.ConnectionRefused, ErrClosed)
		case <-changed:
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, conn *websocket.Conn, gen int, command string, args map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan pendingReply, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := commandMessage{MessageID: id, Command: command, Args: args}
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.connectionLost(gen, err)
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, faults.New(faults.ConnectionRefused, ErrClosed)
	case reply := <-ch:
		if reply.err != nil {
			return nil, fmt.Errorf("await %s reply: %w", command, reply.err)
		}
		if reply.msg.ErrorCode != "" {
			return nil, &CommandError{Code: reply.msg.ErrorCode, Details: reply.msg.Details}
		}
		return reply.msg.Result, nil
	}
}

// readLoop routes every frame of one connection until it dies.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.logLimiter.Allow() {
				c.Log().Warn().Err(err).Msg("dropping malformed hub frame")
			}
			continue
		}

		switch {
		case msg.Event != "":
			c.handleEvent(msg)
		case msg.MessageID != 0:
			c.resolvePending(msg)
		case msg.ServerVersion != "":
			// Repeated server info after the handshake carries nothing new.
		default:
			if c.logLimiter.Allow() {
				c.Log().Warn().RawJSON("frame", data).Msg("dropping unrecognized hub frame")
			}
		}
	}
}

func (c *Client) handleEvent(msg serverMessage) {
	evt := Event{Type: msg.Event, PlayerID: msg.ObjectID}

	switch msg.Event {
	case EventPlayerUpdated, EventPlayerAdded:
		var p Player
		if err := decodePlayer(msg.Data, &p); err != nil {
			if c.logLimiter.Allow() {
				c.Log().Warn().Str("event", msg.Event).Err(err).Msg("dropping undecodable player event")
			}
			return
		}
		if p.ID == "" {
			p.ID = msg.ObjectID
		}
		evt.PlayerID = p.ID
		evt.Player = &p

		c.mu.Lock()
		c.players[p.ID] = p
		c.mu.Unlock()
	case EventPlayerRemoved:
		c.mu.Lock()
		delete(c.players, msg.ObjectID)
		c.mu.Unlock()
	}

	c.subMu.Lock()
	subs := make([]eventSubscriber, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()
	for _, sub := range subs {
		c.dispatchEvent(sub.fn, evt)
	}
}

func (c *Client) dispatchEvent(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.Log().Error().Str("event", evt.Type).Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	fn(evt)
}

func (c *Client) resolvePending(msg serverMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.MessageID]
	if ok {
		delete(c.pending, msg.MessageID)
	}
	c.pendingMu.Unlock()

	if !ok {
		if c.logLimiter.Allow() {
			c.Log().Warn().Int64("message_id", msg.MessageID).Msg("dropping reply with no waiter")
		}
		return
	}
	ch <- pendingReply{msg: msg}
}

// failPending unblocks every command waiting on a reply when the
// connection carrying those commands dies.
func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- pendingReply{err: cause}
	}
}

// healthLoop probes the hub until its connection generation goes stale.
func (c *Client) healthLoop(gen int) {
	ticker := time.NewTicker(c.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		stale := gen != c.generation || c.conn == nil
		c.mu.RUnlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.HealthProbeTimeout)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			c.Log().Warn().Err(err).Msg("hub health probe failed")
			c.connectionLost(gen, err)
			return
		}
	}
}

// connectionLost tears down a dead connection exactly once per
// generation and hands control to the reconnect loop.
func (c *Client) connectionLost(gen int, cause error) {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	c.failPending(cause)
	c.Log().Warn().Err(cause).Msg("hub connection lost")

	c.transition(Reconnecting)
	go c.reconnect()
}

// reconnect redials with growing delays until the connection is back,
// the client is closed, or the attempt budget runs out. connectionLost
// fires at most once per generation, so exactly one loop runs per loss.
func (c *Client) reconnect() {
	delay := c.ReconnectDelay
	for attempt := 1; attempt <= c.MaxReconnectAttempts; attempt++ {
		c.Log().Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting to hub")

		select {
		case <-c.done:
			c.transition(Disconnected)
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout+c.ReadyTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.Log().Info().Int("attempt", attempt).Msg("hub connection restored")
			return
		}
		if errors.Is(err, ErrClosed) {
			c.transition(Disconnected)
			return
		}

		c.Log().Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
		delay = nextReconnectDelay(delay, c.MaxReconnectDelay)
	}

	c.Log().Error().Int("attempts", c.MaxReconnectAttempts).Msg("giving up on hub reconnection")
	c.transition(Failed)
}

// nextReconnectDelay grows the delay by half, capped at max.
func nextReconnectDelay(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > max {
		return max
	}

	return next
}

// Close tears the connection down for good. In-flight commands are
// unblocked with a closed-client error.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		conn.Close()
	}
	c.failPending(ErrClosed)
	c.transition(Disconnected)

	return nil
}
