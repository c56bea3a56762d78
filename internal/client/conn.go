// Package client is the participant side of the realtime channel: a
// reconnecting connection with heartbeat-based quality tracking, and a session
// mirror that keeps a local roster consistent with the server's.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
	"sanctuary-live/internal/wire"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrRejected     = errors.New("connection rejected by server")
	ErrAckTimeout   = errors.New("ack timeout")
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPongTimeout       = 5 * time.Second
	DefaultAckTimeout        = 10 * time.Second
	handshakeTimeout         = 10 * time.Second
	writeTimeout             = 10 * time.Second
)

// Backoff is a capped exponential delay schedule. MaxAttempts 0 retries
// forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}
}

// policy builds the retry schedule. Randomization is off so the delays are
// exactly Initial, Initial*Multiplier, ... capped at Max.
func (b Backoff) policy() *backoff.ExponentialBackOff {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxInterval := b.Max
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: 0,
		Multiplier:          mult,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	return eb
}

// retries is the policy bounded by MaxAttempts and cancelled with ctx.
func (b Backoff) retries(ctx context.Context) backoff.BackOff {
	var p backoff.BackOff = b.policy()
	if b.MaxAttempts > 0 {
		p = backoff.WithMaxRetries(p, uint64(b.MaxAttempts))
	}
	return backoff.WithContext(p, ctx)
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	p := b.policy()
	d := p.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = p.NextBackOff()
	}
	return d
}

// QualityFor buckets a round-trip time.
func QualityFor(rtt time.Duration) Quality {
	switch {
	case rtt < 500*time.Millisecond:
		return QualityExcellent
	case rtt <= time.Second:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Record is a point-in-time view of the connection.
type Record struct {
	State         State         `json:"state"`
	Quality       Quality       `json:"quality"`
	Latency       time.Duration `json:"latency"`
	ParticipantID string        `json:"participantId"`
	Anonymous     bool          `json:"anonymous"`
}

type Options struct {
	// URL of the realtime endpoint, e.g. ws://host:3000/v1/live.
	URL               string
	Backoff           Backoff
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	AckTimeout        time.Duration
	Dialer            *websocket.Dialer
	Logger            zerolog.Logger
}

// Handler receives the first argument of a server event.
type Handler func(payload json.RawMessage)

type Conn struct {
	opts Options
	log  zerolog.Logger

	mu            sync.Mutex
	ws            *websocket.Conn
	gen           uint64
	connCancel    context.CancelFunc
	retryCancel   context.CancelFunc
	credential    string
	guestID       string
	participantID string
	anonymous     bool
	manual        bool
	state         State
	quality       Quality
	latency       time.Duration

	writeMu sync.Mutex

	ackMu   sync.Mutex
	nextID  int
	pending map[int]chan wire.Ack

	listenMu    sync.RWMutex
	handlers    map[string][]Handler
	onState     []func(State)
	onQuality   []func(Quality, time.Duration)
	onReconnect []func(ctx context.Context)
}

func NewConn(opts Options) *Conn {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Conn{
		opts:     opts,
		log:      opts.Logger.With().Str("module", "client").Logger(),
		state:    StateDisconnected,
		quality:  QualityDisconnected,
		pending:  make(map[int]chan wire.Ack),
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a server event.
func (c *Conn) On(event string, h Handler) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnStateChange listeners run synchronously, in registration order, on the
// goroutine that made the transition.
func (c *Conn) OnStateChange(fn func(State)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onState = append(c.onState, fn)
}

func (c *Conn) OnQuality(fn func(Quality, time.Duration)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onQuality = append(c.onQuality, fn)
}

// OnReconnect hooks run after an automatic reconnect succeeds.
func (c *Conn) OnReconnect(fn func(ctx context.Context)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *Conn) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{
		State:         c.state,
		Quality:       c.quality,
		Latency:       c.latency,
		ParticipantID: c.participantID,
		Anonymous:     c.anonymous,
	}
}

func (c *Conn) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Conn) notifyState(s State) {
	c.listenMu.RLock()
	listeners := append([]func(State){}, c.onState...)
	c.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Conn) setQuality(q Quality, rtt time.Duration) {
	c.mu.Lock()
	changed := c.quality != q
	c.quality = q
	c.latency = rtt
	c.mu.Unlock()
	if !changed {
		return
	}

	c.listenMu.RLock()
	listeners := append([]func(Quality, time.Duration){}, c.onQuality...)
	c.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(q, rtt)
	}
}

// Connect dials the server and completes the handshake. An empty credential
// connects anonymously. A successful connect cancels any pending retry.
func (c *Conn) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
	if c.credential != credential {
		c.guestID = ""
	}
	c.credential = credential
	c.manual = false
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateConnected)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
	ws := c.ws
	cancel := c.connCancel
	c.ws = nil
	c.connCancel = nil
	c.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	c.failPending()
	c.setQuality(QualityDisconnected, 0)
	c.setState(StateDisconnected)
}

func (c *Conn) dial(ctx context.Context) error {
	c.mu.Lock()
	credential := c.credential
	guestID := c.guestID
	c.mu.Unlock()

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	welcome, err := handshake(ws, wire.Handshake{Token: credential, GuestID: guestID})
	if err != nil {
		_ = ws.Close()
		return err
	}

	c.mu.Lock()
	if c.manual || ctx.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close()
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNotConnected
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c.gen++
	gen := c.gen
	prev, prevCancel := c.ws, c.connCancel
	c.ws = ws
	c.connCancel = cancel
	c.participantID = welcome.ParticipantID
	c.anonymous = welcome.Anonymous
	if welcome.Anonymous {
		c.guestID = welcome.ParticipantID
	}
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil {
		_ = prev.Close()
	}
	c.log.Debug().Str("participant", welcome.ParticipantID).Bool("anonymous", welcome.Anonymous).Msg("connected")
	go c.readLoop(ws, gen)
	go c.heartbeat(connCtx)
	return nil
}

func readText(ws *websocket.Conn) (string, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func handshake(ws *websocket.Conn, hs wire.Handshake) (wire.Welcome, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	msg, err := readText(ws)
	if err != nil {
		return wire.Welcome{}, fmt.Errorf("read open: %w", err)
	}
	if msg == "" || wire.EngineType(msg[0]) != wire.EngineOpen {
		return wire.Welcome{}, fmt.Errorf("unexpected open packet %q", msg)
	}

	packet, err := wire.EncodeConnect(wire.DefaultNamespace, hs)
	if err != nil {
		return wire.Welcome{}, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(wire.Frame(packet))); err != nil {
		return wire.Welcome{}, fmt.Errorf("write connect: %w", err)
	}

	for {
		msg, err := readText(ws)
		if err != nil {
			return wire.Welcome{}, fmt.Errorf("read welcome: %w", err)
		}
		if msg == string(wire.EnginePing) {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(string(wire.EnginePong)))
			continue
		}
		if len(msg) < 2 || wire.EngineType(msg[0]) != wire.EngineMessage {
			continue
		}
		switch wire.PacketType(msg[1]) {
		case wire.PacketConnect:
			var w wire.Welcome
			if err := wire.ParseBody(msg[1:], &w); err != nil {
				return wire.Welcome{}, fmt.Errorf("parse welcome: %w", err)
			}
			return w, nil
		case wire.PacketConnectError:
			var ce wire.ConnectError
			_ = wire.ParseBody(msg[1:], &ce)
			return wire.Welcome{}, fmt.Errorf("%w: %s", ErrRejected, ce.Message)
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		msg, err := readText(ws)
		if err != nil {
			c.dropped(gen, err)
			return
		}
		c.handleMessage(ws, msg)
	}
}

func (c *Conn) handleMessage(ws *websocket.Conn, msg string) {
	if msg == "" {
		return
	}
	switch wire.EngineType(msg[0]) {
	case wire.EnginePing:
		_ = c.writeTo(ws, string(wire.EnginePong))
	case wire.EngineClose:
		_ = ws.Close()
	case wire.EngineMessage:
		payload := msg[1:]
		if payload == "" {
			return
		}
		switch wire.PacketType(payload[0]) {
		case wire.PacketEvent:
			pkt, err := wire.ParseEvent(payload)
			if err != nil {
				return
			}
			var arg json.RawMessage
			if len(pkt.Args) > 0 {
				arg = pkt.Args[0]
			}
			c.dispatch(pkt.Name, arg)
		case wire.PacketAck:
			pkt, err := wire.ParseAck(payload)
			if err != nil {
				return
			}
			var ack wire.Ack
			if len(pkt.Args) > 0 {
				if err := json.Unmarshal(pkt.Args[0], &ack); err != nil {
					ack = wire.Failure(string(reason.Internal), "malformed ack")
				}
			} else {
				ack = wire.Ack{OK: true}
			}
			c.resolve(pkt.ID, ack)
		}
	}
}

func (c *Conn) dispatch(event string, payload json.RawMessage) {
	c.listenMu.RLock()
	hs := append([]Handler{}, c.handlers[event]...)
	c.listenMu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
}

// dropped handles the loss of the connection identified by gen. A drop that
// was not asked for starts the reconnect loop.
func (c *Conn) dropped(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ws := c.ws
	cancel := c.connCancel
	c.ws = nil
	c.connCancel = nil
	manual := c.manual
	var retryCtx context.Context
	if !manual {
		var retryCancel context.CancelFunc
		retryCtx, retryCancel = context.WithCancel(context.Background())
		c.retryCancel = retryCancel
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
	c.failPending()
	c.setQuality(QualityDisconnected, 0)
	if manual {
		c.setState(StateDisconnected)
		return
	}

	c.log.Warn().Err(cause).Msg("connection lost, reconnecting")
	c.setState(StateReconnecting)
	go c.reconnect(retryCtx)
}

func (c *Conn) reconnect(ctx context.Context) {
	policy := c.opts.Backoff.retries(ctx)
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.dial(ctx)
		if err == nil {
			if !c.settle(ctx) {
				return
			}
			c.runReconnectHooks(ctx)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrRejected) {
			c.log.Error().Err(err).Msg("reconnect rejected")
			break
		}
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.retryCancel = nil
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// settle marks a reconnect as complete unless Disconnect won the race, in
// which case the caller must not run the reconnect hooks.
func (c *Conn) settle(ctx context.Context) bool {
	c.mu.Lock()
	if c.manual || ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.retryCancel = nil
	changed := c.state != StateConnected
	c.state = StateConnected
	c.mu.Unlock()

	if changed {
		c.notifyState(StateConnected)
	}
	return true
}

func (c *Conn) runReconnectHooks(ctx context.Context) {
	c.listenMu.RLock()
	hooks := append([]func(context.Context){}, c.onReconnect...)
	c.listenMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

// heartbeat pings on every interval and derives the connection quality from
// the round trip.
func (c *Conn) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		c.Ping(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ping measures one round trip and updates the quality.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	pingCtx, cancel := context.WithTimeout(ctx, c.opts.PongTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.Emit(pingCtx, model.EventPing, map[string]int64{"ts": start.UnixMilli()})
	if err != nil {
		if ctx.Err() == nil {
			c.setQuality(QualityPoor, c.opts.PongTimeout)
		}
		return 0, err
	}
	rtt := time.Since(start)
	c.setQuality(QualityFor(rtt), rtt)
	return rtt, nil
}

func (c *Conn) writeTo(ws *websocket.Conn, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Conn) write(packet string) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.writeTo(ws, wire.Frame(packet))
}

// Send emits an event without waiting for an answer.
func (c *Conn) Send(event string, payload any) error {
	packet, err := wire.EncodeEvent(wire.DefaultNamespace, nil, event, payload)
	if err != nil {
		return err
	}
	return c.write(packet)
}

// Emit sends a request and waits for its ack. A negative ack is returned as
// a *reason.Error carrying the server's code.
func (c *Conn) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan wire.Ack, 1)
	c.pending[id] = ch
	c.ackMu.Unlock()

	forget := func() {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
	}

	packet, err := wire.EncodeEvent(wire.DefaultNamespace, &id, event, payload)
	if err != nil {
		forget()
		return nil, err
	}
	if err := c.write(packet); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !ack.OK {
			return nil, reason.New(reason.Code(ack.Code), ack.Error)
		}
		return ack.Data, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, ErrAckTimeout
	}
}

func (c *Conn) resolve(id int, ack wire.Ack) {
	c.ackMu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	ch <- ack
}

// failPending releases every caller waiting on an ack.
func (c *Conn) failPending() {
	c.ackMu.Lock()
	pending := c.pending
	c.pending = make(map[int]chan wire.Ack)
	c.ackMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// IsTransient reports whether err should be handled by waiting for the
// connection to recover rather than surfaced as a hard failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrAckTimeout) {
		return true
	}
	var re *reason.Error
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
