package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrClosed       = errors.New("channel closed")
	ErrQueueFull    = errors.New("channel send queue full")
)

// State is the observable connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// StateChange is delivered to state handlers. Epoch increases by one for every
// established connection, so two connected changes with different epochs are
// two distinct connection lifetimes.
type StateChange struct {
	State State
	Epoch uint64
	Err   error
}

type Handler func(data json.RawMessage)

type StateHandler func(StateChange)

// HandlerID identifies one subscription on one adapter.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	h  Handler
}

type stateEntry struct {
	id HandlerID
	h  StateHandler
}

type Option func(*Adapter)

func WithQueueSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(a *Adapter) {
		if initial > 0 {
			a.initialBackoff = initial
		}
		if max > 0 {
			a.maxBackoff = max
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(a *Adapter) {
		a.pingInterval = d
	}
}

// WithFlushTimeout bounds how long Disconnect waits for queued frames.
func WithFlushTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.flushTimeout = d
		}
	}
}

// Adapter is the client side of the realtime channel. The zero value is not
// usable; use NewAdapter. An adapter is single use: after Disconnect it stays
// disconnected and a new adapter must be created.
type Adapter struct {
	dialer Dialer

	queueSize      int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pingInterval   time.Duration
	flushTimeout   time.Duration

	mu            sync.Mutex
	nextID        HandlerID
	handlers      map[string][]handlerEntry
	stateHandlers []stateEntry
	state         State
	epoch         uint64
	started       bool
	closed        bool
	queue         chan []byte
	runCtx        context.Context
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewAdapter(dialer Dialer, opts ...Option) *Adapter {
	a := &Adapter{
		dialer:         dialer,
		queueSize:      64,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		flushTimeout:   2 * time.Second,
		handlers:       map[string][]handlerEntry{},
		state:          StateDisconnected,
		done:           make(chan struct{}),
	}
	if p, ok := dialer.(interface{ PingInterval() time.Duration }); ok {
		a.pingInterval = p.PingInterval()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Epoch returns the epoch of the current (or last) connection.
func (a *Adapter) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// On subscribes h to inbound frames named event.
func (a *Adapter) On(event string, h Handler) HandlerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.handlers[event] = append(a.handlers[event], handlerEntry{id: id, h: h})
	return id
}

// OnStateChange subscribes h to connection lifecycle changes.
func (a *Adapter) OnStateChange(h StateHandler) HandlerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.stateHandlers = append(a.stateHandlers, stateEntry{id: id, h: h})
	return id
}

// Off removes a subscription made with On or OnStateChange. Unknown ids are
// ignored.
func (a *Adapter) Off(id HandlerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for event, entries := range a.handlers {
		for i, e := range entries {
			if e.id != id {
				continue
			}
			entries = append(entries[:i:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(a.handlers, event)
			} else {
				a.handlers[event] = entries
			}
			return
		}
	}
	for i, e := range a.stateHandlers {
		if e.id == id {
			a.stateHandlers = append(a.stateHandlers[:i:i], a.stateHandlers[i+1:]...)
			return
		}
	}
}

// HandlerCount reports the number of live subscriptions.
func (a *Adapter) HandlerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.stateHandlers)
	for _, entries := range a.handlers {
		n += len(entries)
	}
	return n
}

// Connect starts the connection loop and returns without waiting for the
// dial. Calling it again while running is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	if a.dialer == nil {
		a.mu.Unlock()
		return errors.New("channel: no dialer")
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel
	a.mu.Unlock()

	a.setState(StateChange{State: StateConnecting})
	go a.run(runCtx)
	return nil
}

// Emit queues one frame for the writer. It never blocks and never panics;
// when the frame cannot be queued it is dropped and an error says why.
func (a *Adapter) Emit(event string, payload any) error {
	b, err := chat.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// a cancelled Connect context ends the adapter as Disconnect does
	if a.closed || (a.runCtx != nil && a.runCtx.Err() != nil) {
		return ErrClosed
	}
	if a.queue == nil {
		return ErrNotConnected
	}
	select {
	case a.queue <- b:
		return nil
	default:
		log.Warn().Str("component", "channel").Str("event", event).Msg("send queue full, dropping frame")
		return ErrQueueFull
	}
}

// Disconnect flushes frames already queued, closes the connection and stops
// the loop. It is idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	cancel := a.cancel
	queue := a.queue
	a.queue = nil
	if queue != nil {
		// the writer drains what is left and then closes the connection
		close(queue)
	}
	a.mu.Unlock()

	if !started {
		a.setState(StateChange{State: StateDisconnected})
		close(a.done)
		return nil
	}
	if queue == nil {
		cancel()
	}
	select {
	case <-a.done:
	case <-time.After(a.flushTimeout):
		log.Warn().Str("component", "channel").Msg("flush timed out, forcing close")
		cancel()
		<-a.done
	}
	cancel()
	return nil
}

// Done is closed once the adapter has fully stopped.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) run(ctx context.Context) {
	defer func() {
		a.setState(StateChange{State: StateDisconnected})
		close(a.done)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initialBackoff
	b.MaxInterval = a.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil || a.isClosed() {
			return
		}
		conn, err := a.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil || a.isClosed() {
				return
			}
			wait := b.NextBackOff()
			log.Warn().Err(err).Str("component", "channel").Dur("retry_in", wait).Msg("dial failed")
			a.setState(StateChange{State: StateConnecting, Epoch: a.Epoch(), Err: err})
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		readErr := a.serve(ctx, conn)
		if ctx.Err() != nil || a.isClosed() {
			return
		}
		log.Info().Err(readErr).Str("component", "channel").Msg("connection lost, reconnecting")
		a.setState(StateChange{State: StateConnecting, Epoch: a.Epoch(), Err: readErr})
	}
}

// serve runs one connection lifetime and returns the error that ended it.
func (a *Adapter) serve(ctx context.Context, conn Conn) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	a.epoch++
	epoch := a.epoch
	queue := make(chan []byte, a.queueSize)
	a.queue = queue
	a.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	// unblocks readLoop when the run context goes away
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.writeLoop(connCtx, conn, queue)
	}()

	log.Info().Str("component", "channel").Uint64("epoch", epoch).Msg("connected")
	a.setState(StateChange{State: StateConnected, Epoch: epoch})

	readErr := a.readLoop(conn)

	a.mu.Lock()
	if a.queue == queue {
		a.queue = nil
	}
	a.mu.Unlock()
	cancel()
	_ = conn.Close()
	<-writerDone
	return readErr
}

func (a *Adapter) writeLoop(ctx context.Context, conn Conn, queue <-chan []byte) {
	var tick <-chan time.Time
	pinger, canPing := conn.(Pinger)
	if canPing && a.pingInterval > 0 {
		ticker := time.NewTicker(a.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case b, ok := <-queue:
			if !ok {
				// closed by Disconnect after the last frame
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(b); err != nil {
				log.Warn().Err(err).Str("component", "channel").Msg("write failed, closing connection")
				_ = conn.Close()
				return
			}
		case <-tick:
			if err := pinger.Ping(); err != nil {
				log.Debug().Err(err).Str("component", "channel").Msg("ping failed")
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (a *Adapter) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := chat.DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "channel").Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		a.dispatch(f)
	}
}

func (a *Adapter) dispatch(f chat.Frame) {
	a.mu.Lock()
	entries := append([]handlerEntry(nil), a.handlers[f.Event]...)
	a.mu.Unlock()
	if len(entries) == 0 {
		log.Debug().Str("component", "channel").Str("event", f.Event).Msg("no handler for event")
		return
	}
	for _, e := range entries {
		callHandler(f.Event, func() { e.h(f.Data) })
	}
}

func (a *Adapter) setState(sc StateChange) {
	a.mu.Lock()
	a.state = sc.State
	entries := append([]stateEntry(nil), a.stateHandlers...)
	a.mu.Unlock()
	for _, e := range entries {
		callHandler("state", func() { e.h(sc) })
	}
}

// callHandler keeps one misbehaving handler from taking the read loop down.
func callHandler(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "channel").Str("event", event).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}
