package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/channel"
	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/identity"
	"github.com/go-go-golems/parley/pkg/roster"
)

// ErrAlreadyJoined is returned by Join when a different identity is already
// registered in this session. Log out first.
var ErrAlreadyJoined = errors.New("already joined under another name")

// Channel is the part of the realtime adapter the controller drives.
// *channel.Adapter implements it.
type Channel interface {
	Connect(ctx context.Context) error
	Emit(event string, payload any) error
	On(event string, h channel.Handler) channel.HandlerID
	OnStateChange(h channel.StateHandler) channel.HandlerID
	Off(id channel.HandlerID)
	Disconnect() error
	State() channel.State
	Epoch() uint64
}

// ChannelFactory creates a fresh, unconnected channel. It is called once at
// construction and again after every logout.
type ChannelFactory func() Channel

type Option func(*Controller)

// WithListener registers fn to receive a snapshot after every change. fn is
// called without the controller lock held, possibly from several goroutines.
func WithListener(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.listener = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithRoster(r *roster.Roster) Option {
	return func(c *Controller) {
		if r != nil {
			c.roster = r
		}
	}
}

// Controller is the conversation controller. Create it with New.
type Controller struct {
	store      identity.Store
	fetcher    HistoryFetcher
	newChannel ChannelFactory
	roster     *roster.Roster
	now        func() time.Time
	listener   func(Snapshot)

	mu      sync.Mutex
	baseCtx context.Context
	ch      Channel
	subs    []channel.HandlerID
	// lifetime changes on every logout; handlers of an older lifetime are inert
	lifetime uint64

	phase           Phase
	self            string
	registeredEpoch uint64
	conn            channel.State

	selected    string
	selectGen   uint64
	cancelFetch context.CancelFunc
	history     HistoryStatus
	messages    []chat.Message
	// messages appended while the history of the selection is loading
	pending []chat.Message
	lastErr error

	version uint64
}

func New(store identity.Store, fetcher HistoryFetcher, newChannel ChannelFactory, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("session: identity store is nil")
	}
	if fetcher == nil {
		return nil, errors.New("session: history fetcher is nil")
	}
	if newChannel == nil {
		return nil, errors.New("session: channel factory is nil")
	}
	c := &Controller{
		store:      store,
		fetcher:    fetcher,
		newChannel: newChannel,
		roster:     roster.New(),
		now:        time.Now,
		baseCtx:    context.Background(),
		phase:      PhaseAnonymous,
		conn:       channel.StateDisconnected,
		history:    HistoryIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ch = newChannel()
	if c.ch == nil {
		return nil, errors.New("session: channel factory returned nil")
	}
	return c, nil
}

// Start binds the controller to ctx, which bounds the connection and every
// history fetch, and restores a saved identity if there is one.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	name, ok := c.store.Load(ctx)
	if !ok {
		log.Debug().Str("component", "session").Msg("no saved identity")
		c.notify(c.Snapshot())
		return nil
	}
	log.Info().Str("component", "session").Str("user", name).Msg("restoring saved identity")
	return c.Join(ctx, name)
}

// Join registers name as the local identity. Blank names are declined
// without error. Joining again with the current name is a no-op.
func (c *Controller) Join(ctx context.Context, name string) error {
	name = chat.NormalizeName(name)
	if name == "" {
		return nil
	}

	c.mu.Lock()
	if c.phase != PhaseAnonymous {
		same := c.self == name
		c.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyJoined
	}
	c.self = name
	c.phase = PhaseRegistering
	c.lastErr = nil
	ch := c.ch
	baseCtx := c.baseCtx
	c.subscribeLocked(ch)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	if err := c.store.Save(ctx, name); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("could not persist identity")
	}

	if err := ch.Connect(baseCtx); err != nil {
		c.mu.Lock()
		c.lastErr = errors.Wrap(err, "connect")
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return nil
	}

	c.mu.Lock()
	changed := false
	if ch.State() == channel.StateConnected {
		changed = c.registerLocked(ch.Epoch())
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()
	if changed {
		c.notify(snap)
	}
	return nil
}

// subscribeLocked attaches the session's handlers to ch once per lifetime.
func (c *Controller) subscribeLocked(ch Channel) {
	if len(c.subs) > 0 {
		return
	}
	lifetime := c.lifetime
	c.subs = append(c.subs,
		ch.On(chat.EventReceiveMessage, func(data json.RawMessage) { c.onReceiveMessage(lifetime, data) }),
		ch.On(chat.EventUsersUpdate, func(data json.RawMessage) { c.onUsersUpdate(lifetime, data) }),
		ch.OnStateChange(func(sc channel.StateChange) { c.onStateChange(lifetime, sc) }),
	)
}

// registerLocked emits register_user for the given connection epoch unless
// that epoch already carries a registration.
func (c *Controller) registerLocked(epoch uint64) bool {
	if c.phase == PhaseAnonymous || epoch == 0 || epoch == c.registeredEpoch {
		return false
	}
	if err := c.ch.Emit(chat.EventRegisterUser, c.self); err != nil {
		log.Warn().Err(err).Str("component", "session").Uint64("epoch", epoch).Msg("register_user not sent, waiting for next connection")
		return false
	}
	log.Info().Str("component", "session").Str("user", c.self).Uint64("epoch", epoch).Msg("registered")
	c.registeredEpoch = epoch
	c.phase = PhaseJoined
	return true
}

func (c *Controller) onStateChange(lifetime uint64, sc channel.StateChange) {
	c.mu.Lock()
	if lifetime != c.lifetime {
		c.mu.Unlock()
		return
	}
	c.conn = sc.State
	if sc.State == channel.StateConnected {
		c.registerLocked(sc.Epoch)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) onUsersUpdate(lifetime uint64, data json.RawMessage) {
	users, err := chat.DecodeUsers(data)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("dropping malformed users_update")
		return
	}
	c.mu.Lock()
	if lifetime != c.lifetime {
		c.mu.Unlock()
		return
	}
	c.roster.Apply(users, c.self)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) onReceiveMessage(lifetime uint64, data json.RawMessage) {
	m, err := chat.DecodeMessage(data)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("dropping malformed receive_message")
		return
	}
	c.mu.Lock()
	if lifetime != c.lifetime {
		c.mu.Unlock()
		return
	}
	if c.phase != PhaseJoined || c.selected == "" || m.Sender != c.selected || m.Receiver != c.self {
		c.mu.Unlock()
		log.Debug().Str("component", "session").Str("sender", m.Sender).Msg("message outside the active conversation dropped")
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now().UTC()
	}
	c.appendLocked(m)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// SelectPeer opens the conversation with peer: the log is cleared at once and
// the stored history is loaded in the background.
func (c *Controller) SelectPeer(peer string) {
	peer = chat.NormalizeName(peer)
	if peer == "" {
		return
	}
	c.mu.Lock()
	if c.phase != PhaseJoined || peer == c.self || peer == c.selected {
		c.mu.Unlock()
		return
	}
	c.stopFetchLocked()
	c.selected = peer
	c.selectGen++
	gen := c.selectGen
	c.messages = nil
	c.pending = nil
	c.history = HistoryLoading
	c.lastErr = nil
	fetchCtx, cancel := context.WithCancel(c.baseCtx)
	c.cancelFetch = cancel
	self := c.self
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	go c.loadHistory(fetchCtx, gen, self, peer)
}

func (c *Controller) loadHistory(ctx context.Context, gen uint64, self, peer string) {
	msgs, err := c.fetcher.Fetch(ctx, self, peer)

	c.mu.Lock()
	if gen != c.selectGen || peer != c.selected || self != c.self || c.phase != PhaseJoined {
		c.mu.Unlock()
		log.Debug().Str("component", "session").Str("peer", peer).Msg("discarding history for a stale selection")
		return
	}
	c.stopFetchLocked()
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("peer", peer).Msg("history fetch failed")
		c.history = HistoryFailed
		c.lastErr = err
	} else {
		c.messages = mergeHistory(msgs, c.pending, self, peer)
		c.history = HistoryLoaded
	}
	c.pending = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// mergeHistory keeps the messages of the conversation from history and adds
// live messages that arrived during the load and are not in history yet.
func mergeHistory(history, live []chat.Message, self, peer string) []chat.Message {
	out := make([]chat.Message, 0, len(history)+len(live))
	for _, m := range history {
		if m.Between(self, peer) {
			out = append(out, m)
		}
	}
	fromHistory := len(out)
	for _, m := range live {
		dup := false
		for _, h := range out[:fromHistory] {
			if h.Same(m) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}

// ClearSelection closes the active conversation and returns to the roster.
func (c *Controller) ClearSelection() {
	c.mu.Lock()
	if c.selected == "" {
		c.mu.Unlock()
		return
	}
	c.stopFetchLocked()
	c.selected = ""
	c.selectGen++
	c.messages = nil
	c.pending = nil
	c.history = HistoryIdle
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// SendMessage sends text to the selected peer and appends it to the log
// without waiting for the server. It returns false when the send was
// declined: blank text, no selected peer, or not joined.
func (c *Controller) SendMessage(text string) bool {
	if chat.IsBlank(text) {
		return false
	}
	c.mu.Lock()
	if c.phase != PhaseJoined || c.selected == "" {
		c.mu.Unlock()
		return false
	}
	m := chat.NewMessage(c.self, c.selected, text, c.now())
	if err := c.ch.Emit(chat.EventSendMessage, m); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("peer", c.selected).Msg("send_message not delivered")
		c.lastErr = errors.Wrap(err, "message not sent")
	}
	c.appendLocked(m)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return true
}

// Logout announces the departure, forgets the identity, drops every handler
// and replaces the channel with a fresh one. Work still in flight for the old
// session is discarded when it completes.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseAnonymous {
		c.mu.Unlock()
		return nil
	}
	old := c.ch
	if c.registeredEpoch != 0 {
		if err := old.Emit(chat.EventUserLogout, c.self); err != nil {
			log.Debug().Err(err).Str("component", "session").Msg("user_logout not sent")
		}
	}
	c.teardownLocked(old)
	c.ch = c.newChannel()
	c.resetLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	// Disconnect flushes user_logout; it must not run under the lock because
	// it waits for the read loop, which may be blocked on it.
	if err := old.Disconnect(); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("disconnect failed")
	}
	var clearErr error
	if err := c.store.Clear(ctx); err != nil {
		clearErr = errors.Wrap(err, "clear identity")
	}
	c.notify(snap)
	return clearErr
}

// Close tears the connection down and keeps the persisted identity, for
// process shutdown.
func (c *Controller) Close() error {
	c.mu.Lock()
	old := c.ch
	c.teardownLocked(old)
	c.conn = channel.StateDisconnected
	c.mu.Unlock()
	return old.Disconnect()
}

func (c *Controller) teardownLocked(ch Channel) {
	for _, id := range c.subs {
		ch.Off(id)
	}
	c.subs = nil
	c.stopFetchLocked()
	c.lifetime++
}

func (c *Controller) resetLocked() {
	c.phase = PhaseAnonymous
	c.self = ""
	c.registeredEpoch = 0
	c.conn = channel.StateDisconnected
	c.selected = ""
	c.selectGen++
	c.history = HistoryIdle
	c.messages = nil
	c.pending = nil
	c.lastErr = nil
	c.roster.Reset()
}

func (c *Controller) stopFetchLocked() {
	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}
}

func (c *Controller) appendLocked(m chat.Message) {
	c.messages = append(c.messages, m)
	if c.history == HistoryLoading {
		c.pending = append(c.pending, m)
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	c.version++
	return Snapshot{
		Version:      c.version,
		Phase:        c.phase,
		Identity:     c.self,
		SelectedPeer: c.selected,
		Messages:     append([]chat.Message{}, c.messages...),
		Roster:       c.roster.Users(),
		Connection:   c.conn,
		History:      c.history,
		Err:          c.lastErr,
	}
}

func (c *Controller) notify(s Snapshot) {
	if c.listener != nil {
		c.listener(s)
	}
}
