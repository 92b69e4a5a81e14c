package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/go-go-golems/parley/pkg/channel"
	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/identity"
	"github.com/go-go-golems/parley/pkg/session/mocks"
)

type emitted struct {
	Event   string
	Payload any
}

// fakeChannel delivers everything synchronously on the calling goroutine.
type fakeChannel struct {
	mu            sync.Mutex
	nextID        channel.HandlerID
	handlers      map[channel.HandlerID]fakeHandler
	state         channel.State
	epoch         uint64
	emitted       []emitted
	emitErr       error
	connectOnDial bool
	disconnected  bool
}

type fakeHandler struct {
	event string
	h     channel.Handler
	sh    channel.StateHandler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers:      map[channel.HandlerID]fakeHandler{},
		state:         channel.StateDisconnected,
		connectOnDial: true,
	}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	connect := f.connectOnDial
	f.mu.Unlock()
	if connect {
		f.goOnline()
	}
	return nil
}

func (f *fakeChannel) goOnline() {
	f.mu.Lock()
	f.epoch++
	f.state = channel.StateConnected
	sc := channel.StateChange{State: channel.StateConnected, Epoch: f.epoch}
	f.mu.Unlock()
	f.fireState(sc)
}

func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.state = channel.StateConnecting
	sc := channel.StateChange{State: channel.StateConnecting, Epoch: f.epoch}
	f.mu.Unlock()
	f.fireState(sc)
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	if f.state != channel.StateConnected {
		return channel.ErrNotConnected
	}
	f.emitted = append(f.emitted, emitted{Event: event, Payload: payload})
	return nil
}

func (f *fakeChannel) On(event string, h channel.Handler) channel.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[f.nextID] = fakeHandler{event: event, h: h}
	return f.nextID
}

func (f *fakeChannel) OnStateChange(h channel.StateHandler) channel.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[f.nextID] = fakeHandler{sh: h}
	return f.nextID
}

func (f *fakeChannel) Off(id channel.HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	f.state = channel.StateDisconnected
	return nil
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeChannel) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted{}, f.emitted...)
}

func (f *fakeChannel) sentEvents(event string) []emitted {
	var out []emitted
	for _, e := range f.sent() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeChannel) fire(t *testing.T, event string, payload any) {
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	var hs []channel.Handler
	for _, h := range f.handlers {
		if h.h != nil && h.event == event {
			hs = append(hs, h.h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

func (f *fakeChannel) fireState(sc channel.StateChange) {
	f.mu.Lock()
	var hs []channel.StateHandler
	for _, h := range f.handlers {
		if h.sh != nil {
			hs = append(hs, h.sh)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(sc)
	}
}

type harness struct {
	t        *testing.T
	ctrl     *Controller
	fetcher  *mocks.MockHistoryFetcher
	store    *identity.MemoryStore
	channels []*fakeChannel
	mu       sync.Mutex
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...Option) *harness {
	mc := gomock.NewController(t)
	h := &harness{
		t:       t,
		fetcher: mocks.NewMockHistoryFetcher(mc),
		store:   identity.NewMemoryStore(),
	}
	factory := func() Channel {
		ch := newFakeChannel()
		h.mu.Lock()
		h.channels = append(h.channels, ch)
		h.mu.Unlock()
		return ch
	}
	opts = append([]Option{WithClock(func() time.Time { return t0.Add(time.Minute) })}, opts...)
	c, err := New(h.store, h.fetcher, factory, opts...)
	require.NoError(t, err)
	h.ctrl = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) channel() *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[len(h.channels)-1]
}

func (h *harness) waitHistory(status HistoryStatus) Snapshot {
	var snap Snapshot
	require.Eventually(h.t, func() bool {
		snap = h.ctrl.Snapshot()
		return snap.History == status
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func (h *harness) joinAs(name string) {
	require.NoError(h.t, h.ctrl.Join(context.Background(), name))
	require.Equal(h.t, PhaseJoined, h.ctrl.Snapshot().Phase)
}

func TestJoin_RegistersOnceAndPersists(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Equal(t, PhaseAnonymous, h.ctrl.Snapshot().Phase)

	h.joinAs("  alice ")
	snap := h.ctrl.Snapshot()
	require.Equal(t, "alice", snap.Identity)
	require.Equal(t, channel.StateConnected, snap.Connection)

	name, ok := h.store.Load(context.Background())
	require.True(t, ok)
	require.Equal(t, "alice", name)

	regs := h.channel().sentEvents(chat.EventRegisterUser)
	require.Len(t, regs, 1)
	require.Equal(t, "alice", regs[0].Payload)

	// same name again is a no-op, a different one is refused
	require.NoError(t, h.ctrl.Join(context.Background(), "alice"))
	require.ErrorIs(t, h.ctrl.Join(context.Background(), "carol"), ErrAlreadyJoined)
	require.Len(t, h.channel().sentEvents(chat.EventRegisterUser), 1)
}

func TestJoin_BlankNameLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"", "   ", "\t\n"} {
		before := h.ctrl.Snapshot()
		require.NoError(t, h.ctrl.Join(context.Background(), name))
		after := h.ctrl.Snapshot()
		require.Equal(t, before.Phase, after.Phase)
		require.Equal(t, PhaseAnonymous, after.Phase)
		require.Empty(t, after.Identity)
	}
	_, ok := h.store.Load(context.Background())
	require.False(t, ok)
	require.Empty(t, h.channel().sent())
}

func TestJoin_WaitsForConnectionBeforeRegistering(t *testing.T) {
	h := newHarness(t)
	ch := h.channel()
	ch.connectOnDial = false

	require.NoError(t, h.ctrl.Join(context.Background(), "alice"))
	require.Equal(t, PhaseRegistering, h.ctrl.Snapshot().Phase)
	require.Empty(t, ch.sent())

	ch.goOnline()
	require.Equal(t, PhaseJoined, h.ctrl.Snapshot().Phase)
	require.Len(t, ch.sentEvents(chat.EventRegisterUser), 1)
}

func TestReconnect_ReRegistersOncePerConnection(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	ch := h.channel()

	ch.drop()
	require.Equal(t, channel.StateConnecting, h.ctrl.Snapshot().Connection)
	require.Equal(t, PhaseJoined, h.ctrl.Snapshot().Phase)

	ch.goOnline()
	require.Len(t, ch.sentEvents(chat.EventRegisterUser), 2)

	// a repeated connected change for the same epoch does not register again
	ch.fireState(channel.StateChange{State: channel.StateConnected, Epoch: ch.Epoch()})
	require.Len(t, ch.sentEvents(chat.EventRegisterUser), 2)
}

func TestStart_RestoresSavedIdentity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), "alice"))
	require.NoError(t, h.ctrl.Start(context.Background()))

	snap := h.ctrl.Snapshot()
	require.Equal(t, PhaseJoined, snap.Phase)
	require.Equal(t, "alice", snap.Identity)
	require.Len(t, h.channel().sentEvents(chat.EventRegisterUser), 1)
}

func TestScenario_JoinSelectLoadAndSend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.joinAs("alice")

	h.channel().fire(t, chat.EventUsersUpdate, []chat.PeerUser{
		{Username: "alice", IsOnline: true},
		{Username: "bob", IsOnline: true},
	})
	require.Equal(t, []chat.PeerUser{{Username: "bob", IsOnline: true}}, h.ctrl.Snapshot().Roster)

	hi := chat.Message{Sender: "bob", Receiver: "alice", Message: "hi", Timestamp: t0}
	h.fetcher.EXPECT().
		Fetch(gomock.Any(), "alice", "bob").
		Return([]chat.Message{hi}, nil).
		Times(1)

	h.ctrl.SelectPeer("bob")
	snap := h.waitHistory(HistoryLoaded)
	require.Equal(t, "bob", snap.SelectedPeer)
	require.Equal(t, []chat.Message{hi}, snap.Messages)

	require.True(t, h.ctrl.SendMessage("yo"))
	snap = h.ctrl.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "alice", snap.Messages[1].Sender)
	require.Equal(t, "bob", snap.Messages[1].Receiver)
	require.Equal(t, "yo", snap.Messages[1].Message)
}

func TestSendMessage_AppendsOnceAndEmitsSamePayload(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	h.fetcher.EXPECT().Fetch(gomock.Any(), "alice", "bob").Return(nil, nil).Times(1)
	h.ctrl.SelectPeer("bob")
	h.waitHistory(HistoryLoaded)

	require.True(t, h.ctrl.SendMessage("hello"))

	snap := h.ctrl.Snapshot()
	require.Len(t, snap.Messages, 1)
	m := snap.Messages[0]
	require.Equal(t, chat.Message{Sender: "alice", Receiver: "bob", Message: "hello", Timestamp: t0.Add(time.Minute)}, m)

	sends := h.channel().sentEvents(chat.EventSendMessage)
	require.Len(t, sends, 1)
	require.Equal(t, m, sends[0].Payload)
}

func TestSendMessage_Declined(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.ctrl.SendMessage("hello"), "not joined")

	h.joinAs("alice")
	require.False(t, h.ctrl.SendMessage("hello"), "no peer selected")

	h.fetcher.EXPECT().Fetch(gomock.Any(), "alice", "bob").Return(nil, nil).Times(1)
	h.ctrl.SelectPeer("bob")
	h.waitHistory(HistoryLoaded)
	require.False(t, h.ctrl.SendMessage("   "), "blank text")
	require.Empty(t, h.ctrl.Snapshot().Messages)
	require.Empty(t, h.channel().sentEvents(chat.EventSendMessage))
}

func TestSendMessage_EmitFailureStillAppends(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	h.fetcher.EXPECT().Fetch(gomock.Any(), "alice", "bob").Return(nil, nil).Times(1)
	h.ctrl.SelectPeer("bob")
	h.waitHistory(HistoryLoaded)

	h.channel().mu.Lock()
	h.channel().emitErr = channel.ErrQueueFull
	h.channel().mu.Unlock()

	require.True(t, h.ctrl.SendMessage("hello"))
	snap := h.ctrl.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.ErrorIs(t, snap.Err, channel.ErrQueueFull)
}

func TestReceiveMessage_OnlyForSelectedPeer(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	h.fetcher.EXPECT().Fetch(gomock.Any(), "alice", "bob").Return(nil, nil).Times(1)
	h.ctrl.SelectPeer("bob")
	h.waitHistory(HistoryLoaded)

	ch := h.channel()
	ch.fire(t, chat.EventReceiveMessage, chat.Message{Sender: "carol", Receiver: "alice", Message: "psst", Timestamp: t0})
	require.Empty(t, h.ctrl.Snapshot().Messages)

	ch.fire(t, chat.EventReceiveMessage, chat.Message{Sender: "bob", Receiver: "dave", Message: "misrouted", Timestamp: t0})
	require.Empty(t, h.ctrl.Snapshot().Messages)

	ch.fire(t, chat.EventReceiveMessage, map[string]string{"sender": "bob"})
	require.Empty(t, h.ctrl.Snapshot().Messages)

	ch.fire(t, chat.EventReceiveMessage, chat.Message{Sender: "bob", Receiver: "alice", Message: "hey"})
	snap := h.ctrl.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "hey", snap.Messages[0].Message)
	require.False(t, snap.Messages[0].Timestamp.IsZero())
}

func TestReceiveMessage_DroppedWithoutSelection(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	h.channel().fire(t, chat.EventReceiveMessage, chat.Message{Sender: "bob", Receiver: "alice", Message: "hi"})
	require.Empty(t, h.ctrl.Snapshot().Messages)
}

func TestSelectPeer_StaleHistoryIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")

	releaseA := make(chan struct{})
	fetchedA := make(chan struct{})
	fromA := chat.Message{Sender: "bob", Receiver: "alice", Message: "from bob", Timestamp: t0}
	h.fetcher.EXPECT().
		Fetch(gomock.Any(), "alice", "bob").
		DoAndReturn(func(ctx context.Context, self, peer string) ([]chat.Message, error) {
			close(fetchedA)
			<-releaseA
			return []chat.Message{fromA}, nil
		}).
		Times(1)

	releaseB := make(chan struct{})
	fromC := chat.Message{Sender: "carol", Receiver: "alice", Message: "from carol", Timestamp: t0}
	h.fetcher.EXPECT().
		Fetch(gomock.Any(), "alice", "carol").
		DoAndReturn(func(ctx context.Context, self, peer string) ([]chat.Message, error) {
			<-releaseB
			return []chat.Message{fromC}, nil
		}).
		Times(1)

	h.ctrl.SelectPeer("bob")
	<-fetchedA
	h.ctrl.SelectPeer("carol")

	close(releaseA)
	// A resolves while B is still loading: the log must not show A's messages
	require.Never(t, func() bool {
		return len(h.ctrl.Snapshot().Messages) > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
	snap := h.ctrl.Snapshot()
	require.Equal(t, "carol", snap.SelectedPeer)
	require.Equal(t, HistoryLoading, snap.History)

	close(releaseB)
	snap = h.waitHistory(HistoryLoaded)
	require.Equal(t, []chat.Message{fromC}, snap.Messages)
}

func TestSelectPeer_MergesLiveMessagesArrivingDuringLoad(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")

	old := chat.Message{Sender: "bob", Receiver: "alice", Message: "old", Timestamp: t0}
	live := chat.Message{Sender: "bob", Receiver: "alice", Message: "live", Timestamp: t0.Add(30 * time.Second)}
	release := make(chan struct{})
	h.fetcher.EXPECT().
		Fetch(gomock.Any(), "alice", "bob").
		DoAndReturn(func(ctx context.Context, self, peer string) ([]chat.Message, error) {
			<-release
			// the server already stored the live message when it answers
			return []chat.Message{old, live}, nil
		}).
		Times(1)

	h.ctrl.SelectPeer("bob")
	h.channel().fire(t, chat.EventReceiveMessage, live)
	require.Equal(t, []chat.Message{live}, h.ctrl.Snapshot().Messages)

	close(release)
	snap := h.waitHistory(HistoryLoaded)
	require.Equal(t, []chat.Message{old, live}, snap.Messages)
}

func TestSelectPeer_FetchFailureKeepsLog(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	boom := errors.New("boom")
	h.fetcher.EXPECT().Fetch(gomock.Any(), "alice", "bob").Return(nil, boom).Times(1)

	h.ctrl.SelectPeer("bob")
	snap := h.waitHistory(HistoryFailed)
	require.ErrorIs(t, snap.Err, boom)
	require.Equal(t, "bob", snap.SelectedPeer)

	// sending still works against a failed history
	require.True(t, h.ctrl.SendMessage("anyone there?"))
	require.Len(t, h.ctrl.Snapshot().Messages, 1)
}

func TestSelectPeer_DeclinedCases(t *testing.T) {
	h := newHarness(t)
	h.ctrl.SelectPeer("bob")
	require.Empty(t, h.ctrl.Snapshot().SelectedPeer, "not joined")

	h.joinAs("alice")
	h.ctrl.SelectPeer("alice")
	h.ctrl.SelectPeer("  ")
	require.Empty(t, h.ctrl.Snapshot().SelectedPeer)

	h.fetcher.EXPECT().Fetch(gomock.Any(), "alice", "bob").Return(nil, nil).Times(1)
	h.ctrl.SelectPeer("bob")
	h.waitHistory(HistoryLoaded)
	// reselecting the same peer does not refetch
	h.ctrl.SelectPeer("bob")

	h.ctrl.ClearSelection()
	snap := h.ctrl.Snapshot()
	require.Empty(t, snap.SelectedPeer)
	require.Equal(t, HistoryIdle, snap.History)
}

func TestUsersUpdate_FullReplace(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	ch := h.channel()

	ch.fire(t, chat.EventUsersUpdate, []chat.PeerUser{{Username: "bob", IsOnline: true}, {Username: "carol"}})
	require.Len(t, h.ctrl.Snapshot().Roster, 2)

	ch.fire(t, chat.EventUsersUpdate, []chat.PeerUser{{Username: "dave", IsOnline: true}})
	require.Equal(t, []chat.PeerUser{{Username: "dave", IsOnline: true}}, h.ctrl.Snapshot().Roster)
}

func TestLogout_ClearsIdentityAndDetachesHandlers(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	old := h.channel()
	require.Equal(t, 3, old.handlerCount())
	old.fire(t, chat.EventUsersUpdate, []chat.PeerUser{{Username: "bob"}})

	require.NoError(t, h.ctrl.Logout(context.Background()))

	_, ok := h.store.Load(context.Background())
	require.False(t, ok)

	snap := h.ctrl.Snapshot()
	require.Equal(t, PhaseAnonymous, snap.Phase)
	require.Empty(t, snap.Identity)
	require.Empty(t, snap.Roster)

	logouts := old.sentEvents(chat.EventUserLogout)
	require.Len(t, logouts, 1)
	require.Equal(t, "alice", logouts[0].Payload)
	require.Equal(t, 0, old.handlerCount())
	require.True(t, old.disconnected)

	fresh := h.channel()
	require.NotSame(t, old, fresh)

	// joining again uses the new channel and registers exactly once there
	h.joinAs("bob")
	require.Len(t, fresh.sentEvents(chat.EventRegisterUser), 1)
	require.Equal(t, 3, fresh.handlerCount())
}

func TestLogout_SkipsUserLogoutWhenNeverRegistered(t *testing.T) {
	h := newHarness(t)
	ch := h.channel()
	ch.emitErr = errors.New("write failed")

	require.NoError(t, h.ctrl.Join(context.Background(), "alice"))
	require.Equal(t, PhaseRegistering, h.ctrl.Snapshot().Phase)

	ch.mu.Lock()
	ch.emitErr = nil
	ch.mu.Unlock()
	require.NoError(t, h.ctrl.Logout(context.Background()))

	require.Empty(t, ch.sentEvents(chat.EventUserLogout))
	require.True(t, ch.disconnected)
	require.Equal(t, PhaseAnonymous, h.ctrl.Snapshot().Phase)
	_, ok := h.store.Load(context.Background())
	require.False(t, ok)
}

func TestLogout_InFlightHistoryIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.joinAs("alice")
	release := make(chan struct{})
	started := make(chan struct{})
	h.fetcher.EXPECT().
		Fetch(gomock.Any(), "alice", "bob").
		DoAndReturn(func(ctx context.Context, self, peer string) ([]chat.Message, error) {
			close(started)
			<-release
			return []chat.Message{{Sender: "bob", Receiver: "alice", Message: "late", Timestamp: t0}}, nil
		}).
		Times(1)

	h.ctrl.SelectPeer("bob")
	<-started
	require.NoError(t, h.ctrl.Logout(context.Background()))
	close(release)

	require.Never(t, func() bool {
		return len(h.ctrl.Snapshot().Messages) > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, PhaseAnonymous, h.ctrl.Snapshot().Phase)
}

func TestListener_ReceivesIncreasingVersions(t *testing.T) {
	var mu sync.Mutex
	var versions []uint64
	h := newHarness(t, WithListener(func(s Snapshot) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	}))
	h.joinAs("alice")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)
}
