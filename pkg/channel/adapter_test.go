package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(b []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- b
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	b, err := chat.EncodeFrame(event, payload)
	require.NoError(t, err)
	c.in <- b
}

func (c *fakeConn) next(t *testing.T) chat.Frame {
	select {
	case b := <-c.out:
		f, err := chat.DecodeFrame(b)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return chat.Frame{}
	}
}

type fakeDialer struct {
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type stateRecorder struct {
	ch chan StateChange
}

func recordStates(a *Adapter) *stateRecorder {
	r := &stateRecorder{ch: make(chan StateChange, 32)}
	a.OnStateChange(func(sc StateChange) { r.ch <- sc })
	return r
}

func (r *stateRecorder) waitFor(t *testing.T, s State) StateChange {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sc := <-r.ch:
			if sc.State == s {
				return sc
			}
		case <-deadline:
			t.Fatalf("state %s never reached", s)
			return StateChange{}
		}
	}
}

func TestAdapter_DeliversFramesInOrderAndUnsubscribes(t *testing.T) {
	d := newFakeDialer()
	a := NewAdapter(d)
	states := recordStates(a)

	var mu sync.Mutex
	var got []string
	id := a.On(chat.EventReceiveMessage, func(data json.RawMessage) {
		m, err := chat.DecodeMessage(data)
		require.NoError(t, err)
		mu.Lock()
		got = append(got, m.Message)
		mu.Unlock()
	})

	require.NoError(t, a.Connect(context.Background()))
	require.Equal(t, StateConnecting, a.State())
	conn := newFakeConn()
	d.conns <- conn
	sc := states.waitFor(t, StateConnected)
	require.Equal(t, uint64(1), sc.Epoch)

	for _, text := range []string{"one", "two", "three"} {
		conn.push(t, chat.EventReceiveMessage, chat.Message{Sender: "bob", Receiver: "alice", Message: text})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()

	a.Off(id)
	a.Off(id)
	conn.push(t, chat.EventReceiveMessage, chat.Message{Sender: "bob", Receiver: "alice", Message: "four"})
	// flush the read loop with a frame nobody listens to, then check nothing changed
	conn.push(t, chat.EventUsersUpdate, []chat.PeerUser{})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Len(t, got, 3)
	mu.Unlock()

	require.NoError(t, a.Disconnect())
}

func TestAdapter_EmitRequiresConnection(t *testing.T) {
	d := newFakeDialer()
	a := NewAdapter(d)
	require.ErrorIs(t, a.Emit(chat.EventRegisterUser, "alice"), ErrNotConnected)

	states := recordStates(a)
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	conn := newFakeConn()
	d.conns <- conn
	states.waitFor(t, StateConnected)

	require.NoError(t, a.Emit(chat.EventRegisterUser, "alice"))
	f := conn.next(t)
	require.Equal(t, chat.EventRegisterUser, f.Event)
	require.JSONEq(t, `"alice"`, string(f.Data))

	require.NoError(t, a.Disconnect())
	require.ErrorIs(t, a.Emit(chat.EventRegisterUser, "alice"), ErrClosed)
	require.ErrorIs(t, a.Connect(context.Background()), ErrClosed)
	require.Equal(t, StateDisconnected, a.State())
}

func TestAdapter_ReconnectsWithNewEpoch(t *testing.T) {
	d := newFakeDialer()
	a := NewAdapter(d, WithBackoff(time.Millisecond, 5*time.Millisecond))
	states := recordStates(a)
	require.NoError(t, a.Connect(context.Background()))

	first := newFakeConn()
	d.conns <- first
	require.Equal(t, uint64(1), states.waitFor(t, StateConnected).Epoch)

	// server drops us
	_ = first.Close()
	states.waitFor(t, StateConnecting)
	require.ErrorIs(t, a.Emit(chat.EventRegisterUser, "alice"), ErrNotConnected)

	second := newFakeConn()
	d.conns <- second
	require.Equal(t, uint64(2), states.waitFor(t, StateConnected).Epoch)
	require.NoError(t, a.Emit(chat.EventRegisterUser, "alice"))
	require.Equal(t, chat.EventRegisterUser, second.next(t).Event)

	require.NoError(t, a.Disconnect())
	<-a.Done()
}

func TestAdapter_DisconnectFlushesQueuedFrames(t *testing.T) {
	d := newFakeDialer()
	a := NewAdapter(d)
	states := recordStates(a)
	require.NoError(t, a.Connect(context.Background()))
	conn := newFakeConn()
	d.conns <- conn
	states.waitFor(t, StateConnected)

	require.NoError(t, a.Emit(chat.EventUserLogout, "alice"))
	require.NoError(t, a.Disconnect())

	f := conn.next(t)
	require.Equal(t, chat.EventUserLogout, f.Event)
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection not closed after disconnect")
	}
	states.waitFor(t, StateDisconnected)
	require.NoError(t, a.Disconnect())
}

func TestAdapter_CancelledContextEndsConnection(t *testing.T) {
	d := newFakeDialer()
	a := NewAdapter(d, WithFlushTimeout(5*time.Second))
	states := recordStates(a)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Connect(ctx))
	conn := newFakeConn()
	d.conns <- conn
	states.waitFor(t, StateConnected)

	cancel()
	require.ErrorIs(t, a.Emit(chat.EventUserLogout, "alice"), ErrClosed)
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection left open after the context was cancelled")
	}
	states.waitFor(t, StateDisconnected)

	done := make(chan error, 1)
	go func() { done <- a.Disconnect() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect blocked after the context was cancelled")
	}
	<-a.Done()
}

func TestAdapter_DisconnectBeforeConnect(t *testing.T) {
	a := NewAdapter(newFakeDialer())
	require.NoError(t, a.Disconnect())
	<-a.Done()
	require.Equal(t, StateDisconnected, a.State())
}

func TestAdapter_DisconnectWhileDialing(t *testing.T) {
	d := newFakeDialer()
	a := NewAdapter(d)
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Disconnect())
	<-a.Done()
	require.Equal(t, StateDisconnected, a.State())
}

func TestAdapter_SurvivesBadFramesAndPanickingHandlers(t *testing.T) {
	d := newFakeDialer()
	a := NewAdapter(d)
	states := recordStates(a)

	delivered := make(chan string, 4)
	a.On(chat.EventReceiveMessage, func(data json.RawMessage) {
		m, err := chat.DecodeMessage(data)
		if err != nil {
			panic(err)
		}
		delivered <- m.Message
	})

	require.NoError(t, a.Connect(context.Background()))
	conn := newFakeConn()
	d.conns <- conn
	states.waitFor(t, StateConnected)

	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"data":{}}`)
	conn.push(t, chat.EventReceiveMessage, map[string]string{"sender": "bob"})
	conn.push(t, chat.EventReceiveMessage, chat.Message{Sender: "bob", Receiver: "alice", Message: "still here"})

	select {
	case text := <-delivered:
		require.Equal(t, "still here", text)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died")
	}
	require.Equal(t, StateConnected, a.State())
	require.NoError(t, a.Disconnect())
}

func TestAdapter_HandlerCount(t *testing.T) {
	a := NewAdapter(newFakeDialer())
	id1 := a.On(chat.EventUsersUpdate, func(json.RawMessage) {})
	id2 := a.On(chat.EventReceiveMessage, func(json.RawMessage) {})
	id3 := a.OnStateChange(func(StateChange) {})
	require.Equal(t, 3, a.HandlerCount())
	a.Off(id1)
	a.Off(id3)
	require.Equal(t, 1, a.HandlerCount())
	a.Off(id2)
	require.Equal(t, 0, a.HandlerCount())
}
