package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parley/pkg/chat"
)

const (
	maxFrameBytes = 1 << 20
	opTimeout     = 5 * time.Second
)

type Option func(*Server)

// WithAccessToken requires "Authorization: Bearer <token>" on every route.
func WithAccessToken(token string) Option {
	return func(s *Server) {
		s.token = strings.TrimSpace(token)
	}
}

func WithInstanceID(id string) Option {
	return func(s *Server) {
		if id != "" {
			s.id = id
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server is one relay instance.
type Server struct {
	history  HistoryStore
	presence PresenceStore
	bus      *Bus
	hub      *Hub

	id    string
	token string
	now   func() time.Time

	upgrader  websocket.Upgrader
	mux       *http.ServeMux
	ready     chan struct{}
	readyOnce sync.Once
}

func NewServer(history HistoryStore, presence PresenceStore, bus *Bus, opts ...Option) (*Server, error) {
	if history == nil {
		return nil, errors.New("relay: history store is nil")
	}
	if presence == nil {
		return nil, errors.New("relay: presence store is nil")
	}
	if bus == nil {
		return nil, errors.New("relay: bus is nil")
	}
	s := &Server{
		history:  history,
		presence: presence,
		bus:      bus,
		hub:      NewHub(),
		id:       uuid.NewString(),
		now:      time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux:   http.NewServeMux(),
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /messages/{self}/{peer}", s.handleHistory)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return s, nil
}

func (s *Server) ID() string { return s.id }

func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP surface of the relay.
func (s *Server) Handler() http.Handler {
	if s.token == "" {
		return s.mux
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		s.mux.ServeHTTP(w, r)
	})
}

// Ready is closed once the bus subscriptions are in place.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Consume delivers bus events to local connections until ctx is done.
func (s *Server) Consume(ctx context.Context) error {
	messages, err := s.bus.Subscribe(ctx, TopicMessages)
	if err != nil {
		return err
	}
	presence, err := s.bus.Subscribe(ctx, TopicPresence)
	if err != nil {
		return err
	}
	s.readyOnce.Do(func() { close(s.ready) })
	log.Info().Str("component", "relay").Str("instance", s.id).Msg("bus subscriptions ready")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.consume(egCtx, messages, s.deliverMessage) })
	eg.Go(func() error { return s.consume(egCtx, presence, s.broadcastPresence) })
	return eg.Wait()
}

func (s *Server) consume(ctx context.Context, ch <-chan *message.Message, handle func(context.Context, *message.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(ctx, msg)
			msg.Ack()
		}
	}
}

func (s *Server) deliverMessage(_ context.Context, msg *message.Message) {
	m, err := chat.DecodeMessage(json.RawMessage(msg.Payload))
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("msg_id", msg.UUID).Msg("dropping malformed bus message")
		return
	}
	frame, err := chat.EncodeFrame(chat.EventReceiveMessage, m)
	if err != nil {
		log.Error().Err(err).Str("component", "relay").Msg("encode receive_message")
		return
	}
	n := s.hub.SendToUser(m.Receiver, frame)
	log.Debug().Str("component", "relay").Str("receiver", m.Receiver).Int("conns", n).Msg("delivered message")
}

func (s *Server) broadcastPresence(ctx context.Context, _ *message.Message) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	users, err := s.presence.List(opCtx)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("list presence")
		return
	}
	frame, err := chat.EncodeFrame(chat.EventUsersUpdate, users)
	if err != nil {
		log.Error().Err(err).Str("component", "relay").Msg("encode users_update")
		return
	}
	s.hub.Broadcast(frame)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	c := newClient(conn)
	s.hub.add(c)
	log.Info().Str("component", "relay").Str("conn_id", c.id).Str("remote", r.RemoteAddr).Msg("ws connected")

	defer func() {
		if user := s.hub.remove(c); user != "" {
			s.leave(user)
		}
		_ = conn.Close()
		log.Info().Str("component", "relay").Str("conn_id", c.id).Msg("ws disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := chat.DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("conn_id", c.id).Msg("dropping undecodable frame")
			continue
		}
		s.handleFrame(c, f)
	}
}

func (s *Server) handleFrame(c *client, f chat.Frame) {
	switch f.Event {
	case chat.EventRegisterUser:
		name, err := chat.DecodeUsername(f.Data)
		if err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("conn_id", c.id).Msg("bad register_user")
			return
		}
		prev := s.hub.bind(c, name)
		if prev != "" && prev != name {
			s.leave(prev)
		}
		if prev != name {
			s.join(name)
			return
		}
		s.announce(name)

	case chat.EventUserLogout:
		name, err := chat.DecodeUsername(f.Data)
		if err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("conn_id", c.id).Msg("bad user_logout")
			return
		}
		if s.hub.unbind(c, name) {
			s.leave(name)
		}

	case chat.EventSendMessage:
		m, err := chat.DecodeMessage(f.Data)
		if err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("conn_id", c.id).Msg("bad send_message")
			return
		}
		if user := s.hub.userOf(c); user == "" || user != m.Sender {
			log.Warn().Str("component", "relay").Str("conn_id", c.id).Str("sender", m.Sender).Msg("send_message from unregistered or mismatched sender")
			return
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = s.now().UTC()
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := s.history.Append(ctx, m); err != nil {
			log.Error().Err(err).Str("component", "relay").Msg("store message")
		}
		if err := s.bus.PublishMessage(m); err != nil {
			log.Error().Err(err).Str("component", "relay").Msg("publish message")
		}

	default:
		log.Debug().Str("component", "relay").Str("event", f.Event).Msg("ignoring unknown event")
	}
}

func (s *Server) join(user string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.presence.Online(ctx, user, s.now()); err != nil {
		log.Error().Err(err).Str("component", "relay").Str("user", user).Msg("mark online")
	}
	log.Info().Str("component", "relay").Str("user", user).Msg("user registered")
	s.announce(user)
}

func (s *Server) leave(user string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.presence.Offline(ctx, user, s.now()); err != nil {
		log.Error().Err(err).Str("component", "relay").Str("user", user).Msg("mark offline")
	}
	log.Info().Str("component", "relay").Str("user", user).Msg("user left")
	s.announce(user)
}

func (s *Server) announce(user string) {
	if err := s.bus.PublishPresence(user); err != nil {
		log.Error().Err(err).Str("component", "relay").Msg("publish presence")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	self := chat.NormalizeName(r.PathValue("self"))
	peer := chat.NormalizeName(r.PathValue("peer"))
	if self == "" || peer == "" {
		http.Error(w, "missing participant", http.StatusBadRequest)
		return
	}
	msgs, err := s.history.Conversation(r.Context(), self, peer)
	if err != nil {
		log.Error().Err(err).Str("component", "relay").Msg("load conversation")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("write history response")
	}
}

// Run serves addr and consumes the bus until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context, addr string) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return s.Consume(egCtx) })

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Str("component", "relay").Msg("shutting down relay")
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "relay").Msg("server shutdown error")
			return err
		}
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("component", "relay").Str("addr", addr).Str("instance", s.id).Msg("starting relay")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("component", "relay").Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
