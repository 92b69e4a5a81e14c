package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/parley/pkg/redisstream"
	"github.com/go-go-golems/parley/pkg/relay"
)

// RelaySettings configures `parley relay`.
type RelaySettings struct {
	Addr        string               `mapstructure:"addr" validate:"required"`
	SQLite      string               `mapstructure:"sqlite"`
	AccessToken string               `mapstructure:"token"`
	InstanceID  string               `mapstructure:"instance-id"`
	Redis       redisstream.Settings `mapstructure:",squash"`
}

func newRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the chat relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s RelaySettings
			if err := decodeSettings(&s); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, s)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("sqlite", "", "sqlite database file for message history (in-memory when empty)")
	cmd.Flags().String("token", "", "require this bearer token from clients")
	cmd.Flags().String("instance-id", "", "name of this relay instance (random when empty)")
	cmd.Flags().String("redis-addr", "", "redis address for shared presence and fan-out between instances")
	return cmd
}

type relayStores struct {
	history  relay.HistoryStore
	presence relay.PresenceStore
	bus      *relay.Bus
}

func (s relayStores) Close() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Warn().Err(err).Str("component", "relay").Msg("close bus")
		}
	}
	if s.presence != nil {
		if err := s.presence.Close(); err != nil {
			log.Warn().Err(err).Str("component", "relay").Msg("close presence")
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			log.Warn().Err(err).Str("component", "relay").Msg("close history")
		}
	}
}

func openRelayStores(s RelaySettings, instanceID string) (relayStores, error) {
	var st relayStores

	if s.SQLite != "" {
		dsn, err := relay.SQLiteDSNForFile(s.SQLite)
		if err != nil {
			return st, err
		}
		h, err := relay.NewSQLiteHistory(dsn)
		if err != nil {
			return st, errors.Wrap(err, "open sqlite history")
		}
		st.history = h
	} else {
		st.history = relay.NewMemoryHistory()
	}

	if !s.Redis.Enabled() {
		st.presence = relay.NewMemoryPresence()
		st.bus = relay.NewMemoryBus()
		return st, nil
	}

	client, err := redisstream.NewClient(s.Redis)
	if err != nil {
		st.Close()
		return relayStores{}, err
	}
	p, err := relay.NewRedisPresence(client, relay.WithOwnedClient())
	if err != nil {
		_ = client.Close()
		st.Close()
		return relayStores{}, err
	}
	st.presence = p
	bus, err := relay.NewRedisBus(client, instanceID)
	if err != nil {
		st.Close()
		return relayStores{}, err
	}
	st.bus = bus
	return st, nil
}

func runRelay(ctx context.Context, s RelaySettings) error {
	// the instance id also names the redis consumer group
	id := s.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	stores, err := openRelayStores(s, id)
	if err != nil {
		return err
	}
	defer stores.Close()

	srv, err := relay.NewServer(stores.history, stores.presence, stores.bus,
		relay.WithAccessToken(s.AccessToken),
		relay.WithInstanceID(id),
	)
	if err != nil {
		return err
	}
	log.Info().
		Str("component", "relay").
		Bool("sqlite", s.SQLite != "").
		Bool("redis", s.Redis.Enabled()).
		Bool("auth", s.AccessToken != "").
		Msg("relay configured")
	return srv.Run(ctx, s.Addr)
}
