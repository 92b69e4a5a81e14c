package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parley/pkg/channel"
	"github.com/go-go-golems/parley/pkg/endpoint"
	"github.com/go-go-golems/parley/pkg/history"
	"github.com/go-go-golems/parley/pkg/identity"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/ui"
)

// ChatSettings is the configuration of the interactive client.
type ChatSettings struct {
	Endpoint     string `mapstructure:"endpoint" validate:"required"`
	IdentityFile string `mapstructure:"identity-file"`
	Token        string `mapstructure:"token"`
	Ephemeral    bool   `mapstructure:"ephemeral"`
}

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the chat client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s ChatSettings
			if err := decodeSettings(&s); err != nil {
				return errors.Wrap(err, "chat: set --endpoint, PARLEY_ENDPOINT or endpoint in the config file")
			}
			return runChat(cmd.Context(), s)
		},
	}
	cmd.Flags().String("endpoint", "", "relay base URL, e.g. https://chat.example.com")
	cmd.Flags().String("token", "", "save this access token for the relay and use it from now on")
	cmd.Flags().Bool("ephemeral", false, "keep the identity in memory only")
	return cmd
}

func openIdentity(path string) (*identity.FileStore, error) {
	if path == "" {
		p, err := identity.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return identity.NewFileStore(path)
}

func runChat(parent context.Context, s ChatSettings) error {
	if parent == nil {
		parent = context.Background()
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return errors.New("chat: stdout is not a terminal")
	}
	ep, err := endpoint.Parse(s.Endpoint)
	if err != nil {
		return err
	}
	var store identity.Store
	where := "memory"
	if s.Ephemeral {
		store = identity.NewMemoryStore()
	} else {
		fs, err := openIdentity(s.IdentityFile)
		if err != nil {
			return err
		}
		store, where = fs, fs.Path()
	}
	if s.Token != "" {
		if err := store.SaveToken(parent, s.Token); err != nil {
			return errors.Wrap(err, "save token")
		}
	}
	token := func() string {
		t, _ := store.Token(context.Background())
		return t
	}

	hc, err := history.NewClient(ep, history.WithToken(token))
	if err != nil {
		return err
	}
	newChannel := func() session.Channel {
		return channel.NewAdapter(&channel.WebsocketDialer{URL: ep.SocketURL(), Token: token})
	}

	feed := ui.NewFeed()
	ctrl, err := session.New(store, hc, newChannel, session.WithListener(feed.Publish))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("component", "chat").Str("endpoint", ep.String()).Str("identity", where).Msg("starting chat client")
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Close()
		return err
	}

	p := tea.NewProgram(ui.NewAppModel(ctx, ctrl, feed), tea.WithAltScreen(), tea.WithContext(ctx))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer stop()
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return errors.Wrap(err, "run ui")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Str("component", "chat").Msg("closing session")
		return ctrl.Close()
	})
	return eg.Wait()
}
