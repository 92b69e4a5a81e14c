package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type IdentitySettings struct {
	IdentityFile string `mapstructure:"identity-file"`
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the persisted identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s IdentitySettings
			if err := decodeSettings(&s); err != nil {
				return err
			}
			store, err := openIdentity(s.IdentityFile)
			if err != nil {
				return err
			}
			name, ok := store.Load(cmd.Context())
			if !ok {
				_, err = fmt.Fprintln(cmd.ErrOrStderr(), "no identity stored in", store.Path())
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
			return err
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the persisted identity",
		Long:  "Forget the persisted identity. The relay is not contacted; it marks the user offline once their connections close.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s IdentitySettings
			if err := decodeSettings(&s); err != nil {
				return err
			}
			store, err := openIdentity(s.IdentityFile)
			if err != nil {
				return err
			}
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			log.Debug().Str("component", "identity").Str("path", store.Path()).Msg("identity cleared")
			return nil
		},
	}
}
