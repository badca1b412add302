package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pianobridge/internal/credentials"
	"github.com/MrWong99/pianobridge/pkg/audio/discord"
)

func channelsCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Log in, print the reachable voice channels and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			token := cfg.Discord.Token
			if token == "" {
				store, err := credentials.New(cfg.Credentials)
				if err != nil {
					return err
				}
				if token, err = store.Load(); err != nil {
					if errors.Is(err, credentials.ErrNotFound) {
						return fmt.Errorf("no bot token: set %s or run the relay and enter one", credentials.EnvVar)
					}
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, err := discord.Connect(ctx, discord.Config{
				Token:        token,
				ReadyTimeout: cfg.Discord.ReadyTimeout,
				SampleRate:   cfg.Audio.SampleRate,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			chans, err := client.DiscoverChannels(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logged in as %s\n", client.User())
			for i, label := range slices.Sorted(maps.Keys(chans)) {
				fmt.Fprintf(out, "%3d  %s\n", i+1, label)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for login and discovery")
	return cmd
}
