package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "assetstore",
		Short:        "Digital asset checkout: orders, payment links, webhooks and downloads",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(relayCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health server and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, true)
			if err != nil {
				return err
			}
			defer app.Close()

			if migrate {
				if err := app.store.Migrate(cmd.Context()); err != nil {
					return err
				}
			}
			return app.Serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")

	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			app.logger.Info("schema applied")
			return nil
		},
	}
}

func relayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run only the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Relay(cmd.Context())
		},
	}
}
