package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kcosr/termstation-sub005/internal/config"
	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/server"
	"github.com/kcosr/termstation-sub005/internal/userstore"
)

func main() {
	root := &cobra.Command{
		Use:   "termstation",
		Short: "multi-tenant terminal session server",
	}
	root.AddCommand(serveCmd(), hashPasswordCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			// Signals coalesce into one drain; a second signal while
			// draining just waits on the in-flight shutdown.
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("signal received, shutting down", "signal", sig.String())
				go func() {
					for range sigCh {
					}
				}()
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()

			return srv.Run()
		},
	}
	cmd.Flags().String("config", "", "path to config.yaml")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "hash a password for a users.json entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			fmt.Fprint(os.Stderr, "Confirm: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			if string(password) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}
			hash, err := userstore.HashPassword(string(password))
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
