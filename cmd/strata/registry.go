package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stratoreg/strata/configuration"
	"github.com/stratoreg/strata/registry/auth"
	"github.com/stratoreg/strata/registry/handlers"
	"github.com/stratoreg/strata/storage"
	"github.com/stratoreg/strata/version"
)

func registryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Registry server commands",
	}
	cmd.AddCommand(serveCommand(), addUserCommand())
	return cmd
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			if err := seedUsers(e.meta, config.Registry.Users); err != nil {
				return err
			}

			app := handlers.NewApp(e.objects, e.meta, auth.NewController(e.meta), version.Version)
			server := &http.Server{
				Addr:    config.Registry.Addr,
				Handler: app,
			}

			errs := make(chan error, 1)
			go func() {
				reg := config.Registry
				if reg.TLSCertificate != "" && reg.TLSKey != "" {
					logrus.WithField("addr", reg.Addr).Info("registry listening with TLS")
					errs <- server.ListenAndServeTLS(reg.TLSCertificate, reg.TLSKey)
					return
				}
				logrus.WithField("addr", reg.Addr).Warn("registry listening without TLS")
				errs <- server.ListenAndServe()
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errs:
				return err
			case sig := <-stop:
				logrus.WithField("signal", sig).Info("shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					return err
				}
				if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}
		},
	}
}

// seedUsers syncs configuration users into the user table so a config
// file alone can provision a registry.
func seedUsers(meta *storage.Store, users []configuration.User) error {
	for _, u := range users {
		scopes, err := auth.ParseScopes(u.Scopes)
		if err != nil {
			return fmt.Errorf("user %s: %w", u.Username, err)
		}
		if err := meta.PutUser(storage.User{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Scopes:       scopes,
		}); err != nil {
			return err
		}
		logrus.WithField("username", u.Username).Debug("seeded user")
	}
	return nil
}

func addUserCommand() *cobra.Command {
	var (
		password string
		scopes   []string
	)
	cmd := &cobra.Command{
		Use:   "add-user <username>",
		Short: "Create or update a registry user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]

			if password == "" {
				fmt.Fprint(cmd.OutOrStdout(), "password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil {
					return err
				}
				password = strings.TrimSpace(line)
			}
			if password == "" {
				return errors.New("empty password")
			}

			parsed, err := auth.ParseScopes(scopes)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.meta.PutUser(storage.User{
				Username:     username,
				PasswordHash: hash,
				Scopes:       parsed,
			}); err != nil {
				return err
			}

			// Also print the config snippet so the user survives a
			// rebuilt data directory.
			fmt.Fprintln(cmd.OutOrStdout(), "add to the registry configuration to persist across data resets:")
			snippet := struct {
				Users []configuration.User `toml:"users"`
			}{
				Users: []configuration.User{{Username: username, PasswordHash: hash, Scopes: parsed}},
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(snippet)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"list", "download"}, "granted scopes")
	return cmd
}
