package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/portal-client/internal/authz"
	"github.com/ehr/portal-client/internal/config"
	"github.com/ehr/portal-client/internal/platform/apiclient"
	"github.com/ehr/portal-client/internal/platform/credstore"
	"github.com/ehr/portal-client/internal/platform/devstub"
	"github.com/ehr/portal-client/internal/platform/fetch"
	"github.com/ehr/portal-client/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-session",
		Short: "Portal session engine CLI",
	}

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(permissionsCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(stubCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles the wired components the commands share.
type engine struct {
	cfg      *config.Config
	logger   zerolog.Logger
	api      *apiclient.Client
	store    *credstore.FileStore
	manager  *session.Manager
	resolver *authz.Resolver
	guard    *authz.Guard
}

func buildEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	api := apiclient.New(cfg.BaseURL,
		apiclient.WithTimeout(cfg.HTTPTimeout),
		apiclient.WithLogger(logger),
	)
	store, err := credstore.NewFileStore(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}

	guard := authz.NewGuard()
	manager := session.New(api, store,
		session.WithLogger(logger),
		session.WithAccessTTL(cfg.AccessTokenTTL),
		session.WithRefreshTTL(cfg.RefreshTokenTTL),
		session.WithRefreshMargin(cfg.RefreshMargin),
		session.WithSessionEndHook(guard.Clear),
	)

	return &engine{
		cfg:      cfg,
		logger:   logger,
		api:      api,
		store:    store,
		manager:  manager,
		resolver: authz.NewResolver(api, logger),
		guard:    guard,
	}, nil
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}

			eng, err := buildEngine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := eng.manager.Login(ctx, username, password); err != nil {
				return err
			}

			creds, _ := eng.manager.Credentials()
			set := eng.resolver.Resolve(ctx, creds.AccessToken, creds.User)
			eng.guard.Update(set)

			fmt.Printf("logged in as %s (%s)\n", creds.User.Username, creds.User.Role)
			fmt.Printf("access token valid until %s\n", creds.AccessExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("username", "", "portal username")
	cmd.Flags().String("password", "", "portal password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			eng.manager.Logout(cmd.Context())
			fmt.Println("logged out")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			creds, ok := eng.manager.Credentials()
			if !ok {
				return fmt.Errorf("not logged in")
			}
			now := time.Now()
			fmt.Printf("user:    %s (%s)\n", creds.User.Username, creds.User.Role)
			fmt.Printf("access:  valid=%v, expires %s\n", creds.AccessValid(now), creds.AccessExpiresAt.Format(time.RFC3339))
			fmt.Printf("refresh: valid=%v, expires %s\n", creds.RefreshValid(now), creds.RefreshExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func permissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions",
		Short: "Resolve and print the effective capability set",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			creds, ok := eng.manager.Credentials()
			if !ok {
				return fmt.Errorf("not logged in")
			}
			set := eng.resolver.Resolve(cmd.Context(), creds.AccessToken, creds.User)
			fmt.Printf("role: %s, superadmin: %v\n", set.Role, set.IsSuperadmin)
			for _, cap := range authz.AllCapabilities {
				fmt.Printf("  %-16s %v\n", cap, set.Allows(cap))
			}
			return nil
		},
	}
}

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <path>",
		Short: "GET an authenticated resource through the single-flight fetcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			token := eng.manager.AccessToken()
			if token == "" {
				return fmt.Errorf("not logged in")
			}

			path := args[0]
			group := fetch.NewGroup[json.RawMessage](eng.logger)
			out, err := group.Do(cmd.Context(), path, func(ctx context.Context) (json.RawMessage, error) {
				var raw json.RawMessage
				if err := eng.api.Get(ctx, token, path, &raw); err != nil {
					return nil, err
				}
				return raw, nil
			})
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session fresh until interrupted, treating stdin as activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			if _, ok := eng.manager.Credentials(); !ok {
				return fmt.Errorf("not logged in")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Refresh immediately so the schedule is armed for a session
			// restored from disk.
			if err := eng.manager.Refresh(ctx); err != nil {
				return err
			}

			events := make(chan session.ActivityEvent)
			monitor := session.NewIdleMonitor(eng.manager, events,
				session.WithMonitorLogger(eng.logger),
				session.WithIdleTimeout(eng.cfg.IdleTimeout),
				session.WithActivityKinds(activityKinds(eng.cfg.IdleEvents)...),
			)
			if err := monitor.Start(); err != nil {
				return err
			}
			defer monitor.Stop()

			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					select {
					case events <- session.ActivityEvent{Kind: session.ActivityKeyboard}:
					case <-ctx.Done():
						return
					}
				}
			}()

			eng.logger.Info().Msg("watching session; press enter to signal activity, ctrl-c to stop")
			<-ctx.Done()
			return nil
		},
	}
}

// activityKinds maps configured event names onto activity kinds, dropping
// names the monitor does not know.
func activityKinds(names []string) []session.ActivityKind {
	known := map[string]session.ActivityKind{
		string(session.ActivityPointer):  session.ActivityPointer,
		string(session.ActivityKeyboard): session.ActivityKeyboard,
		string(session.ActivityScroll):   session.ActivityScroll,
		string(session.ActivityTouch):    session.ActivityTouch,
	}
	kinds := make([]session.ActivityKind, 0, len(names))
	for _, name := range names {
		if kind, ok := known[strings.TrimSpace(name)]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func stubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve the development stub for the portal session endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

			stub := devstub.NewServer(
				devstub.WithAccessTTL(cfg.AccessTokenTTL),
				devstub.WithRefreshTTL(cfg.RefreshTokenTTL),
			)
			srv := &http.Server{Addr: addr, Handler: stub.Handler()}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", addr).Msg("stub listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", ":8000", "listen address")
	return cmd
}
