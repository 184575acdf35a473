package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/api"
	"github.com/w7109066-del/Migers-sub002/internal/auth"
	"github.com/w7109066-del/Migers-sub002/internal/commands"
	"github.com/w7109066-del/Migers-sub002/internal/config"
	"github.com/w7109066-del/Migers-sub002/internal/http"
	"github.com/w7109066-del/Migers-sub002/internal/logging"
	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/notify"
	"github.com/w7109066-del/Migers-sub002/internal/storage"
	"github.com/w7109066-del/Migers-sub002/internal/ws"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var cfgFile string

func main() {
	rootCmd := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := func(cmd *cobra.Command, _ []string) error {
		err := runServer(cmd.Context(), viper.GetViper(), nil)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	rootCmd := &cobra.Command{
		Use:   "migers",
		Short: "Real-time event relay for chat rooms, direct messages and notifications",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return initConfig()
		},
		RunE:         serve,
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default)",
		RunE:  serve,
	})
	rootCmd.AddCommand(newTokenCmd(), newVAPIDCmd(), newAdminCmd())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("api-address", defaults.GetString("api.address"), "Public API listen address")
	flags.String("admin-address", defaults.GetString("admin.address"), "Internal API listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("storage-driver", defaults.GetString("storage.driver"), "Storage driver (bbolt, sqlite)")
	flags.String("storage-path", defaults.GetString("storage.path"), "Database file path")
	flags.String("auth-secret", "", "Token signing secret (overrides env)")
	flags.Bool("auth-insecure", false, "Trust claimed user ids without a token (development only)")

	bindFlag(cmd, "api.address", "api-address")
	bindFlag(cmd, "admin.address", "admin-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "storage.path", "storage-path")
	bindFlag(cmd, "auth.secret", "auth-secret")
	bindFlag(cmd, "auth.insecure", "auth-insecure")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("migers")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func newTokenCmd() *cobra.Command {
	var userID, username string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetViper(), true)
			if err != nil {
				return err
			}
			service, err := auth.NewService(cmd.Context(), authConfig(cfg))
			if err != nil {
				return err
			}
			token, expiresAt, err := service.Issue(models.User{ID: userID, Username: username})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (token subject)")
	cmd.Flags().StringVar(&username, "username", "", "Display name, defaults to the user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVAPIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for web push",
		RunE: func(cmd *cobra.Command, _ []string) error {
			public, private, err := notify.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "MIGERS_PUSH_VAPID_PUBLIC_KEY=%s\nMIGERS_PUSH_VAPID_PRIVATE_KEY=%s\n", public, private)
			return nil
		},
	}
}

// newAdminCmd groups the commands calling the internal API of a running relay.
func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Call the internal API of a running relay",
	}
	admin := func() *commands.AdminClient {
		return commands.NewAdminClient(viper.GetString("admin.address"))
	}

	var n models.Notification
	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Deliver a notification to a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			delivered, err := admin().Notify(cmd.Context(), n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %s\n", delivered.ID)
			return nil
		},
	}
	notifyCmd.Flags().StringVar(&n.RecipientID, "to", "", "Recipient user id")
	notifyCmd.Flags().StringVar((*string)(&n.Type), "type", string(models.NotificationSystem), "Notification type")
	notifyCmd.Flags().StringVar(&n.Title, "title", "", "Title")
	notifyCmd.Flags().StringVar(&n.Message, "message", "", "Message")
	_ = notifyCmd.MarkFlagRequired("to")

	var message string
	kickCmd := &cobra.Command{
		Use:   "kick <room> <user>",
		Short: "Remove a user from a room and ban them from rejoining",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := admin().Kick(cmd.Context(), args[0], args[1], message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed: %t\n", removed)
			return nil
		},
	}
	kickCmd.Flags().StringVar(&message, "message", "", "Message shown to the user")

	unbanCmd := &cobra.Command{
		Use:   "unban <room> <user>",
		Short: "Allow a kicked user to rejoin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return admin().Unban(cmd.Context(), args[0], args[1])
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close-room <room>",
		Short: "Drop every member of a room and reject joins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropped, err := admin().CloseRoom(cmd.Context(), args[0], message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d members\n", dropped)
			return nil
		},
	}
	closeCmd.Flags().StringVar(&message, "message", "", "Message shown to members")

	reopenCmd := &cobra.Command{
		Use:   "reopen-room <room>",
		Short: "Accept joins to a closed room again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return admin().ReopenRoom(cmd.Context(), args[0])
		},
	}

	logoutCmd := &cobra.Command{
		Use:   "logout <user>",
		Short: "Close the live connection of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loggedOut, err := admin().Logout(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged out: %t\n", loggedOut)
			return nil
		},
	}

	cmd.AddCommand(notifyCmd, kickCmd, unbanCmd, closeCmd, reopenCmd, logoutCmd)
	return cmd
}

func authConfig(cfg *config.Config) auth.Config {
	ac := auth.Config{
		Issuer:      cfg.AuthIssuer,
		TokenExpiry: cfg.TokenExpiry,
		CacheTTL:    cfg.AuthCacheTTL,
		Insecure:    cfg.AuthInsecure,
	}
	if cfg.AuthSecret != "" {
		ac.Secret = base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret))
	}
	return ac
}

type listeners struct {
	api   net.Addr
	admin net.Addr
}

// runServer runs until ctx is done or a server fails. ready, when set, is
// called once both listeners are bound.
func runServer(ctx context.Context, v *viper.Viper, ready func(listeners)) error {
	cfg, err := config.Load(v, false)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := storage.Open(cfg.StorageDriver, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewService(ctx, authConfig(cfg))
	if err != nil {
		return err
	}
	if cfg.AuthInsecure {
		logger.Warn("auth.insecure is set, claimed user ids are trusted")
	}

	hub := ws.NewHub(ws.HubConfig{
		Store:            store,
		Auth:             authService,
		Logger:           logger.Named("hub"),
		GracePeriod:      cfg.GracePeriod,
		ReapInterval:     cfg.ReapInterval,
		MaxMessageLength: cfg.MaxMessageLength,
	})
	wsServer := ws.NewServer(hub, ws.ServerConfig{
		AuthTimeout:    cfg.AuthTimeout,
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	var pusher notify.Pusher
	if cfg.PushEnabled() {
		pusher = notify.NewWebPusher(notify.WebPushConfig{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.PushSubscriber,
		})
	}
	relay := notify.New(notify.Config{
		Registry: hub.Registry(),
		Store:    store,
		Pusher:   pusher,
		Logger:   logger.Named("notify"),
	})

	deps := api.Dependencies{
		Verifier:       authService,
		Hub:            hub,
		Relay:          relay,
		Store:          store,
		Logger:         logger.Named("api"),
		Chat:           wsServer.HandleConnections,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	publicHandler, err := api.NewPublicHandler(deps)
	if err != nil {
		return err
	}
	internalHandler, err := api.NewInternalHandler(deps)
	if err != nil {
		return err
	}

	apiServer := http.NewAPIServer(publicHandler, cfg.APIAddr, logger)
	adminServer := http.NewAdminServer(internalHandler, cfg.AdminAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)
	g.Go(func() error {
		return hub.Run(gCtx)
	})

	if ready != nil {
		g.Go(func() error {
			apiAddr, err := apiServer.Addr(gCtx)
			if err != nil {
				return nil
			}
			adminAddr, err := adminServer.Addr(gCtx)
			if err != nil {
				return nil
			}
			ready(listeners{api: apiAddr, admin: adminAddr})
			return nil
		})
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown error", zap.Error(err))
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api server shutdown error", zap.Error(err))
		}
		wsServer.Close()
		return nil
	})

	return g.Wait()
}
