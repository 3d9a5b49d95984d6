package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-lending/config"
	"library-lending/httpapi"
	"library-lending/library"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:          "library-lending",
		Short:        "Lending library: catalog, borrowing and statistics",
		SilenceUsage: true,
		// Without a subcommand the interactive terminal starts.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runREPL(cmd.Context(), dbPath)
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides LIBRARY_DB)")

	root.AddCommand(
		&cobra.Command{
			Use:   "repl",
			Short: "Interactive terminal client",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runREPL(cmd.Context(), dbPath)
			},
		},
		newServeCmd(&dbPath),
		newCreateAdminCmd(&dbPath),
	)
	return root
}

// setup loads configuration and the logger; a non-empty dbPath wins over LIBRARY_DB.
func setup(dbPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, cfg.NewLogger(os.Stderr), nil
}

// ephemeralSecret signs sessions that only live as long as this process.
func ephemeralSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newServeCmd(dbPath *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*dbPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.ServerPort = port
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides SERVER_PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set to serve the API")
	}
	gin.SetMode(cfg.GinMode)

	opts := []library.GuardOption{}
	if cfg.RedisURL != "" {
		store, err := library.NewRedisRevocations(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("failed to connect to Redis", slog.String("error", err.Error()))
			return err
		}
		defer store.Close()
		opts = append(opts, library.WithRevocationStore(store))
		log.Info("revoked sessions kept in redis")
	}

	guard, err := library.NewGuard(cfg.JWTSecret, cfg.SessionTTL, log, opts...)
	if err != nil {
		return err
	}
	mgr, err := library.NewLibraryManager(cfg.DBPath, guard, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer mgr.Close()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      httpapi.NewServer(mgr, log).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", slog.Int("port", cfg.ServerPort), slog.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", slog.String("error", err.Error()))
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	log.Info("server stopped")
	return nil
}

func newCreateAdminCmd(dbPath *string) *cobra.Command {
	var username, email, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an ADMIN account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*dbPath)
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readPassword(fmt.Sprintf("Password for %s: ", username)); err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
			}

			secret := cfg.JWTSecret
			if secret == "" {
				if secret, err = ephemeralSecret(); err != nil {
					return err
				}
			}
			guard, err := library.NewGuard(secret, cfg.SessionTTL, log)
			if err != nil {
				return err
			}
			mgr, err := library.NewLibraryManager(cfg.DBPath, guard, log)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer mgr.Close()

			u, err := mgr.CreateAdmin(cmd.Context(), username, email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created admin '%s' with ID %d\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "admin username")
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// readPassword securely reads a password with masking
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}
