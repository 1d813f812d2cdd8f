package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/agentauth/agentauth/pkg/authserver"
	"github.com/agentauth/agentauth/pkg/authserver/server"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server. The HS256 signing key must be provided
via the --jwt-secret flag or the AGENTAUTH_JWT_SECRET environment variable.`,
	RunE: runServe,
}

// defaultGracefulTimeout is a Kubernetes-friendly shutdown window.
const defaultGracefulTimeout = 30 * time.Second

func init() {
	flags := serveCmd.Flags()
	flags.String("address", ":8080", "Address to listen on")
	flags.String("issuer", "", "External base URL of this server (required)")
	flags.String("jwt-secret", "", "HS256 signing key for access tokens (required, min 32 bytes)")
	flags.Duration("access-token-ttl", storage.DefaultAccessTokenTTL, "Access token lifetime")
	flags.Duration("refresh-token-ttl", storage.DefaultRefreshTokenTTL, "Refresh token lifetime")
	flags.Duration("auth-request-ttl", storage.DefaultAuthRequestTTL, "Authorization request lifetime")
	flags.String("default-scope", authserver.DefaultScope, "Scope granted when a request has none")
	flags.String("storage", string(storage.TypeMemory), "Storage backend (memory or redis)")
	flags.String("redis-addr", "", "Redis address, required with --storage=redis")
	flags.String("redis-key-prefix", "agentauth:", "Redis key prefix")

	for _, name := range []string{
		"address", "issuer", "jwt-secret",
		"access-token-ttl", "refresh-token-ttl", "auth-request-ttl",
		"default-scope", "storage", "redis-addr", "redis-key-prefix",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg := &authserver.Config{
		Issuer:          viper.GetString("issuer"),
		ListenAddr:      viper.GetString("address"),
		JWTSecret:       []byte(viper.GetString("jwt-secret")),
		AccessTokenTTL:  viper.GetDuration("access-token-ttl"),
		RefreshTokenTTL: viper.GetDuration("refresh-token-ttl"),
		AuthRequestTTL:  viper.GetDuration("auth-request-ttl"),
		DefaultScope:    viper.GetString("default-scope"),
		Storage: &storage.Config{
			Type:           storage.Type(viper.GetString("storage")),
			RedisAddr:      viper.GetString("redis-addr"),
			RedisKeyPrefix: viper.GetString("redis-key-prefix"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := cfg.NewStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close storage: %v", err)
		}
	}()

	logger.Infow("starting authorization server",
		"issuer", cfg.Issuer,
		"address", cfg.ListenAddr,
		"storage", cfg.Storage.Type,
	)

	srv := server.New(cfg, store)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
