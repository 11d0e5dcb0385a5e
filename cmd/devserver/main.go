package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/PaulBabatuyi/chatview/internal/auth"
	"github.com/PaulBabatuyi/chatview/internal/config"
	"github.com/PaulBabatuyi/chatview/internal/data"
	"github.com/PaulBabatuyi/chatview/internal/db"
	"github.com/PaulBabatuyi/chatview/internal/devserver"
	"github.com/PaulBabatuyi/chatview/internal/obs"
	"github.com/PaulBabatuyi/chatview/internal/ratelimit"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("could not load .env", "error", err)
	}
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLoggerTo(os.Stdout, cfg.Env, obs.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dev server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Seed {
		users, err := devserver.Seed(ctx, store)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		for _, u := range users {
			logger.Info("seeded user", "username", u.Username, "user_id", u.ID)
		}
	}

	// Token valid for TokenTTL. JWT_KEYS enables rotation; otherwise a
	// single JWT_SECRET signs everything.
	var jwtMgr *auth.JWTManager
	if len(cfg.JWTKeys) > 0 {
		jwtMgr = auth.NewJWTManagerFromKeys(cfg.JWTKeys, cfg.JWTActiveKid, cfg.TokenTTL)
	} else {
		jwtMgr = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	}

	// small burst allows a couple of quick retries
	limiter := ratelimit.NewLimiterStore(cfg.RateLimitRPM, 3, time.Minute)
	defer limiter.Stop()

	srv := devserver.New(devserver.Options{
		Store:   store,
		Auth:    jwtMgr,
		Limiter: limiter,
		Logger:  logger,
		Env:     cfg.Env,
	})

	serverOpts := srv.GRPCServerOptions()
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS certs: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(serverOpts...)
	srv.RegisterGRPC(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	httpServer := srv.HTTPServer(cfg.HTTPAddr)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	return nil
}

// openStore connects to MongoDB when MONGODB_URI is set and falls back to an
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Server, logger *slog.Logger) (data.Store, func(), error) {
	if cfg.MongoURI == "" {
		logger.Info("MONGODB_URI not set, using in-memory store")
		return data.NewMemoryStore(), func() {}, nil
	}

	dbClient, err := db.New(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, nil, err
	}
	if err := dbClient.CreateIndexes(ctx); err != nil {
		_ = dbClient.Close(context.Background())
		return nil, nil, err
	}

	store := data.NewMongoStore(
		data.NewUsersStore(dbClient.UsersCollection()),
		data.NewConversationsStore(dbClient.ConversationsCollection()),
		data.NewMessagesStore(dbClient.MessagesCollection()),
	)
	return store, func() { _ = dbClient.Close(context.Background()) }, nil
}
