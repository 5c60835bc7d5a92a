// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jason-s-yu/guess/internal/cache"
	"github.com/jason-s-yu/guess/internal/config"
	"github.com/jason-s-yu/guess/internal/database"
	"github.com/jason-s-yu/guess/internal/game"
	"github.com/jason-s-yu/guess/internal/handlers"
	"github.com/jason-s-yu/guess/internal/messaging"
	"github.com/jason-s-yu/guess/internal/metrics"
	"github.com/jason-s-yu/guess/internal/middleware"
	"github.com/jason-s-yu/guess/internal/session"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	cfg := &config.Config{}
	if err := config.NewServerCmd(cfg, run).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "guess-server:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := cfg.Logger()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	if err := seedQuestions(ctx, db, logger); err != nil {
		return err
	}

	deps := game.RoomDeps{
		Questions: db,
		Config: game.RoundConfig{
			Duration:    cfg.RoundDuration,
			ShrinkTo:    cfg.ShrinkWindow,
			ShrinkGuard: cfg.ShrinkGuard,
			Draw:        game.DefaultDrawPolicy(),
		},
		Logger: logger,
	}
	if cfg.RedisAddr != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		deps.Recorder = cache.NewRecorder(rdb, cfg.QueueName)
		logger.WithField("queue", cfg.QueueName).Info("recording round history")
	}

	registry := session.NewRegistry(logger)
	registry.OnCountChange = func(n int) { metrics.Connections.Set(float64(n)) }
	messenger := messaging.New(registry, logger)
	deps.Notifier = messenger

	rooms := game.NewRoomStore(deps)
	rooms.OnCountChange = func(n int) { metrics.Rooms.Set(float64(n)) }
	defer rooms.StopAll()

	dispatcher := handlers.NewDispatcher(registry, rooms, messenger, db, logger)
	defer dispatcher.Wait()

	opts := handlers.DefaultSocketOptions()
	opts.OutboxSize = cfg.OutboxSize
	opts.PingInterval = cfg.PingInterval
	opts.RateLimit = rate.Limit(cfg.RateLimit)
	opts.RateBurst = cfg.RateBurst

	logged := middleware.LogMiddleware(logger)
	mux := http.NewServeMux()
	mux.Handle("/room", logged(handlers.RoomWSHandler(logger, dispatcher, opts)))
	mux.Handle("/rooms", logged(handlers.RoomsHandler(logger, rooms)))

	servers := []*http.Server{{
		Addr:              net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked sockets outlive Shutdown; ending ctx ends their read loops.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}}
	if cfg.MetricsPort != 0 {
		servers = append(servers, &http.Server{
			Addr:              net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.MetricsPort)),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Infof("Running on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("server forced to shutdown")
			}
		}
		return nil
	})
	return g.Wait()
}

// seedQuestions fills an empty question bank so a fresh database is playable.
func seedQuestions(ctx context.Context, db database.Backend, logger *logrus.Logger) error {
	n, err := db.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := db.AddQuestions(ctx, database.DefaultQuestions...); err != nil {
		return fmt.Errorf("seed questions: %w", err)
	}
	logger.WithField("count", len(database.DefaultQuestions)).Info("seeded question bank")
	return nil
}
