// cmd/historian/main.go drains round actions queued in Redis into PostgreSQL.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/guess/internal/cache"
	"github.com/jason-s-yu/guess/internal/config"
	"github.com/jason-s-yu/guess/internal/database"
	"github.com/jason-s-yu/guess/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

func main() {
	cfg := &config.Config{}
	if err := config.NewHistorianCmd(cfg, run).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "guess-historian:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := cfg.Logger()

	pg, err := database.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	hcfg := historian.DefaultConfig()
	hcfg.Queue = cfg.QueueName
	hcfg.BatchSize = cfg.BatchSize
	hcfg.FlushInterval = cfg.FlushInterval
	hcfg.Inactivity = cfg.Inactivity

	return historian.New(rdb, pg, hcfg, logger).Run(ctx)
}
