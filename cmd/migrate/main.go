package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"investcalc.org/internal/config"
	"investcalc.org/internal/migrate"
	"investcalc.org/internal/obs"
	"investcalc.org/internal/store/pg"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (defaults to $INVESTCALC_CONFIG or ./config.yaml)")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides database.dsn)")
		timeout    = flag.Duration("timeout", 30*time.Second, "Overall command timeout")
	)
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	log := obs.Logger()

	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if cfg.Database.DSN == "" {
		log.Fatal().Msg("missing DSN: provide -dsn, database.dsn or INVESTCALC_DATABASE_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status|purge-tokens]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(cfg.Database.DSN, pg.Options{MaxOpenConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.Migrations(), migrate.Seeds())

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		if applied, err = mgr.Up(ctx); err == nil {
			log.Info().Strs("applied", applied).Msg("migrations applied")
		}
	case "down":
		var name string
		if name, err = mgr.Down(ctx); err == nil {
			log.Info().Str("migration", name).Msg("migration rolled back")
		}
	case "seed":
		var applied []string
		if applied, err = mgr.Seed(ctx); err == nil {
			log.Info().Strs("applied", applied).Msg("seeds applied")
		}
	case "status":
		var history []string
		if history, err = mgr.Status(ctx); err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "purge-tokens":
		var n int64
		if n, err = store.PurgeExpired(ctx, time.Now().UTC()); err == nil {
			obs.RecordPurge(n)
			log.Info().Int64("purged", n).Msg("expired refresh tokens purged")
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}
