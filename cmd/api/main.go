package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"investcalc.org/internal/auth"
	"investcalc.org/internal/config"
	"investcalc.org/internal/grpcapi"
	"investcalc.org/internal/httpapi"
	"investcalc.org/internal/obs"
	"investcalc.org/internal/report"
	"investcalc.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults to $INVESTCALC_CONFIG or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	obs.SetBuildInfo(version, commit)

	if err := run(cfg); err != nil {
		obs.Logger().Fatal().Err(err).Msg("api stopped with error")
	}
}

type stores struct {
	creds  auth.CredentialStore
	ledger auth.Ledger
	source report.Source
	sink   report.Sink
	ready  httpapi.ReadyProbe
	close  func() error
}

func openStores(cfg config.DatabaseConfig) (stores, error) {
	if cfg.DSN == "" {
		obs.Logger().Warn().Msg("database.dsn is empty; using in-memory stores")
		records := report.NewMemorySource()
		return stores{
			creds:  auth.NewMemoryCredentials(),
			ledger: auth.NewMemoryLedger(),
			source: records,
			sink:   records,
			close:  func() error { return nil },
		}, nil
	}
	store, err := pg.Open(cfg.DSN, pg.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}
	return stores{
		creds:  store,
		ledger: store,
		source: store,
		sink:   store,
		ready:  httpapi.ReadyProbe{DB: store.DB()},
		close:  store.Close,
	}, nil
}

func newAuthService(cfg config.AuthConfig, creds auth.CredentialStore, ledger auth.Ledger) (*auth.Service, error) {
	keys := make([]auth.Key, 0, len(cfg.SigningKeys))
	for _, raw := range cfg.SigningKeys {
		k, err := auth.ParseKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	keySet, err := auth.NewKeySet(cfg.KeyGrace, keys...)
	if err != nil {
		return nil, err
	}
	codec, err := auth.NewCodec(keySet, auth.WithIssuer(cfg.Issuer), auth.WithRevocationLedger(ledger))
	if err != nil {
		return nil, err
	}
	return auth.NewService(creds, ledger, codec,
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithReuseDetection(cfg.ReuseDetection),
	)
}

func run(cfg *config.Config) error {
	log := obs.Logger()

	st, err := openStores(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	authSvc, err := newAuthService(cfg.Auth, st.creds, st.ledger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	reports, err := report.NewService(report.DefaultCatalog(), st.source, report.WithSink(st.sink))
	if err != nil {
		return err
	}
	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("http.trusted_proxies: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.BootstrapAdmin != "" {
		p, created, err := authSvc.EnsurePrincipal(ctx, cfg.Auth.BootstrapAdmin, cfg.Auth.BootstrapSecret, []string{auth.RoleAdmin})
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		log.Info().Str("principal_id", p.ID).Bool("created", created).Msg("bootstrap admin ready")
	}

	if cfg.Ledger.PurgeInterval > 0 {
		go purgeLedger(ctx, authSvc, cfg.Ledger.PurgeInterval)
	}

	api := httpapi.New(authSvc, reports, st.ready, httpapi.Options{
		Version:                 version,
		MaxBodyBytes:            cfg.HTTP.MaxBodyBytes,
		CORSOrigins:             cfg.HTTP.CORSOrigins,
		ReportRequestsPerMinute: cfg.HTTP.ReportRequestsPerMinute,
		LoginRate:               cfg.Auth.LoginRate,
		LoginBurst:              cfg.Auth.LoginBurst,
		TrustedProxies:          proxies,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcSrv *grpcapi.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpcapi.New(authSvc, st.ready, grpcapi.DefaultPolicy())
		go grpcSrv.WatchHealth(ctx, 10*time.Second)
		go func() {
			log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("stopped")
	return nil
}

func purgeLedger(ctx context.Context, svc *auth.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpired(ctx)
			if err != nil {
				obs.Logger().Error().Err(err).Msg("purge refresh ledger")
				continue
			}
			obs.RecordPurge(n)
			if n > 0 {
				obs.Logger().Info().Int64("purged", n).Msg("refresh ledger purged")
			}
		}
	}
}
