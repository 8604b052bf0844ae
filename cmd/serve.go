package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/qqqwwwyeee-boop/server5/internal/config"
	"github.com/qqqwwwyeee-boop/server5/internal/database"
	"github.com/qqqwwwyeee-boop/server5/internal/handler"
	"github.com/qqqwwwyeee-boop/server5/internal/logger"
	"github.com/qqqwwwyeee-boop/server5/internal/metrics"
	"github.com/qqqwwwyeee-boop/server5/internal/service"
	"github.com/qqqwwwyeee-boop/server5/internal/store"
)

const shutdownTimeout = 10 * time.Second

// server holds everything serve needs to run and tear down.
type server struct {
	app      *fiber.App
	db       *gorm.DB
	store    store.Store
	licenses *service.LicenseService
	sheets   *service.SheetSyncService
}

func (s *server) Close() error {
	if s.licenses != nil {
		s.licenses.Close()
	}
	var firstErr error
	if s.store != nil {
		firstErr = s.store.Close()
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openStore opens the audit database and the configured key store. The
// audit trail lives in sqlite or postgres even when keys live in redis.
func openStore(ctx context.Context, cfg *config.Config) (*gorm.DB, store.Store, error) {
	opts := database.Options{Driver: database.DriverSQLite, Path: cfg.DatabasePath}
	if cfg.StoreBackend == config.BackendPostgres {
		opts = database.Options{Driver: database.DriverPostgres, DSN: cfg.PostgresDSN}
	}
	db, err := database.Open(opts)
	if err != nil {
		return nil, nil, err
	}

	if cfg.StoreBackend != config.BackendRedis {
		return db, store.NewGormStore(db), nil
	}

	rdb, err := store.ConnectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		_ = database.Close(db)
		return nil, nil, err
	}
	return db, store.NewRedisStore(rdb, cfg.RedisPrefix), nil
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	db, st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv := &server{db: db, store: st}

	sheets, err := service.NewSheetSyncService(ctx, cfg.Sheets.Enabled, cfg.Sheets.CredentialPath, cfg.Sheets.SpreadsheetID, cfg.Sheets.SheetName)
	if err != nil {
		_ = srv.Close()
		return nil, errors.Wrap(err, "init sheet sync")
	}
	srv.sheets = sheets

	var opts []service.Option
	if sheets != nil {
		opts = append(opts, service.WithMirror(sheets))
	}
	var m *metrics.Manager
	if cfg.MetricsEnabled {
		m = metrics.NewManager(st)
		opts = append(opts, service.WithCheckObserver(m))
	}
	srv.licenses = service.NewLicenseService(st, opts...)

	srv.app = handler.NewApp(handler.Deps{
		Licenses:        srv.licenses,
		Audit:           service.NewAuditLog(db),
		Metrics:         m,
		JWTSecret:       cfg.JWTSecret,
		AdminSecretHash: cfg.AdminSecretHash,
		TokenTTL:        cfg.TokenTTL,
		CheckRateLimit:  cfg.CheckRateLimit,
		AccessLog:       true,
	})
	return srv, nil
}

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the license authority HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			closer, err := logger.Setup(logger.Options{
				Level:      cfg.LogLevel,
				Format:     cfg.LogFormat,
				Path:       cfg.LogPath,
				MaxSize:    cfg.LogMaxSize,
				MaxBackups: cfg.LogMaxBackups,
				MaxAge:     cfg.LogMaxAge,
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, cfg)
			if err != nil {
				return err
			}
			defer srv.Close()

			if cfg.AdminSecretHash == "" {
				log.Warn().Msg("adminSecretHash is not set, management endpoints cannot be unlocked")
			}

			return run(ctx, srv.app, cfg.Addr())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default ./config.{toml,yaml})")
	return cmd
}

// run serves until ctx is cancelled, then shuts the app down.
func run(ctx context.Context, app *fiber.App, addr string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("license authority listening")
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
