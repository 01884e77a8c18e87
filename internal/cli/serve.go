package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RC-CHN/bay/internal/api"
	"github.com/RC-CHN/bay/internal/cargo"
	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/gc"
	"github.com/RC-CHN/bay/internal/router"
	"github.com/RC-CHN/bay/internal/sandbox"
	"github.com/RC-CHN/bay/internal/session"
	"github.com/RC-CHN/bay/internal/store"

	// Register docker driver
	_ "github.com/RC-CHN/bay/internal/driver/docker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bay orchestration server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(); err != nil {
			log.Error().Err(err).Msg("Server exited with error")
			os.Exit(1)
		}
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	profiles, err := config.LoadProfiles(cfg.Profiles.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load profiles")
		return err
	}
	log.Info().Str("driver", cfg.Driver.Name).Str("addr", cfg.Server.Addr).
		Int("profiles", len(profiles.List())).Msg("🚢 Starting Bay")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open metadata store")
		return err
	}
	defer st.Close()

	drv, err := driver.New(cfg.Driver.Name, map[string]any{"host": cfg.Driver.Host})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize driver")
		return err
	}
	defer drv.Close()

	// Driver handshake; a dead fabric is a fatal startup error.
	handshakeCtx, cancelHandshake := context.WithTimeout(context.Background(), 5*time.Second)
	err = drv.Healthy(handshakeCtx)
	cancelHandshake()
	if err != nil {
		log.Error().Err(err).Msg("Driver handshake failed")
		return err
	}

	registry := prometheus.NewRegistry()

	sessions := session.NewManager(st, drv, profiles, session.Options{
		ReadinessBudget: cfg.Timeouts.ReadinessBudget,
		AdapterTimeout:  cfg.Timeouts.DriverOperation,
	})
	cargos := cargo.NewManager(st, drv)
	sandboxes := sandbox.NewManager(st, cargos, sessions, profiles, sandbox.Options{
		MaxActiveSandboxes: cfg.Quota.MaxActiveSandboxes,
	})
	rt := router.New(st, sessions, profiles, cfg.Timeouts.CapabilityDefault, cfg.Timeouts.CapabilityCeiling)
	cargos.SetInvoker(rt)

	scheduler := gc.NewScheduler(st, drv, sessions, sandboxes, cargos, profiles, gc.Options{
		Interval:             cfg.GC.Interval,
		OrphanGrace:          cfg.GC.OrphanGrace,
		TombstoneRetention:   cfg.GC.TombstoneRetention,
		IdempotencyRetention: cfg.GC.IdempotencyRetention,
	}, registry)

	// One-shot reconcile before serving: store and fabric must agree on
	// what exists before callers arrive.
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), cfg.Timeouts.DriverOperation)
	scheduler.RunAll(reconcileCtx)
	cancelReconcile()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(st, sandboxes, cargos, rt, scheduler, profiles,
		cfg.Server.APIKey, cfg.GC.IdempotencyRetention, registry)
	h.RegisterRoutes(e)

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	serverCtx, cancelServer := context.WithCancel(context.Background())
	g.Add(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("🚀 Server listening")
		if err := e.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
	})

	g.Add(func() error {
		return scheduler.Run(serverCtx)
	}, func(error) {
		cancelServer()
	})

	err = g.Run()
	var sigErr run.SignalError
	if err != nil && !errors.As(err, &sigErr) && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
