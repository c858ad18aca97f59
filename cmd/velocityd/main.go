package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tdoan35/velocity-sub008/pkg/api"
	"github.com/tdoan35/velocity-sub008/pkg/auth"
	"github.com/tdoan35/velocity-sub008/pkg/config"
	"github.com/tdoan35/velocity-sub008/pkg/ledger"
	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/manager"
	"github.com/tdoan35/velocity-sub008/pkg/monitoring"
	"github.com/tdoan35/velocity-sub008/pkg/provider"
	"github.com/tdoan35/velocity-sub008/pkg/quota"
	"github.com/tdoan35/velocity-sub008/pkg/realtime"
	"github.com/tdoan35/velocity-sub008/pkg/scheduler"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "velocityd",
	Short: "Velocity preview orchestrator",
	Long: `Velocityd provisions ephemeral preview machines for user projects,
tracks their lifecycle against tier budgets, and tears them down when
they expire, fail, or are explicitly stopped.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"velocityd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Start the control API, the session manager, and the periodic
maintenance jobs. Configuration comes from the optional --config file
plus environment variables; see pkg/config for the full set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Fatal config error at boot: exit 1 via Execute
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := ledger.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open session ledger: %w", err)
	}
	defer store.Close()

	busOpts := []monitoring.Option{monitoring.WithStore(store)}
	if cfg.WebhookURL != "" {
		busOpts = append(busOpts, monitoring.WithWebhook(cfg.WebhookURL))
	}
	bus := monitoring.NewBus(busOpts...)

	fly := provider.NewFlyProvider(provider.FlyConfig{
		APIBase:    cfg.MachinesAPI,
		Token:      cfg.FlyAPIToken,
		AppName:    cfg.FlyAppName,
		PreviewURL: cfg.PreviewURL,
	})

	var registrar realtime.Registrar = realtime.NoopRegistrar{}
	if cfg.RealtimeURL != "" {
		registrar = realtime.NewHTTPRegistrar(cfg.RealtimeURL)
	}

	authClient := auth.NewClient(cfg.AuthURL, cfg.AuthServiceKey)

	mgr := manager.New(store, fly, registrar, bus)
	engine := quota.NewEngine(authClient.TierResolver())
	sched := scheduler.New(mgr, fly, store, bus)
	server := api.New(mgr, fly, engine, bus, sched, authClient)

	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
