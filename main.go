package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaoslab/control-plane/internal/config"
	"github.com/chaoslab/control-plane/internal/crypto"
	"github.com/chaoslab/control-plane/internal/database"
	"github.com/chaoslab/control-plane/internal/expiry"
	"github.com/chaoslab/control-plane/internal/handlers"
	"github.com/chaoslab/control-plane/internal/logging"
	"github.com/chaoslab/control-plane/internal/membership"
	"github.com/chaoslab/control-plane/internal/provision"
	"github.com/chaoslab/control-plane/internal/relay"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/sshterminal"
	"github.com/chaoslab/control-plane/internal/teardown"
)

const shutdownTeardownTimeout = 15 * time.Minute

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--history":
			runHistoryCommand()
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	catalog, err := config.LoadCatalog(config.Cfg.CatalogPath)
	if err != nil {
		log.Fatalf("Catalog: %v", err)
	}
	log.Printf("Config: backend=%s, session=%s, extension=%s, sweep=%q, catalog entries=%d",
		config.Cfg.Backend, config.Cfg.SessionDuration, config.Cfg.ExtensionDuration,
		config.Cfg.SweepSchedule, len(catalog.Scenarios))

	ledger, err := database.Open(config.Cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer ledger.Close()

	// Credentials only live as long as the process, so the sealing key does too.
	vault, err := crypto.NewVault()
	if err != nil {
		log.Fatalf("Credential vault: %v", err)
	}

	ctx := context.Background()
	backend, err := newBackend(ctx)
	if err != nil {
		log.Fatalf("Backend %s: %v", config.Cfg.Backend, err)
	}

	registry := scenario.NewRegistry()
	timers := expiry.NewTimers(config.Cfg.SessionDuration, config.Cfg.ExtensionDuration)
	members := membership.NewTracker(registry)

	var coordinator *teardown.Coordinator
	relayCfg := relay.Config{
		Dialer: &sshterminal.SSHDialer{
			DefaultUser:    config.Cfg.SSHUser,
			ConnectTimeout: config.Cfg.SSHConnectTimeout,
		},
		Sessions:    registry,
		Members:     members,
		Credentials: vault,
	}
	if config.Cfg.TeardownOnShellExit {
		relayCfg.OnShellExit = func(sessionID string) {
			coordinator.Schedule(sessionID, teardown.ReasonShellExit)
		}
	}
	engine := relay.NewEngine(relayCfg)

	coordinator = teardown.New(teardown.Config{
		Registry:  registry,
		Timers:    timers,
		Transport: engine,
		Members:   members,
		Destroyer: backend,
		Keys: &provision.CLIKeyReleaser{
			Command: config.Cfg.KeyReleaseCommand,
			Runner:  provision.ExecRunner{},
		},
		Evictor:               engine,
		Recorder:              ledger,
		DestroyTimeout:        config.Cfg.DestroyTimeout,
		FailureDestroyTimeout: config.Cfg.ProvisionFailureDestroyTimeout,
	})

	service := &provision.Service{
		Backend:  backend,
		Catalog:  catalog,
		Registry: registry,
		Timers:   timers,
		Sealer:   vault,
		Teardown: coordinator,
		Recorder: ledger,
		WorkRoot: config.Cfg.WorkDir,
	}

	sweeper, err := expiry.NewSweeper(timers, coordinator, config.Cfg.SweepSchedule)
	if err != nil {
		log.Fatalf("Expiry sweeper: %v", err)
	}
	sweeper.Start()

	srvHandlers := &handlers.Server{
		Provisioner:       service,
		Registry:          registry,
		Timers:            timers,
		Members:           members,
		Relay:             engine,
		Teardown:          coordinator,
		History:           ledger,
		BackendName:       backend.Name(),
		AllowedOrigins:    config.Cfg.AllowedOrigins,
		LastClientGrace:   config.Cfg.LastClientGrace,
		SlowClientTimeout: config.Cfg.SlowClientTimeout,
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: srvHandlers.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-sweeper.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), shutdownTeardownTimeout)
	defer cancelTeardown()
	if n := coordinator.TeardownAll(teardownCtx, teardown.ReasonShutdown); n > 0 {
		log.Printf("Tore down %d active session(s)", n)
	}
	if err := coordinator.Wait(teardownCtx); err != nil {
		log.Printf("Background teardowns still running: %v", err)
	}
	log.Println("Server stopped")
}

// newBackend builds the configured provisioning backend.
func newBackend(ctx context.Context) (provision.Backend, error) {
	switch config.Cfg.Backend {
	case "docker":
		d := &provision.Docker{
			Host:        config.Cfg.DockerHost,
			Image:       config.Cfg.DockerImage,
			MemoryLimit: config.Cfg.DockerMemoryLimit,
			User:        config.Cfg.SSHUser,
		}
		if err := d.Initialize(ctx); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return &provision.Terraform{
			Bin:          config.Cfg.TerraformBin,
			Source:       config.Cfg.ModuleSource,
			Region:       config.Cfg.AWSRegion,
			Runner:       provision.ExecRunner{},
			InitTimeout:  config.Cfg.InitTimeout,
			ApplyTimeout: config.Cfg.ApplyTimeout,
		}, nil
	}
}

func runHistoryCommand() {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	session := fs.String("session", "", "Session id (default: most recent events)")
	limit := fs.Int("limit", 50, "Number of events")
	fs.Parse(os.Args[2:])

	config.Load()
	ledger, err := database.Open(config.Cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer ledger.Close()

	var events []database.ScenarioEvent
	if *session != "" {
		events, err = ledger.ForSession(*session)
	} else {
		events, err = ledger.Recent(*limit)
	}
	if err != nil {
		log.Fatalf("Failed to read history: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	for _, ev := range events {
		fmt.Printf("%s  %-18s %-32s %s\n", ev.CreatedAt.Format(time.RFC3339), ev.Kind, ev.SessionID, ev.Detail)
	}
}
