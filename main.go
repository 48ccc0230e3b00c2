package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hbomb79/theapipe/internal/api"
	"github.com/hbomb79/theapipe/internal/approval"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/config"
	"github.com/hbomb79/theapipe/internal/coordinator"
	"github.com/hbomb79/theapipe/internal/devstack"
	"github.com/hbomb79/theapipe/internal/processors"
	"github.com/hbomb79/theapipe/internal/reconcile"
	"github.com/hbomb79/theapipe/internal/registry"
	"github.com/hbomb79/theapipe/internal/watch"
	"github.com/hbomb79/theapipe/pkg/logger"
)

const VERSION = "1.0"

var (
	log = logger.Get("Bootstrap")

	logLevelFlag  = flag.String("log-level", "info", "Define logging level from one of [verbose, debug, info, important, warning, error]")
	helpFlag      = flag.Bool("help", false, "Whether to display help information")
	configFlag    = flag.String("config", config.DefaultConfigPath(), "The path to the config file theapipe will load")
	devStackFlag  = flag.Bool("dev-stack", false, "Spawn local Postgres/Redis containers backing the catalog and broker before connecting to them, for local development")
)

func main() {
	flag.Parse()

	level, err := parseLogLevelFromString(*logLevelFlag)
	if err != nil {
		fmt.Println(err.Error())
		flag.Usage()
		return
	}
	logger.SetMinLoggingLevel(level)

	if *helpFlag {
		flag.Usage()
		return
	}

	log.Emit(logger.DEBUG, "Loading configuration from '%s'\n", *configFlag)
	cfg, err := config.LoadFromFile(*configFlag)
	if err != nil {
		log.Emit(logger.FATAL, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Emit(logger.FATAL, "theapipe exited with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "theapipe shutdown complete\n")
}

// run wires every subsystem together and blocks until ctx is cancelled by
// a signal: sequential construction of fallible collaborators (any of which
// aborts startup outright), followed by a sync.WaitGroup of long-running
// services, each wrapped in spawnService's panic-recovering crash handler.
func run(cfg *config.Config) error {
	log.Emit(logger.INFO, " --- Starting theapipe (version %s) ---\n", VERSION)

	ctx, cancel := context.WithCancel(context.Background())
	go listenForInterrupt(cancel)

	if *devStackFlag {
		stackManager, err := startDevStack(cfg)
		if err != nil {
			return fmt.Errorf("starting dev stack: %w", err)
		}
		defer stackManager.Shutdown(10 * time.Second)
	}

	db, err := catalog.Connect(cfg.Catalog.ConnectionString())
	if err != nil {
		return fmt.Errorf("connecting to catalog: %w", err)
	}
	store := catalog.NewStore(db)

	if err := seedQueueMode(store, cfg.QueueMode.Default); err != nil {
		return fmt.Errorf("seeding queue mode: %w", err)
	}

	rdb := broker.NewClient(cfg.Broker)
	brk := broker.New(rdb, cfg.Broker)

	reg, err := registry.New(
		processors.Transcribe(cfg.Secrets),
		processors.Summarize(cfg.Secrets),
		processors.Vision(cfg.Secrets),
	)
	if err != nil {
		return fmt.Errorf("building processor registry: %w", err)
	}

	if err := seedProcessorConfigs(store, reg); err != nil {
		return fmt.Errorf("seeding processor configs: %w", err)
	}

	gate := approval.New(store, reg, brk)
	reconciler := reconcile.New(store, brk)
	coord := coordinator.New(store, reg, brk, gate)
	dispatcher := coordinator.NewDispatcher(store, reg, brk, coord, cfg.Worker.Concurrency, cfg.Worker.ProcessorTimeout())
	coord.SetWaker(dispatcher)
	gate.SetWaker(dispatcher)

	fsWatcher, err := watch.New(cfg.Watch.DropPath, cfg.Watch.Blacklist, cfg.Watch.DebounceDuration())
	if err != nil {
		return fmt.Errorf("building filesystem watcher: %w", err)
	}

	var promptsWatcher *watch.PromptsWatcher
	if cfg.Watch.PromptsPath != "" {
		promptsWatcher, err = watch.NewPromptsWatcher(cfg.Watch.PromptsPath, cfg.Watch.Blacklist, cfg.Watch.DebounceDuration())
		if err != nil {
			return fmt.Errorf("building prompts watcher: %w", err)
		}
	}

	apiServer := api.New(store, brk, reg, gate, dispatcher, cfg.API.OperatorToken)

	if err := reconciler.Run(ctx); err != nil {
		return fmt.Errorf("startup reconciliation sweep: %w", err)
	}

	var wg sync.WaitGroup
	crashHandler := func(source string) func(error) {
		return func(err error) {
			if err == nil {
				return
			}
			log.Emit(logger.FATAL, "%s crashed: %v\n", source, err)
			cancel()
		}
	}

	spawnService(&wg, "coordinator", crashHandler("coordinator"), func() error { return coord.Run(ctx) })
	spawnService(&wg, "reconciler", crashHandler("reconciler"), func() error { return reconciler.RunPeriodic(ctx, cfg.Reconcile.Interval()) })
	spawnService(&wg, "broker-sweeper", crashHandler("broker-sweeper"), func() error { return brk.RunSweeper(ctx, cfg.Broker.SweepInterval()) })
	spawnService(&wg, "watcher", crashHandler("watcher"), func() error { return fsWatcher.Run(ctx) })
	spawnService(&wg, "watcher-bridge", crashHandler("watcher-bridge"), func() error {
		coord.WatchEvents(ctx, fsWatcher.Events())
		return nil
	})

	if promptsWatcher != nil {
		spawnService(&wg, "prompts-watcher", crashHandler("prompts-watcher"), func() error { return promptsWatcher.Run(ctx) })
	}

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting worker dispatch: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		dispatcher.Stop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(cfg.API.BindAddress); err != nil {
			log.Emit(logger.ERROR, "control API stopped: %v\n", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		apiServer.Stop()
	}()

	wg.Wait()
	return nil
}

// spawnService runs fn in its own goroutine, recovering any panic and
// routing both panics and returned errors through handler.
func spawnService(wg *sync.WaitGroup, name string, handler func(error), fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				handler(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		if err := fn(); err != nil {
			handler(err)
		}
	}()
}

// startDevStack spins up the local Postgres and Redis containers the
// catalog and broker will then connect to as if they were any other
// externally-managed backend. Only reached when -dev-stack is passed;
// production deployments point Catalog/Broker config at their own
// externally-managed instances instead.
func startDevStack(cfg *config.Config) (*devstack.Manager, error) {
	manager, err := devstack.NewManager()
	if err != nil {
		return nil, err
	}
	errChannel := make(chan error, 2)

	log.Emit(logger.INFO, "dev-stack: spawning catalog Postgres container\n")
	if err := devstack.SpawnCatalogDatabase(manager, devstack.CatalogConfig{
		User:     cfg.Catalog.User,
		Password: cfg.Catalog.Password,
		Name:     cfg.Catalog.Name,
		Host:     cfg.Catalog.Host,
		Port:     cfg.Catalog.Port,
	}, errChannel); err != nil {
		return nil, fmt.Errorf("spawning catalog database container: %w", err)
	}

	log.Emit(logger.INFO, "dev-stack: spawning broker Redis container\n")
	if err := devstack.SpawnBrokerStore(manager, devstack.BrokerConfig{
		Host: cfg.Broker.Host,
		Port: cfg.Broker.Port,
	}, errChannel); err != nil {
		return nil, fmt.Errorf("spawning broker store container: %w", err)
	}

	go func() {
		if err := <-errChannel; err != nil {
			log.Emit(logger.FATAL, "dev-stack container crashed: %v\n", err)
		}
	}()

	return manager, nil
}

func seedQueueMode(store *catalog.Store, defaultMode string) error {
	mode := catalog.QueueMode(defaultMode)
	if mode != catalog.QueueModeAuto && mode != catalog.QueueModeApproval {
		return fmt.Errorf("default_queue_mode %q is not one of auto|approval", defaultMode)
	}

	_, err := store.GetSetting(catalog.SettingQueueMode)
	if err == nil {
		return nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}

	return store.SetQueueMode(mode)
}

// seedProcessorConfigs writes a default config row for every registered
// descriptor that has none yet, so a fresh catalog dispatches work without
// the operator first POSTing each binding through the control API. Rows the
// operator has already created or edited are left untouched - the catalog
// row, not the descriptor, is authoritative once it exists. The defaults
// are permissive (enabled, user-selectable, derivative-consuming); the
// operator tightens them through /processor-configs where needed.
func seedProcessorConfigs(store *catalog.Store, reg *registry.Registry) error {
	for _, desc := range reg.All() {
		_, err := store.GetProcessorConfig(desc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}

		if err := store.UpsertProcessorConfig(catalog.ProcessorConfig{
			Name:               desc.Name,
			Implementation:     desc.Name,
			InputExtensions:    desc.InputExtensions,
			OutputExt:          desc.OutputExt,
			DependsOn:          desc.DependsOn,
			IsEnabled:          true,
			AllowUserSelection: true,
			AllowDerivedFiles:  true,
		}); err != nil {
			return fmt.Errorf("seeding config for %q: %w", desc.Name, err)
		}

		log.Emit(logger.DEBUG, "seeded default processor config for %q\n", desc.Name)
	}

	return nil
}

func listenForInterrupt(cancel context.CancelFunc) {
	exitChannel := make(chan os.Signal, 1)
	signal.Notify(exitChannel, os.Interrupt, syscall.SIGTERM)

	<-exitChannel
	log.Emit(logger.STOP, "signal received, shutting down\n")
	cancel()

	// Give in-flight services a bounded window to exit gracefully before
	// the process-level deadline enforced by an external supervisor bites.
	time.AfterFunc(30*time.Second, func() {
		log.Emit(logger.WARNING, "graceful shutdown taking longer than 30s\n")
	})
}

func parseLogLevelFromString(l string) (logger.LogLevel, error) {
	switch strings.ToLower(l) {
	case "verbose":
		return logger.VERBOSE.Level(), nil
	case "debug":
		return logger.DEBUG.Level(), nil
	case "info":
		return logger.INFO.Level(), nil
	case "important":
		return logger.SUCCESS.Level(), nil
	case "warning":
		return logger.WARNING.Level(), nil
	case "error":
		return logger.ERROR.Level(), nil
	default:
		return logger.INFO.Level(), fmt.Errorf("logging level %s is not recognized", l)
	}
}
