// Command memoriad runs the memory engine as a long-lived process: it loads
// configuration, constructs the orchestrator, and runs the ingestion and
// scheduler background loops until signaled to stop.
//
// memoriad has no command surface of its own (no subcommands, no dashboard
// HTTP listener); external callers reach the engine through whatever
// collaborator embeds it. This binary exists to prove the engine runs
// standalone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memoria/internal/config"
	"memoria/internal/logging"
	"memoria/internal/memoria"
)

func main() {
	configPath := flag.String("config", "memoria.yaml", "path to the config file")
	maintainInterval := flag.Duration("maintain-interval", 10*time.Minute, "interval between maintenance sweeps")
	flag.Parse()

	if err := run(*configPath, *maintainInterval); err != nil {
		fmt.Fprintf(os.Stderr, "memoriad: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, maintainInterval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := memoria.New(cfg)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}
	engine.Start()

	watcher, err := config.NewWatcher(configPath, func(reloaded *config.Config) {
		if err := logging.ReloadConfig(); err != nil {
			logging.BootWarn("logging config reload failed: %v", err)
		}
	})
	if err != nil {
		logging.BootWarn("config watcher unavailable, hot-reload disabled: %v", err)
	} else if err := watcher.Start(); err != nil {
		logging.BootWarn("config watcher failed to start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()

	logging.Boot("memoriad running (workspace=%s)", cfg.Workspace)

loop:
	for {
		select {
		case <-sigCh:
			logging.Boot("shutdown signal received")
			break loop
		case <-ticker.C:
			maintainCtx, maintainCancel := context.WithTimeout(ctx, 2*time.Minute)
			if err := engine.Maintain(maintainCtx); err != nil {
				logging.BootWarn("maintenance sweep failed: %v", err)
			}
			maintainCancel()
		}
	}

	cancel()
	if watcher != nil {
		watcher.Stop()
	}
	return engine.Close()
}
