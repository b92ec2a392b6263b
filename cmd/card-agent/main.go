package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cardpilot/card-agent/internal/api"
	"github.com/cardpilot/card-agent/internal/config"
	"github.com/cardpilot/card-agent/internal/core"
	"github.com/cardpilot/card-agent/internal/deliver"
	"github.com/cardpilot/card-agent/internal/history"
	"github.com/cardpilot/card-agent/internal/logging"
	"github.com/cardpilot/card-agent/internal/settings"
	"github.com/cardpilot/card-agent/internal/tray"
)

func main() {
	// Define flags
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	cfgFlag := flag.String("config", "", "Path to YAML config file")

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Card Agent - Local contactless card reader service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  card-agent [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_PORT      Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_HOST      Host to bind to (default: %s)\n", config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_POLL_MS   Auto-read interval in ms (default: %d)\n", config.DefaultPollIntervalMs)
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	cfg, err := config.Load(*cfgFlag)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	run(cfg, *noTrayFlag)
}

func printVersion() {
	fmt.Printf("card-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func run(cfg *config.Config, headless bool) {
	// Initialize logging system
	logging.Init(1000, logging.LevelDebug)
	logging.Info(logging.CatSystem, "Card Agent starting", map[string]any{
		"version": api.Version,
	})

	userSettings, err := settings.Load()
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}

	logging.InitSentry(api.Version, userSettings.CrashReporting)

	factory := core.DetectFactory()
	ledger := history.New()
	sink := deliver.Clipboard{}
	orch := core.NewOrchestrator(factory, ledger, sink, settings.IsAutoCopyEnabled)

	if orch.Available() {
		if err := orch.Connect(); err != nil {
			logging.Warn(logging.CatReader, "No reader at startup, connect later via API", map[string]any{
				"error": err.Error(),
			})
		}
	} else {
		logging.Warn(logging.CatSystem, "PC/SC unavailable, running without reader access", nil)
	}

	pollInterval := cfg.PollInterval()
	if userSettings.PollIntervalMs > 0 {
		pollInterval = time.Duration(userSettings.PollIntervalMs) * time.Millisecond
	}
	poller := core.NewPoller(orch, pollInterval)
	poller.Start()

	server := api.NewServer(orch, ledger, sink)
	mux := server.Mux()
	mux.HandleFunc("/v1/ws", server.InitWebSocket(poller))

	addr := cfg.Address()

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			log.Println("Shutting down...")
			logging.Info(logging.CatSystem, "Card Agent stopping", nil)
			poller.Stop()
			orch.Disconnect()
			logging.FlushSentry(2 * time.Second)
			os.Exit(0)
		})
	}
	server.SetShutdownHandler(shutdown)

	// Server start function
	startServer := func() {
		log.Printf("card-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	useTray := !headless && tray.IsSupported()

	if useTray {
		log.Println("Starting with system tray...")

		trayApp := tray.New(addr, func() (bool, string) {
			return orch.Connected(), orch.Reader()
		}, shutdown)

		// Run tray with server - this blocks on the main thread until quit
		// (required for macOS Cocoa compatibility)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}

		// Set up signal handling for graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			shutdown()
		}()

		startServer()
	}
}
