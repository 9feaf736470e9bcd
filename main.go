// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wildcastradio/aircast/internal/capture"
	"github.com/wildcastradio/aircast/internal/config"
)

var (
	configPath  = flag.String("config", "", "Path to config.json (default: <data-dir>/config.json)")
	dataDir     = flag.String("data-dir", "", "State directory (default: ~/.aircast)")
	streamURL   = flag.String("stream-url", "", "Override the stream URL (listen mode)")
	sourceName  = flag.String("source", "", "Audio source: microphone, desktop or mixed (broadcast mode)")
	title       = flag.String("title", "Live Broadcast", "Broadcast title (broadcast mode)")
	description = flag.String("description", "", "Broadcast description (broadcast mode)")
	verbose     = flag.Bool("v", false, "Debug logging")
	showVersion = flag.Bool("version", false, "Show version")
	showHelp    = flag.Bool("h", false, "Show help")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("aircast v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	dir := *dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot resolve home directory: %v\n", err)
			os.Exit(1)
		}
		dir = filepath.Join(home, ".aircast")
	}
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, "config.json")
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: config: %v\n", err)
		os.Exit(1)
	}
	if created {
		log.Info("created default config", "path", cfgPath)
	}

	app, err := NewApp(cfg, dir, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.Startup(ctx)

	// Foreground/background hints: SIGUSR1 hides, SIGUSR2 shows. A
	// headless build has no window manager to tell us, so signals
	// stand in for visibility changes.
	visibility := make(chan os.Signal, 1)
	signal.Notify(visibility, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(visibility)
	go func() {
		for sig := range visibility {
			app.SetVisible(sig == syscall.SIGUSR2)
		}
	}()

	// Live config reload: volume, gains, token.
	if updates, stopWatch, err := config.Watch(cfgPath, log); err != nil {
		log.Warn("config watch disabled", "err", err)
	} else {
		defer stopWatch()
		go func() {
			for cfg := range updates {
				app.ApplyConfig(cfg)
			}
		}()
	}

	switch args[0] {
	case "listen":
		err = app.RunListen(ctx, *streamURL)
	case "broadcast":
		name := *sourceName
		if name == "" {
			name = cfg.Capture.Source
		}
		var source capture.SourceType
		source, err = capture.ParseSourceType(name)
		if err == nil {
			err = app.RunBroadcast(ctx, *title, *description, source)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
	// Not deferred: os.Exit below would skip it.
	app.Shutdown(context.Background())

	if err != nil {
		log.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`aircast - campus radio streaming client

Usage:
  aircast [flags] listen       Play the station stream
  aircast [flags] broadcast    Go live as DJ

Flags:`)
	flag.PrintDefaults()
}
