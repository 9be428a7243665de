// Command sockgated runs the front-door authentication router: it loads
// configuration, assembles the supervisor, and serves until a shutdown
// signal or the interactive quit key arrives.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbridges/sockgate/internal/config"
	"github.com/mbridges/sockgate/internal/console"
	"github.com/mbridges/sockgate/internal/supervisor"
)

var (
	routerConfigPath  = flag.String("config", "configs/router.yaml", "Path to router configuration file")
	bucketsConfigPath = flag.String("buckets", "configs/buckets.yaml", "Path to buckets configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting sockgate")

	cfg, err := config.Load(*routerConfigPath, *bucketsConfigPath)
	if err != nil {
		console.Fail("configuration error: %v", err)
		os.Exit(1)
	}
	log.Printf("[main] configuration loaded: %d bucket(s), instance=%s", len(cfg.Buckets), cfg.Router.InstanceID)

	sup, err := supervisor.New(cfg, nil)
	if err != nil {
		console.Fail("failed to assemble supervisor: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		console.Fail("failed to start: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitKey := make(chan struct{}, 1)
	go console.WaitForQuitKey(quitKey)

	console.Success("ready. Send SIGINT/SIGTERM or type 'q' + Enter to shut down.")

	select {
	case sig := <-sigCh:
		log.Printf("[main] received signal %v", sig)
	case <-quitKey:
		log.Println("[main] quit key pressed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)
}
