// easyluad hosts the embedded Lua runtime behind a TCP rendition of the
// wireless link: it listens for framed events, executes scripts under
// isolation and streams output, errors and results back to the peer.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/config"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/storage"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/system"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML configuration file")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "Storage database path (overrides config)")
	verbosity := flag.Int("v", 0, "Log verbosity (0-2)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: easyluad [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the script host and serves the event protocol over TCP.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  easyluad                        # Defaults, listen on :7627\n")
		fmt.Fprintf(os.Stderr, "  easyluad -config easylua.toml   # Explicit configuration\n")
		fmt.Fprintf(os.Stderr, "  easyluad -listen :9000 -v 1     # Override address, more logs\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	log := commonlog.GetLogger("easylua")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.StoragePath = *dbPath
	}

	store, err := storage.Open(cfg.StoragePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	trans, err := transport.ListenTCP(cfg.Listen,
		transport.WithMTU(cfg.MTU),
		transport.WithPace(time.Duration(cfg.PaceMS)*time.Millisecond))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting transport: %v\n", err)
		os.Exit(1)
	}

	rt := system.New(cfg, trans, store, nil)
	rt.Start()
	log.Infof("serving on %s", cfg.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	rt.Close()
}
