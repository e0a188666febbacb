package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lherron/crmsync/internal/daemon"
)

func main() {
	addr := flag.String("addr", os.Getenv("CRMSYNC_DAEMON_ADDR"), "Listen address (default 127.0.0.1:8089)")
	unixPath := flag.String("unix", os.Getenv("CRMSYNCD_UNIX"), "Listen on unix socket path")
	token := flag.String("token", "", "Shared token for API auth (defaults to CRMSYNC_DAEMON_TOKEN)")
	dbPath := flag.String("db", "", "Database path override (defaults to config)")
	interval := flag.Duration("interval", 0, "Time between scheduled syncs (defaults to config)")
	noSchedule := flag.Bool("no-schedule", false, "Only sync when triggered through the API")
	flag.Parse()

	opts := daemon.Options{
		Addr:       *addr,
		Unix:       *unixPath,
		Token:      *token,
		DBPath:     *dbPath,
		Interval:   *interval,
		NoSchedule: *noSchedule,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Serve(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
