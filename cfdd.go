// cfdd is the daemon entrypoint: load configuration, stand up logging,
// open the event store, and run the peer connection manager until
// interrupted. Mirrors lnd's lndMain/lnd.go split so that defers
// registered in the nested function still run on a graceful shutdown
// triggered by os.Exit in main.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/cfdnet/cfdd/cfdconfig"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/cfdlog"
	"github.com/cfdnet/cfdd/coordinator"
	"github.com/cfdnet/cfdd/punisher"
)

var (
	rootLog = cfdlog.Disabled
)

func cfddMain() error {
	cfg, err := cfdconfig.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println(version())
		return nil
	}

	if err := cfdlog.InitLogRotator(cfg.LogFile(), cfg.MaxLogFileSize, cfg.MaxLogFiles); err != nil {
		return fmt.Errorf("initializing log rotator: %w", err)
	}
	defer cfdlog.Flush()

	rootLog = cfdlog.SubLogger("CFDD")
	useLoggers()

	rootLog.Infof("cfdd %s starting, role=%s", version(), roleString(cfg))

	store, err := cfdevent.OpenSQLStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	proj := cfdevent.NewProjector(64)
	feed := cfdevent.NewFeedProjector(cfdevent.FeedCfds, cfdsStateProjection, proj)
	executor := coordinator.NewExecutor(store, feed)
	tower := coordinator.NewControlTower()
	dispatcher := coordinator.NewDispatcher(tower)

	srv, err := newServer(cfg, executor, tower, dispatcher)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	if cfg.Taker && cfg.MakerAddr != "" {
		if _, err := srv.ConnectToMaker(context.Background(), cfg.MakerAddr); err != nil {
			rootLog.Errorf("connecting to maker %s: %v", cfg.MakerAddr, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	rootLog.Infof("shutdown signal received, stopping server")
	srv.Stop()
	srv.WaitForShutdown()
	rootLog.Info("shutdown complete")
	return nil
}

func roleString(cfg *cfdconfig.Config) string {
	if cfg.Maker {
		return "maker"
	}
	return "taker"
}

// useLoggers installs the root-backed subsystem loggers on every package
// that registered a UseLogger hook, the same per-subsystem wiring
// lnd.go performs for ltndLog/srvrLog/peerLog/rpcsLog.
func useLoggers() {
	coordinator.UseLogger(cfdlog.SubLogger("CRDN"))
	punisher.UseLogger(cfdlog.SubLogger("PNSH"))
}

func version() string {
	return "0.1.0-cfd"
}

// cfdsStateProjection is the FeedCfds projection: it just remembers the
// most recent event kind seen per order, which is enough for a
// subscriber to notice a transition happened; the full state machine
// lives in cfdaggregate and is recomputed on demand by cfdcli/the
// executor's Rehydrate, not duplicated here.
func cfdsStateProjection(current interface{}, event cfdevent.Event) interface{} {
	return string(event.Kind)
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := cfddMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
