package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
)

// errRolloutFailed is returned when a rollout ends FAILED
var errRolloutFailed = errors.New("rollout failed")

// openHistory opens the history database, creating its directory if needed
func openHistory(path string) (*storage.BoltStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		path = filepath.Join(home, ".rollout", "history.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return storage.Open(path)
}

// startMetricsServer serves metrics and health probes until the returned
// function is called
func startMetricsServer(addr string) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           metrics.ServeMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Serving metrics on " + addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// runRollout drives one rollout to its verdict, printing events to out
func (a *app) runRollout(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := a.newCluster(ctx, cfg.ECSConfig())
	if err != nil {
		return fmt.Errorf("failed to create cluster client: %w", err)
	}

	store, err := openHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go metrics.NewRecorder(cfg.Service).Run(broker.Subscribe())

	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(store, 0)
		collector.Start()
		defer collector.Stop()

		stop := startMetricsServer(cfg.MetricsAddr)
		defer stop()
	}

	controller, err := deploy.NewController(cfg.DeployConfig(), client, client,
		deploy.WithBroker(broker),
		deploy.WithStore(store),
	)
	if err != nil {
		return err
	}
	defer controller.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := controller.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Rolling out %s to %s (run %s)\n", cfg.TaskDefinition, cfg.Descriptor(), controller.RunID())
	for ev := range stream {
		printEvent(out, ev)
	}

	res := controller.Result()
	if res == nil || res.State != types.DeploymentStateSucceeded {
		return errRolloutFailed
	}
	return nil
}

func printEvent(w io.Writer, ev *events.Event) {
	ts := ev.Timestamp.Format("15:04:05")

	switch ev.Type {
	case events.EventStart:
		fmt.Fprintf(w, "%s  %-7s %-18s %s\n", ts, ev.Type, ev.State, ev.Message)
	case events.EventUpdate:
		fmt.Fprintf(w, "%s  %-7s %-18s failures=%d %s\n", ts, ev.Type, ev.State, ev.FailureTally, ev.Message)
		if ev.Warning != "" {
			fmt.Fprintf(w, "          warning: %s\n", ev.Warning)
		}
	case events.EventError:
		fmt.Fprintf(w, "%s  %-7s %-18s %s\n", ts, ev.Type, ev.State, ev.Message)
	case events.EventEnd:
		fmt.Fprintf(w, "%s  %-7s %-18s failures=%d %s\n", ts, ev.Type, ev.State, ev.FailureTally, ev.Message)
		if ev.Err != nil {
			fmt.Fprintf(w, "          error: %v\n", ev.Err)
		}
	}
}
