package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relaymesh/internal/router"
	"github.com/relaymesh/relaymesh/internal/storage"
	"github.com/relaymesh/relaymesh/internal/worker"
)

// Daemon assembles the relay: storage, router, worker supervisor, the
// unix socket listener, and the optional HTTP surface. One daemon per
// project directory; the PID file next to the socket enforces that.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	directory  *storage.AgentDirectory
	workers    *storage.WorkerStore
	messages   *storage.SQLiteMessageStore
	router     *router.Router
	supervisor *worker.Supervisor

	hosts *hostSet
}

// New wires a daemon from config. Nothing listens until Run.
func New(cfg *Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base dir: %w", err)
	}

	directory, err := storage.NewAgentDirectory(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	workerStore, err := storage.NewWorkerStore(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	messages, err := storage.OpenMessageStore(filepath.Join(cfg.BaseDir, "messages.db"))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		directory: directory,
		workers:   workerStore,
		messages:  messages,
	}
	d.router = router.New(router.Config{
		MaxFrameBytes: cfg.MaxFrameBytes,
		Heartbeat:     time.Duration(cfg.Heartbeat),
		ResumeTTL:     time.Duration(cfg.ResumeTTL),
	}, directory, messages)
	d.supervisor = worker.NewSupervisor(worker.Config{
		Store:       workerStore,
		RelayPrefix: cfg.RelayPrefix,
		Grace:       time.Duration(cfg.Grace),
		Logger:      logger,
	})
	d.hosts = newHostSet(d)
	return d, nil
}

// Router exposes the live router, mainly for tests and the HTTP layer.
func (d *Daemon) Router() *router.Router {
	return d.router
}

// Supervisor exposes the worker lifecycle manager.
func (d *Daemon) Supervisor() *worker.Supervisor {
	return d.supervisor
}

// Run serves until ctx is cancelled, then shuts down in order: workers
// released, router drained, directory flushed. Errors along the way are
// logged and never abort the remaining steps.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.RemoveAll(d.cfg.SocketPath); err != nil {
		return fmt.Errorf("failed to clear stale socket: %w", err)
	}
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.SocketPath, err)
	}
	if err := storage.WritePIDFile(d.cfg.SocketPath, os.Getpid()); err != nil {
		ln.Close()
		return err
	}
	d.logger.Info("listening", "socket", d.cfg.SocketPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		return d.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		d.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		d.hosts.run(gctx)
		return nil
	})
	if d.cfg.HTTPAddr != "" {
		g.Go(func() error {
			return d.serveHTTP(gctx)
		})
	}

	err = g.Wait()
	d.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go d.serveConn(conn)
	}
}

// sweepLoop runs the periodic maintenance: heartbeats, suspended
// session expiry, and message store pruning.
func (d *Daemon) sweepLoop(ctx context.Context) {
	heartbeat := time.NewTicker(time.Duration(d.cfg.Heartbeat))
	defer heartbeat.Stop()
	suspended := time.NewTicker(30 * time.Second)
	defer suspended.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			d.router.SweepHeartbeats()
			if err := d.router.FlushDirectory(); err != nil {
				d.logger.Warn("directory flush failed", "error", err)
			}
		case <-suspended.C:
			d.router.SweepSuspended()
		case <-prune.C:
			if d.cfg.MessageRetention <= 0 {
				continue
			}
			cutoff := time.Now().Add(-time.Duration(d.cfg.MessageRetention))
			n, err := d.messages.Prune(cutoff)
			if err != nil {
				d.logger.Warn("message prune failed", "error", err)
			} else if n > 0 {
				d.logger.Info("pruned messages", "rows", n)
			}
		}
	}
}

// shutdown is the cooperative teardown sequence. Every step runs even
// when an earlier one fails.
func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")

	d.supervisor.ReleaseAll()

	if err := d.router.Shutdown(); err != nil {
		d.logger.Warn("router shutdown reported errors", "error", err)
	}
	if err := d.messages.Close(); err != nil {
		d.logger.Warn("message store close failed", "error", err)
	}
	if err := storage.RemovePIDFile(d.cfg.SocketPath); err != nil {
		d.logger.Warn("pid file removal failed", "error", err)
	}
	if err := os.RemoveAll(d.cfg.SocketPath); err != nil {
		d.logger.Warn("socket removal failed", "error", err)
	}
	d.logger.Info("shutdown complete")
}
