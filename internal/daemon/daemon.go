// Package daemon hosts the session manager and delegation queue behind the
// UDS server and runs periodic maintenance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/delegator/internal/events"
	"github.com/msageha/delegator/internal/lock"
	"github.com/msageha/delegator/internal/logging"
	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/notify"
	"github.com/msageha/delegator/internal/process"
	"github.com/msageha/delegator/internal/queue"
	"github.com/msageha/delegator/internal/session"
	"github.com/msageha/delegator/internal/store"
	"github.com/msageha/delegator/internal/uds"
)

const (
	LockFile    = "daemon.lock"
	JournalFile = "sessions.jsonl"
	busBuffer   = 256
)

// Env vars that must not leak from the daemon's environment into workers.
var strippedWorkerEnv = []string{"CLAUDECODE"}

// Daemon is the delegator daemon process.
type Daemon struct {
	stateDir string
	config   model.Config
	logger   zerolog.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	launcher process.Launcher

	store         store.Store
	bus           *events.Bus
	journal       *events.Journal
	detachJournal func()
	detachNotify  func()
	manager       *session.Manager
	queue         *queue.Queue

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New creates a daemon logging to stateDir/logs/daemon.log.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	logger, closer, err := logging.OpenFile(stateDir, "daemon.log", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return newDaemon(stateDir, cfg, logger, closer, process.NewExecLauncher(strippedWorkerEnv...)), nil
}

// NewWithLogger creates a daemon that logs to logger instead of a file.
func NewWithLogger(stateDir string, cfg model.Config, logger zerolog.Logger) *Daemon {
	return newDaemon(stateDir, cfg, logger, nil, process.NewExecLauncher(strippedWorkerEnv...))
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir string, cfg model.Config, logger zerolog.Logger, closer io.Closer, launcher process.Launcher) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.WithDefaults()
	return &Daemon{
		stateDir: stateDir,
		config:   cfg,
		logger:   logger.With().Str("component", "daemon").Logger(),
		logFile:  closer,
		server:   uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger),
		launcher: launcher,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.done
	return nil
}

// Start brings up every component and the UDS server without blocking.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.stateDir, "locks"), 0755); err != nil {
		d.abort()
		return fmt.Errorf("create lock dir: %w", err)
	}
	fl, err := lock.Acquire(filepath.Join(d.stateDir, "locks", LockFile))
	if err != nil {
		d.abort()
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.fileLock = fl
	d.logger.Info().Int("pid", os.Getpid()).Msg("daemon starting")

	if err := d.startComponents(); err != nil {
		d.abort()
		return err
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.abort()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info().Str("socket", filepath.Join(d.stateDir, uds.DefaultSocketName)).Msg("UDS server listening")

	d.wg.Add(1)
	go d.maintenanceLoop(time.Duration(d.config.Daemon.MaintenanceIntervalSec) * time.Second)

	d.logger.Info().
		Int("max_concurrent", d.manager.Capacity()).
		Int("queued", d.queue.Len()).
		Msg("daemon ready")
	return nil
}

func (d *Daemon) startComponents() error {
	st, err := store.Open(d.stateDir, d.config.Storage, d.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.bus = events.NewBus(busBuffer)
	d.bus.SetLogger(d.logger)
	journal, err := events.NewJournal(filepath.Join(d.stateDir, "logs", JournalFile), events.DefaultMaxJournalSize)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d.journal = journal
	d.detachJournal = journal.Attach(d.bus, func(err error) {
		d.logger.Warn().Err(err).Msg("journal write failed")
	})

	if d.config.Daemon.Notify {
		d.detachNotify = notify.Attach(d.bus, notify.OSAScript{}, d.logger)
	}

	mgr, err := session.NewManager(session.ConfigFrom(d.config), st, d.launcher, d.bus, d.logger)
	if err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	d.manager = mgr

	q, err := queue.New(queue.ConfigFrom(d.config, d.stateDir), mgr, d.bus, d.logger)
	if err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	d.queue = q
	return nil
}

// maintenanceLoop removes expired sessions and re-flushes records whose
// terminal write failed earlier.
func (d *Daemon) maintenanceLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.maintain()
		}
	}
}

func (d *Daemon) maintain() {
	if n := d.manager.FlushPending(); n > 0 {
		d.logger.Info().Int("flushed", n).Msg("re-flushed pending session records")
	}
	report := d.manager.Cleanup(d.ctx)
	if len(report.Removed) > 0 || report.Failed > 0 {
		d.logger.Info().
			Int("removed", len(report.Removed)).
			Int("kept", report.Kept).
			Int("failed", report.Failed).
			Msg("session cleanup")
	}
}

// Done is closed once shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// waitSignals blocks until a shutdown signal arrives or shutdown was
// requested over the socket.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case <-d.ctx.Done():
		return
	}

	go func() {
		select {
		case <-sigCh:
			d.logger.Warn().Msg("received second signal, forcing exit")
			os.Exit(1)
		case <-d.done:
		}
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). Running
// workers are killed; the queue backlog stays on disk.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info().Msg("shutdown started")
		d.cancel()

		// Stop producers first so nothing new reaches the manager.
		_ = d.server.Stop()
		if d.queue != nil {
			d.queue.Close()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if d.manager != nil {
			if err := d.manager.Close(ctx); err != nil {
				d.logger.Warn().Err(err).Dur("timeout", timeout).Msg("sessions did not settle before shutdown timeout")
			}
		}

		d.wg.Wait()
		d.release()
		d.logger.Info().Msg("daemon stopped")
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
		close(d.done)
	})
}

// abort undoes a partial Start.
func (d *Daemon) abort() {
	if d.queue != nil {
		d.queue.Close()
	}
	if d.manager != nil {
		_ = d.manager.Close(context.Background())
	}
	d.cancel()
	d.release()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

// release closes whatever components were started and drops the lock.
func (d *Daemon) release() {
	if d.detachNotify != nil {
		d.detachNotify()
	}
	if d.detachJournal != nil {
		d.detachJournal()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("close journal")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			d.logger.Warn().Err(err).Msg("close store")
		}
	}
	_ = d.fileLock.Release()
}
