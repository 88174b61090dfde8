package app

import (
	"context"
	"fmt"
	"os"

	systemd "github.com/coreos/go-systemd/v22/daemon"

	"rsched/internal/discovery"
	"rsched/internal/metrics"
	"rsched/internal/notify"
	"rsched/internal/restic"
	"rsched/internal/sched"
	"rsched/internal/server"
	"rsched/internal/update"
)

// daemon holds the running scheduler and everything it owns.
type daemon struct {
	loop      *sched.Loop
	queue     *sched.Queue
	scheduler *sched.Scheduler
	metrics   *metrics.Registry
	loopDone  chan error
}

// startDaemon wires the scheduler from config and starts the loop.
func (a *App) startDaemon(version string) (*daemon, error) {
	notifier, err := notify.NewNotifierFromConfig(a.cfg.Notify, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	reg := metrics.New()
	loop := sched.NewLoop(a.logger)
	queue := sched.NewQueue(loop, a.logger, sched.WithMetrics(reg))

	runner := restic.ExecRunner{Binary: a.cfg.Restic.Binary}

	var discoverer sched.Discoverer
	if home, err := os.UserHomeDir(); err == nil {
		discoverer = discovery.NewScanner(home)
	} else {
		a.logger.Warn("auto-discovery unavailable", "error", err)
	}

	var updates sched.UpdateChecker
	if a.cfg.Update.URL != "" {
		updates = update.NewChecker(a.cfg.Update.URL, version, nil)
	}

	s := sched.NewScheduler(sched.Deps{
		Store:       a.store,
		Queue:       queue,
		Loop:        loop,
		Engine:      sched.NewEngine(sched.TreeScanner{}, a.clock, a.logger),
		Checker:     sched.NewIntegrityChecker(restic.DirCacheResetter{Dir: a.cfg.Restic.CacheDir}, a.logger),
		Tools:       restic.NewToolFactory(runner, a.cfg.Restic, a.logger),
		Credentials: a.credentials,
		Notifier:    notifier,
		Discoverer:  discoverer,
		Updates:     updates,
		Clock:       a.clock,
		Logger:      a.logger,
		Metrics:     reg,
	})

	d := &daemon{loop: loop, queue: queue, scheduler: s, metrics: reg, loopDone: make(chan error, 1)}
	go func() { d.loopDone <- loop.Run(context.Background()) }()
	return d, nil
}

// stop cancels the pending pass, lets the executing task finish and its
// callbacks run, then stops the loop. Queued tasks are discarded.
func (d *daemon) stop() error {
	d.scheduler.Stop()
	d.queue.Shutdown()
	d.queue.Join()
	d.loop.Stop()
	return <-d.loopDone
}

// Run starts the scheduler and, when configured, the control endpoint, and
// blocks until ctx is cancelled. On the way out the store is exported to the
// configured vaults.
func (a *App) Run(ctx context.Context, version string) error {
	d, err := a.startDaemon(version)
	if err != nil {
		return err
	}
	d.scheduler.Start(sched.InitialDelay)
	a.logger.Info("daemon started", "version", version, "host", a.cfg.HostID)

	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()
	srvErr := make(chan error, 1)
	if a.cfg.Server.Listen != "" {
		srv := server.New(d.scheduler, d.metrics.Handler(), a.logger)
		go func() { srvErr <- srv.ListenAndServe(srvCtx, a.cfg.Server.Listen) }()
	}

	a.sdNotify(systemd.SdNotifyReady)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		runErr = fmt.Errorf("control endpoint: %w", err)
	}
	cancelSrv()
	if a.cfg.Server.Listen != "" && runErr == nil {
		if err := <-srvErr; err != nil {
			a.logger.Warn("control endpoint shutdown", "error", err)
		}
	}

	a.logger.Info("daemon stopping")
	a.sdNotify(systemd.SdNotifyStopping)
	if err := d.stop(); err != nil {
		a.logger.Warn("loop stopped with error", "error", err)
	}
	if _, err := a.ExportState(context.Background()); err != nil {
		a.logger.Error("state export failed", "error", err)
	}
	a.logger.Info("daemon stopped")
	return runErr
}

// sdNotify reports service state to systemd when running as a notify unit.
func (a *App) sdNotify(state string) {
	if _, err := systemd.SdNotify(false, state); err != nil {
		a.logger.Debug("sd_notify failed", "state", state, "error", err)
	}
}
