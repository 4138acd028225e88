// Package daemon assembles the expertd process: configuration, logging,
// the scheduler role, and the worker role running expert instances.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/askexperts/expertlib/expertdb"
	"github.com/askexperts/expertlib/scheduler"
	"github.com/askexperts/expertlib/worker"
)

// ExpertdMain is the true entry point for expertd. It is called in a
// nested manner from main so that defers run on a graceful shutdown.
//
// callbacks supplies the answer generator for worker-run experts. The
// scheduler role runs without one, but the worker role refuses to start
// with a nil factory: answer generation is deployment-specific (which
// LLM, which datastore), so worker deployments embed this function in
// their own main and pass a CallbacksFactory, typically feeding
// NewRunnerFactory. The stock expertd binary is therefore
// scheduler-only.
func ExpertdMain(args []string, callbacks CallbacksFactory) error {
	cfg, err := LoadConfig(args)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	var (
		sched *scheduler.Scheduler
		wrkr  *worker.Worker
	)

	if cfg.RunScheduler {
		store, err := expertdb.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("unable to open expert db: %v", err)
		}
		defer store.Close()

		sched, err = scheduler.New(scheduler.Config{
			Store:      store,
			ListenAddr: cfg.Scheduler.Listen,
		})
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
		xptdLog.Infof("Scheduler listening on %v", cfg.Scheduler.Listen)
	}

	if cfg.RunWorker {
		if callbacks == nil {
			return fmt.Errorf("the worker role requires a " +
				"callbacks factory: embed daemon.ExpertdMain " +
				"in your own main and pass one (see " +
				"daemon.NewRunnerFactory)")
		}
		wrkr, err = worker.New(worker.Config{
			SchedulerURL: cfg.Worker.SchedulerURL,
			Factory:      NewRunnerFactory(callbacks),
			WorkerID:     cfg.Worker.ID,
			Capacity:     cfg.Worker.Capacity,
		})
		if err != nil {
			return err
		}
		if err := wrkr.Start(); err != nil {
			return err
		}
		defer wrkr.Stop()
		xptdLog.Infof("Worker %v dialing %v", wrkr.ID(),
			cfg.Worker.SchedulerURL)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	sig := <-sigC
	xptdLog.Infof("Received %v, shutting down", sig)
	return nil
}
