package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chamalink/chama-service/internal/app"
	"github.com/spf13/cobra"
)

func schedulerCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the stale payment sweep and the loan voting expiry on their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(context.Background(), *configDir)
			if err != nil {
				return err
			}
			defer rt.close()

			scheduler := newScheduler(rt)
			if scheduler.Start() == 0 {
				rt.logger.Warn("no jobs scheduled; check the schedule settings", "component", "scheduler")
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			rt.logger.Info("shutting down scheduler", "component", "scheduler")
			<-scheduler.Stop().Done()
			rt.logger.Info("scheduler exited gracefully", "component", "scheduler")
			return nil
		},
	}
}

func newScheduler(rt *runtime) *app.Scheduler {
	jobs := app.NewJobs(
		rt.repo,
		rt.service,
		rt.reconciler,
		rt.provider,
		rt.logger,
		time.Duration(rt.cfg.PaymentReconcileAgeMinutes)*time.Minute,
		time.Duration(rt.cfg.LoanVotingTTLHours)*time.Hour,
	)
	return app.NewScheduler(jobs, rt.logger, rt.cfg)
}
