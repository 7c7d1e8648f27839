package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/ddcodepl/nomad/internal/config"
	"github.com/ddcodepl/nomad/internal/queuedrunner"
	"github.com/ddcodepl/nomad/internal/refinepool"
	"github.com/ddcodepl/nomad/internal/statemachine"
)

// runHealthCheck runs the same liveness/reachability probe the dashboard's
// GET /healthz serves, prints the result, and exits non-zero on failure.
func runHealthCheck(cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "health check failed to start: %v\n", err)
		return err
	}
	checker := &healthChecker{board: a.board}
	status := checker.Health(ctx)

	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !status.OK {
		return fmt.Errorf("board unreachable")
	}
	return nil
}

// runOneShotRefine drives one refinement pass over every page currently in
// the To Refine status, then returns. The exit code is nonzero only when
// nothing succeeded and at least one task failed.
func runOneShotRefine(ctx context.Context, a *app) error {
	ids, err := a.adapter.PageIDsByStatus(ctx, statemachine.ToRefine)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Println("nomad: no tasks in To Refine")
		return nil
	}
	results, err := a.refinePass(ctx, ids)
	if err != nil {
		return err
	}
	succeeded, failed := 0, 0
	for _, r := range results {
		switch r {
		case refinepool.Completed:
			succeeded++
		case refinepool.TaskFailed:
			failed++
		}
	}
	log.Printf("nomad: refine pass: %d succeeded, %d failed", succeeded, failed)
	if succeeded == 0 && failed > 0 {
		return fmt.Errorf("refine pass: all %d tasks failed", failed)
	}
	return nil
}

// runOneShotPrepare drives one prepare-tasks cycle: Refined tasks are
// advanced and, if any ticket is already sitting in Prepare Tasks or
// Preparing Tasks, that ticket is progressed one step.
func runOneShotPrepare(ctx context.Context, a *app) error {
	prep := a.prep

	refined, err := a.adapter.PageIDsByStatus(ctx, statemachine.Refined)
	if err != nil {
		return err
	}
	if len(refined) > 0 {
		if err := prep.handleRefined(ctx, refined); err != nil {
			return err
		}
	}

	preparing, err := a.adapter.PageIDsByStatus(ctx, statemachine.PreparingTasks)
	if err != nil {
		return err
	}
	if len(preparing) > 0 {
		if err := prep.handlePreparingTasks(ctx, preparing); err != nil {
			return err
		}
	}

	queued, err := a.adapter.PageIDsByStatus(ctx, statemachine.PrepareTasks)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		log.Println("nomad: no tickets awaiting decomposition")
		return nil
	}
	// The prepare pass processes exactly one ticket; its failure with no
	// other success is the nonzero-exit case.
	return prep.prepareOne(ctx, queued[0])
}

// runOneShotQueued drives one queued-run cycle, processing a single queued
// ticket through the code-generation engine. The exit code is nonzero only
// when the processed ticket failed.
func runOneShotQueued(ctx context.Context, a *app) error {
	ids, err := a.adapter.PageIDsByStatus(ctx, statemachine.QueuedToRun)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Println("nomad: no tasks in Queued to run")
		return nil
	}
	outcome := a.runner.ProcessOne(ctx, ids[0])
	log.Printf("nomad: queued run %s: %s", ids[0], outcome)
	if outcome == queuedrunner.OutcomeFailed {
		return fmt.Errorf("queued run: task %s failed", ids[0])
	}
	return nil
}

// runContinuous starts the dashboard (if configured) and runs the
// multi-status dispatcher until ctx is cancelled.
func runContinuous(ctx context.Context, a *app) error {
	if a.dash.Enabled() {
		go func() {
			if err := a.dash.Start(ctx); err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}
	a.dispatch.RunContinuous(ctx)
	return nil
}
